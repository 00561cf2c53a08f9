package icap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bdobrica/Sekimori/common/version"
	"github.com/bdobrica/Sekimori/internal/sekimori/creds"
)

// readTimeout bounds each read cycle on a connection.
const readTimeout = 60 * time.Second

// CredentialSource is the slice of the credential store the server needs.
type CredentialSource interface {
	Current() *creds.Credential
}

// Server is the ICAP adaptation server.
type Server struct {
	addr         string
	upstreamHost string
	source       CredentialSource
	istag        string

	mu sync.Mutex
	ln net.Listener
}

// New creates a Server that injects credentials for requests bound to
// upstreamHost.
func New(addr, upstreamHost string, source CredentialSource) *Server {
	return &Server{
		addr:         addr,
		upstreamHost: upstreamHost,
		source:       source,
		istag:        fmt.Sprintf("\"SEKIMORI-%s\"", version.Version),
	}
}

// Start binds the listener and serves until ctx is cancelled. It returns
// once the listener is bound so callers can immediately point a proxy at it.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("icap listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	slog.Info("adaptation server listening", "addr", ln.Addr().String(), "upstream_host", s.upstreamHost)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	go s.acceptLoop(ln)
	return nil
}

// Stop closes the listener; in-flight connections finish their current
// request and then see EOF.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Error("adaptation server accept failed", "err", err)
			}
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn serves ICAP requests on one connection until EOF or error.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	bw := bufio.NewWriter(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err := s.handleOne(conn, br, bw); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			if errors.Is(err, errBadRequest) {
				writeStatus(bw, 400, "Bad Request")
				bw.Flush()
			}
			slog.Debug("adaptation connection closed", "peer", conn.RemoteAddr(), "err", err)
			return
		}
		if err := bw.Flush(); err != nil {
			return
		}
	}
}

// handleOne reads and answers a single ICAP request.
func (s *Server) handleOne(conn net.Conn, br *bufio.Reader, bw *bufio.Writer) error {
	line, err := readLine(br)
	if err != nil {
		return err
	}
	if line == "" {
		// Tolerate a stray CRLF between pipelined requests.
		line, err = readLine(br)
		if err != nil {
			return err
		}
	}

	method, _, _, err := parseRequestLine(line)
	if err != nil {
		return err
	}
	header, err := parseHeaders(br)
	if err != nil {
		return err
	}

	switch method {
	case "OPTIONS":
		s.writeOptions(bw)
		return nil
	case "REQMOD":
		return s.handleReqmod(conn, br, bw, header)
	default:
		writeStatus(bw, 405, "Method Not Allowed")
		return nil
	}
}

// handleReqmod reads the encapsulated HTTP request, rewrites its auth
// headers, and writes the adapted response.
func (s *Server) handleReqmod(conn net.Conn, br *bufio.Reader, bw *bufio.Writer, header map[string]string) error {
	encValue, ok := header["encapsulated"]
	if !ok {
		return fmt.Errorf("%w: missing Encapsulated header", errBadRequest)
	}
	enc, err := parseEncapsulated(encValue)
	if err != nil {
		return err
	}

	httpHeader := make([]byte, enc.reqBody-enc.reqHdr)
	if _, err := readFull(br, httpHeader); err != nil {
		return err
	}

	var body []byte
	if enc.hasBody {
		body, err = readChunkedRaw(br)
		if err != nil {
			return err
		}

		// A zero-byte preview is just the chunked terminator. Unless the
		// proxy flagged ieof (body truly empty), answer 100 Continue and
		// read the real body before adapting.
		_, previewed := header["preview"]
		if previewed && string(body) == previewSentinel {
			writeStatus(bw, 100, "Continue")
			if err := bw.Flush(); err != nil {
				return err
			}
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			body, err = readChunkedRaw(br)
			if err != nil {
				return err
			}
		}
	}

	if !requestTargetsHost(httpHeader, s.upstreamHost) {
		s.writeNoModification(bw)
		return nil
	}

	// Always strip the client's placeholder auth headers, even when no
	// credential is available — a placeholder must never reach upstream.
	modified, stripped := stripAuthHeaders(httpHeader)

	cred := s.source.Current()
	if cred == nil {
		if stripped {
			// A 204 would tell the proxy to forward the original request,
			// placeholder included. Return the stripped rewrite instead.
			slog.Warn("no upstream credential available; stripping placeholder auth header")
			s.writeModified(bw, modified, body, enc.hasBody)
			return nil
		}
		slog.Warn("no upstream credential available")
		s.writeNoModification(bw)
		return nil
	}

	modified = injectHeader(modified, cred.HeaderName, cred.HeaderValue)
	s.writeModified(bw, modified, body, enc.hasBody)
	return nil
}

// --- response writers ---

func (s *Server) writeOptions(bw *bufio.Writer) {
	fmt.Fprintf(bw, "ICAP/1.0 200 OK%s", crlf)
	fmt.Fprintf(bw, "Methods: REQMOD%s", crlf)
	fmt.Fprintf(bw, "Service: Sekimori %s%s", version.Version, crlf)
	fmt.Fprintf(bw, "ISTag: %s%s", s.istag, crlf)
	fmt.Fprintf(bw, "Preview: 0%s", crlf)
	fmt.Fprintf(bw, "Allow: 204%s", crlf)
	fmt.Fprintf(bw, "Encapsulated: null-body=0%s", crlf)
	bw.WriteString(crlf)
}

func (s *Server) writeNoModification(bw *bufio.Writer) {
	fmt.Fprintf(bw, "ICAP/1.0 204 No Content%s", crlf)
	fmt.Fprintf(bw, "ISTag: %s%s", s.istag, crlf)
	fmt.Fprintf(bw, "Encapsulated: null-body=0%s", crlf)
	bw.WriteString(crlf)
}

// writeModified re-encapsulates the rewritten headers and the body bytes
// exactly as received.
func (s *Server) writeModified(bw *bufio.Writer, httpHeader, body []byte, hasBody bool) {
	fmt.Fprintf(bw, "ICAP/1.0 200 OK%s", crlf)
	fmt.Fprintf(bw, "ISTag: %s%s", s.istag, crlf)
	if hasBody {
		fmt.Fprintf(bw, "Encapsulated: req-hdr=0, req-body=%d%s", len(httpHeader), crlf)
	} else {
		fmt.Fprintf(bw, "Encapsulated: req-hdr=0, null-body=%d%s", len(httpHeader), crlf)
	}
	bw.WriteString(crlf)
	bw.Write(httpHeader)
	if hasBody {
		bw.Write(body)
	}
}

func writeStatus(bw *bufio.Writer, code int, text string) {
	fmt.Fprintf(bw, "ICAP/1.0 %d %s%s", code, text, crlf)
	if code != 100 {
		fmt.Fprintf(bw, "Encapsulated: null-body=0%s", crlf)
	}
	bw.WriteString(crlf)
}

// Addr returns the bound listener address, for tests that listen on :0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
