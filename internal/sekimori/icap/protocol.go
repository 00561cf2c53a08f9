// Package icap implements the request-adaptation side of the gateway: an
// ICAP server that a local proxy consults for every outbound HTTP request.
//
// The server speaks just enough ICAP/1.0 to service OPTIONS handshakes and
// REQMOD interactions. For requests bound for the configured upstream LLM
// host it strips any client-supplied x-api-key / Authorization header and
// injects the credential store's current header; everything else gets a 204
// (no modification). Chunked request bodies are re-encapsulated
// byte-for-byte so streaming uploads survive the round trip.
package icap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

const crlf = "\r\n"

// previewSentinel is a body section holding only the chunked terminator.
// The proxy sends this as a zero-byte preview; the full body follows after
// an interim 100 Continue.
const previewSentinel = "0\r\n\r\n"

// errBadRequest marks malformed frames; the server answers with the generic
// protocol error status.
var errBadRequest = errors.New("icap: bad request")

// request is one parsed ICAP request.
type request struct {
	method  string
	uri     string
	version string
	header  map[string]string

	// httpHeader is the encapsulated HTTP request-header block, verbatim.
	httpHeader []byte
	// httpBody is the encapsulated chunked body, verbatim ("" when
	// null-body). Framing is preserved exactly as received.
	httpBody []byte
	hasBody  bool
}

// encapsulated holds the parsed Encapsulated header offsets.
type encapsulated struct {
	reqHdr  int
	reqBody int
	hasBody bool
}

// parseRequestLine splits "METHOD URI ICAP/1.0".
func parseRequestLine(line string) (method, uri, version string, err error) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "ICAP/") {
		return "", "", "", fmt.Errorf("%w: request line %q", errBadRequest, line)
	}
	return parts[0], parts[1], parts[2], nil
}

// parseHeaders reads CRLF-terminated "Name: value" lines up to the blank
// line. Header names are canonicalized to lower case for lookup.
func parseHeaders(br *bufio.Reader) (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return headers, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: header line %q", errBadRequest, line)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
}

// readLine reads one CRLF-terminated line, returning it without the CRLF.
func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseEncapsulated parses "req-hdr=0, req-body=137" (or null-body).
func parseEncapsulated(value string) (encapsulated, error) {
	enc := encapsulated{reqHdr: -1, reqBody: -1}
	for _, part := range strings.Split(value, ",") {
		name, off, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return enc, fmt.Errorf("%w: Encapsulated %q", errBadRequest, value)
		}
		n, err := strconv.Atoi(strings.TrimSpace(off))
		if err != nil || n < 0 {
			return enc, fmt.Errorf("%w: Encapsulated offset %q", errBadRequest, off)
		}
		switch strings.TrimSpace(name) {
		case "req-hdr":
			enc.reqHdr = n
		case "req-body":
			enc.reqBody = n
			enc.hasBody = true
		case "null-body":
			enc.reqBody = n
			enc.hasBody = false
		default:
			// res-hdr etc. are RESPMOD territory; reject them on REQMOD.
			return enc, fmt.Errorf("%w: unsupported Encapsulated part %q", errBadRequest, name)
		}
	}
	if enc.reqHdr != 0 || enc.reqBody < enc.reqHdr {
		return enc, fmt.Errorf("%w: Encapsulated offsets out of order in %q", errBadRequest, value)
	}
	return enc, nil
}

// readChunkedRaw consumes one complete chunked-encoded stream and returns
// its bytes verbatim, framing included. It stops after the zero-size chunk
// and its trailing blank line.
func readChunkedRaw(br *bufio.Reader) ([]byte, error) {
	var raw bytes.Buffer
	for {
		sizeLine, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		raw.WriteString(sizeLine)

		sizeText := strings.TrimRight(sizeLine, "\r\n")
		// Chunk extensions ("0; ieof") sit after a semicolon.
		if i := strings.IndexByte(sizeText, ';'); i >= 0 {
			sizeText = sizeText[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(sizeText), 16, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%w: chunk size %q", errBadRequest, sizeText)
		}

		if size == 0 {
			// Trailer section: lines up to and including the blank line.
			for {
				line, err := br.ReadString('\n')
				if err != nil {
					return nil, err
				}
				raw.WriteString(line)
				if strings.TrimRight(line, "\r\n") == "" {
					return raw.Bytes(), nil
				}
			}
		}

		chunk := make([]byte, size+2) // data + trailing CRLF
		if _, err := readFull(br, chunk); err != nil {
			return nil, err
		}
		raw.Write(chunk)
	}
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// requestTargetsHost reports whether the encapsulated HTTP request is bound
// for host, by its Host header first and its request-line URI second.
func requestTargetsHost(httpHeader []byte, host string) bool {
	lines := splitHeaderLines(httpHeader)
	if len(lines) == 0 {
		return false
	}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(name), "Host") {
			return hostMatches(strings.TrimSpace(value), host)
		}
	}
	// Absolute-form request line, e.g. "POST https://api.host/v1 HTTP/1.1".
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) >= 2 {
		if u := parts[1]; strings.Contains(u, "://") {
			rest := u[strings.Index(u, "://")+3:]
			if i := strings.IndexByte(rest, '/'); i >= 0 {
				rest = rest[:i]
			}
			return hostMatches(rest, host)
		}
	}
	return false
}

// hostMatches compares hosts ignoring case and any port suffix.
func hostMatches(candidate, host string) bool {
	if h, _, err := net.SplitHostPort(candidate); err == nil {
		candidate = h
	}
	return strings.EqualFold(candidate, host)
}

// stripAuthHeaders removes every x-api-key and Authorization header from the
// HTTP header block. It returns the rewritten block (still terminated by a
// blank line) and whether anything was removed.
func stripAuthHeaders(httpHeader []byte) ([]byte, bool) {
	lines := splitHeaderLines(httpHeader)
	var out bytes.Buffer
	stripped := false
	for i, line := range lines {
		if i > 0 {
			name, _, ok := strings.Cut(line, ":")
			if ok {
				n := strings.TrimSpace(name)
				if strings.EqualFold(n, "x-api-key") || strings.EqualFold(n, "Authorization") {
					stripped = true
					continue
				}
			}
		}
		out.WriteString(line)
		out.WriteString(crlf)
	}
	out.WriteString(crlf)
	return out.Bytes(), stripped
}

// injectHeader appends "name: value" at the end of the request-header block,
// just before the blank line that terminates it.
func injectHeader(httpHeader []byte, name, value string) []byte {
	trimmed := bytes.TrimSuffix(httpHeader, []byte(crlf+crlf))
	var out bytes.Buffer
	out.Write(trimmed)
	out.WriteString(crlf)
	out.WriteString(name)
	out.WriteString(": ")
	out.WriteString(value)
	out.WriteString(crlf)
	out.WriteString(crlf)
	return out.Bytes()
}

// splitHeaderLines breaks a CRLF header block into its non-empty lines.
func splitHeaderLines(block []byte) []string {
	raw := strings.Split(string(block), crlf)
	var lines []string
	for _, l := range raw {
		if l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
