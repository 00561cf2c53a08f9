package icap_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/creds"
	"github.com/bdobrica/Sekimori/internal/sekimori/icap"
)

// --- helpers -----------------------------------------------------------------

// fakeSource serves a fixed credential; nil means no credential available.
type fakeSource struct {
	cred *creds.Credential
}

func (f *fakeSource) Current() *creds.Credential { return f.cred }

// startServer runs an adaptation server on a loopback port and returns a
// connected client.
func startServer(t *testing.T, source icap.CredentialSource) net.Conn {
	t.Helper()
	srv := icap.New("127.0.0.1:0", "api.anthropic.com", source)
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(cancel)
	t.Cleanup(srv.Stop)

	conn, err := net.DialTimeout("tcp", srv.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", srv.Addr(), err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

// icapResponse is a parsed ICAP response including any encapsulated payload.
type icapResponse struct {
	status  int
	headers map[string]string
	payload []byte
}

// readResponse parses one ICAP response off the wire. For 200 responses it
// reads the encapsulated header block and, when present, the chunked body.
func readResponse(t *testing.T, br *bufio.Reader) icapResponse {
	t.Helper()
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "ICAP/") {
		t.Fatalf("malformed status line %q", statusLine)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		t.Fatalf("status code in %q: %v", statusLine, err)
	}

	headers := make(map[string]string)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read header line: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, _ := strings.Cut(line, ":")
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	resp := icapResponse{status: status, headers: headers}
	if status != 200 {
		return resp
	}
	enc := headers["encapsulated"]
	if enc == "" || strings.Contains(enc, "null-body=0") {
		return resp
	}

	// req-hdr=0, req-body=N (or null-body=N): read N header bytes, then the
	// chunked body when req-body was announced.
	var hdrLen int
	hasBody := false
	for _, part := range strings.Split(enc, ",") {
		name, off, _ := strings.Cut(strings.TrimSpace(part), "=")
		n, _ := strconv.Atoi(strings.TrimSpace(off))
		switch strings.TrimSpace(name) {
		case "req-body":
			hdrLen = n
			hasBody = true
		case "null-body":
			hdrLen = n
		}
	}
	payload := make([]byte, hdrLen)
	if _, err := readFullConn(br, payload); err != nil {
		t.Fatalf("read encapsulated header: %v", err)
	}
	if hasBody {
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Fatalf("read chunked body: %v", err)
			}
			payload = append(payload, line...)
			sizeText := strings.TrimRight(line, "\r\n")
			if i := strings.IndexByte(sizeText, ';'); i >= 0 {
				sizeText = sizeText[:i]
			}
			size, err := strconv.ParseInt(strings.TrimSpace(sizeText), 16, 64)
			if err != nil {
				continue // trailer line
			}
			if size == 0 {
				end, err := br.ReadString('\n')
				if err != nil {
					t.Fatalf("read chunk terminator: %v", err)
				}
				payload = append(payload, end...)
				break
			}
			chunk := make([]byte, size+2)
			if _, err := readFullConn(br, chunk); err != nil {
				t.Fatalf("read chunk data: %v", err)
			}
			payload = append(payload, chunk...)
		}
	}
	resp.payload = payload
	return resp
}

func readFullConn(br *bufio.Reader, buf []byte) (int, error) {
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

// reqmod composes a REQMOD frame around the given HTTP header block and
// chunked body ("" means null-body).
func reqmod(httpHeader, chunkedBody string, extraICAPHeaders ...string) string {
	var b strings.Builder
	b.WriteString("REQMOD icap://gateway/reqmod ICAP/1.0\r\n")
	b.WriteString("Host: gateway\r\n")
	for _, h := range extraICAPHeaders {
		b.WriteString(h + "\r\n")
	}
	if chunkedBody == "" {
		fmt.Fprintf(&b, "Encapsulated: req-hdr=0, null-body=%d\r\n", len(httpHeader))
	} else {
		fmt.Fprintf(&b, "Encapsulated: req-hdr=0, req-body=%d\r\n", len(httpHeader))
	}
	b.WriteString("\r\n")
	b.WriteString(httpHeader)
	b.WriteString(chunkedBody)
	return b.String()
}

const upstreamHeader = "POST /v1/messages HTTP/1.1\r\n" +
	"Host: api.anthropic.com\r\n" +
	"x-api-key: placeholder-key\r\n" +
	"Content-Type: application/json\r\n\r\n"

// --- tests -------------------------------------------------------------------

func TestOptions_Handshake(t *testing.T) {
	conn := startServer(t, &fakeSource{})
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "OPTIONS icap://gateway/reqmod ICAP/1.0\r\nHost: gateway\r\n\r\n")
	resp := readResponse(t, br)

	if resp.status != 200 {
		t.Fatalf("OPTIONS status = %d, want 200", resp.status)
	}
	if resp.headers["methods"] != "REQMOD" {
		t.Errorf("Methods = %q, want REQMOD", resp.headers["methods"])
	}
	if resp.headers["preview"] != "0" {
		t.Errorf("Preview = %q, want 0", resp.headers["preview"])
	}
	if resp.headers["allow"] != "204" {
		t.Errorf("Allow = %q, want 204", resp.headers["allow"])
	}
	if resp.headers["istag"] == "" {
		t.Error("ISTag missing")
	}
}

func TestReqmod_InjectsCredentialAndPreservesBody(t *testing.T) {
	source := &fakeSource{cred: &creds.Credential{
		HeaderName:  "x-api-key",
		HeaderValue: "sk-real-credential",
		Kind:        creds.KindAPIKey,
	}}
	conn := startServer(t, source)
	br := bufio.NewReader(conn)

	body := "5\r\nhello\r\n0\r\n\r\n"
	fmt.Fprint(conn, reqmod(upstreamHeader, body))
	resp := readResponse(t, br)

	if resp.status != 200 {
		t.Fatalf("REQMOD status = %d, want 200", resp.status)
	}
	payload := string(resp.payload)
	if strings.Contains(payload, "placeholder-key") {
		t.Error("placeholder credential survived adaptation")
	}
	if !strings.Contains(payload, "x-api-key: sk-real-credential\r\n") {
		t.Errorf("real credential not injected:\n%s", payload)
	}
	if !strings.HasSuffix(payload, body) {
		t.Errorf("chunked body not preserved byte-for-byte:\n%q", payload)
	}
}

func TestReqmod_OtherHostUnmodified(t *testing.T) {
	source := &fakeSource{cred: &creds.Credential{HeaderName: "x-api-key", HeaderValue: "sk-real"}}
	conn := startServer(t, source)
	br := bufio.NewReader(conn)

	otherHeader := "GET / HTTP/1.1\r\nHost: example.com\r\nAuthorization: Bearer user-token\r\n\r\n"
	fmt.Fprint(conn, reqmod(otherHeader, ""))
	resp := readResponse(t, br)

	if resp.status != 204 {
		t.Errorf("REQMOD to foreign host: status = %d, want 204", resp.status)
	}
}

func TestReqmod_NoCredentialStillStripsPlaceholder(t *testing.T) {
	conn := startServer(t, &fakeSource{cred: nil})
	br := bufio.NewReader(conn)

	// The header carries a placeholder x-api-key. With no credential to
	// inject, the server must still rewrite the request: a 204 would let
	// the proxy forward the placeholder upstream intact.
	fmt.Fprint(conn, reqmod(upstreamHeader, ""))
	resp := readResponse(t, br)

	if resp.status != 200 {
		t.Fatalf("REQMOD without credential: status = %d, want 200", resp.status)
	}
	payload := strings.ToLower(string(resp.payload))
	if strings.Contains(payload, "placeholder-key") {
		t.Error("placeholder credential survived adaptation")
	}
	if strings.Contains(payload, "x-api-key") || strings.Contains(payload, "authorization") {
		t.Errorf("auth header present with no credential to inject:\n%s", resp.payload)
	}
}

func TestReqmod_NoCredentialCleanHeader(t *testing.T) {
	conn := startServer(t, &fakeSource{cred: nil})
	br := bufio.NewReader(conn)

	// Nothing to strip and nothing to inject: no modification needed.
	clean := "GET /v1/models HTTP/1.1\r\nHost: api.anthropic.com\r\nAccept: */*\r\n\r\n"
	fmt.Fprint(conn, reqmod(clean, ""))
	resp := readResponse(t, br)

	if resp.status != 204 {
		t.Errorf("REQMOD with clean header and no credential: status = %d, want 204", resp.status)
	}
}

func TestReqmod_PreviewContinueFlow(t *testing.T) {
	source := &fakeSource{cred: &creds.Credential{HeaderName: "x-api-key", HeaderValue: "sk-real"}}
	conn := startServer(t, source)
	br := bufio.NewReader(conn)

	// Zero-byte preview: the body section is just the chunked terminator.
	fmt.Fprint(conn, reqmod(upstreamHeader, "0\r\n\r\n", "Preview: 0"))

	interim := readResponse(t, br)
	if interim.status != 100 {
		t.Fatalf("preview answer = %d, want 100 Continue", interim.status)
	}

	// Now the full body follows on the same connection.
	fullBody := "c\r\nfull payload\r\n0\r\n\r\n"
	fmt.Fprint(conn, fullBody)

	resp := readResponse(t, br)
	if resp.status != 200 {
		t.Fatalf("post-preview status = %d, want 200", resp.status)
	}
	if !strings.HasSuffix(string(resp.payload), fullBody) {
		t.Errorf("full body not preserved after preview:\n%q", resp.payload)
	}
}

func TestUnknownMethod(t *testing.T) {
	conn := startServer(t, &fakeSource{})
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "RESPMOD icap://gateway/respmod ICAP/1.0\r\nHost: gateway\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 405 {
		t.Errorf("RESPMOD status = %d, want 405", resp.status)
	}
}

func TestReqmod_MissingEncapsulatedIsBadRequest(t *testing.T) {
	conn := startServer(t, &fakeSource{})
	br := bufio.NewReader(conn)

	fmt.Fprintf(conn, "REQMOD icap://gateway/reqmod ICAP/1.0\r\nHost: gateway\r\n\r\n")
	resp := readResponse(t, br)
	if resp.status != 400 {
		t.Errorf("REQMOD without Encapsulated: status = %d, want 400", resp.status)
	}
}
