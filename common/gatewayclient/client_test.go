package gatewayclient_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bdobrica/Sekimori/common/gatewayclient"
	"github.com/bdobrica/Sekimori/internal/sekimori/control"
	"github.com/bdobrica/Sekimori/internal/sekimori/session"
)

// --- helpers -----------------------------------------------------------------

// capture records the last request the stub gateway saw.
type capture struct {
	method string
	path   string
	query  string
	header http.Header
	body   []byte
}

// stubGateway serves canned responses and records requests into rec.
func stubGateway(t *testing.T, rec *capture, status int, response any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.header = r.Header.Clone()
		rec.body, _ = io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// --- tests -------------------------------------------------------------------

func TestRegister_SendsLauncherSecretHeader(t *testing.T) {
	var rec capture
	srv := stubGateway(t, &rec, http.StatusCreated, control.RegisterResponse{
		Success: true,
		Token:   "raw-token",
		Session: control.SessionSummary{Session: "abcd1234abcd1234", ContainerID: "cont-a"},
	})

	c := gatewayclient.New(srv.URL, gatewayclient.WithLauncherSecret("hunter2"))
	resp, err := c.Register(context.Background(), "cont-a", "10.0.0.5", "public")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if rec.method != http.MethodPost || rec.path != "/session/register" {
		t.Errorf("request = %s %s", rec.method, rec.path)
	}
	if got := rec.header.Get("X-Launcher-Secret"); got != "hunter2" {
		t.Errorf("X-Launcher-Secret = %q", got)
	}
	if rec.header.Get("Authorization") != "" {
		t.Error("launcher-only client sent an Authorization header")
	}

	var req control.RegisterRequest
	if err := json.Unmarshal(rec.body, &req); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if req.ContainerID != "cont-a" || req.ContainerIP != "10.0.0.5" || req.Mode != "public" {
		t.Errorf("sent body = %+v", req)
	}
	if resp.Token != "raw-token" {
		t.Errorf("Token = %q", resp.Token)
	}
}

func TestValidate_SendsBearerToken(t *testing.T) {
	var rec capture
	srv := stubGateway(t, &rec, http.StatusOK, control.ValidateResponse{
		Success: true, Valid: true, Mode: session.ModePublic, ContainerID: "cont-a",
	})

	c := gatewayclient.New(srv.URL, gatewayclient.WithToken("session-token"))
	resp, err := c.Validate(context.Background())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := rec.header.Get("Authorization"); got != "Bearer session-token" {
		t.Errorf("Authorization = %q", got)
	}
	if !resp.Valid || resp.ContainerID != "cont-a" {
		t.Errorf("response = %+v", resp)
	}
}

func TestSetToken_AfterRegister(t *testing.T) {
	var rec capture
	srv := stubGateway(t, &rec, http.StatusOK, control.ValidateResponse{Success: true, Valid: true})

	c := gatewayclient.New(srv.URL)
	c.SetToken("minted-later")
	if _, err := c.Validate(context.Background()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := rec.header.Get("Authorization"); got != "Bearer minted-later" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestDelete(t *testing.T) {
	var rec capture
	srv := stubGateway(t, &rec, http.StatusOK, control.DeleteResponse{Success: true, Deleted: true})

	c := gatewayclient.New(srv.URL, gatewayclient.WithLauncherSecret("hunter2"))
	deleted, err := c.Delete(context.Background(), "raw-token")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !deleted {
		t.Error("Deleted = false, want true")
	}
	if rec.method != http.MethodDelete || rec.path != "/session" {
		t.Errorf("request = %s %s", rec.method, rec.path)
	}
	var req control.DeleteRequest
	json.Unmarshal(rec.body, &req)
	if req.Token != "raw-token" {
		t.Errorf("sent token = %q", req.Token)
	}
}

func TestPR_EscapesOperationInPath(t *testing.T) {
	var rec capture
	srv := stubGateway(t, &rec, http.StatusOK, control.PRResponse{Success: true})

	c := gatewayclient.New(srv.URL, gatewayclient.WithToken("tok"))
	_, err := c.PR(context.Background(), "comment", control.PRRequest{Repo: "org/repo", PRNumber: 7, Comment: "hi"})
	if err != nil {
		t.Fatalf("PR: %v", err)
	}
	if rec.path != "/pr/comment" {
		t.Errorf("path = %q", rec.path)
	}
}

func TestLogsSearch_PinsScopeToSelf(t *testing.T) {
	var rec capture
	srv := stubGateway(t, &rec, http.StatusOK, control.LogsSearchResponse{Success: true})

	c := gatewayclient.New(srv.URL, gatewayclient.WithToken("tok"))
	if _, err := c.LogsSearch(context.Background(), "ERROR.*timeout"); err != nil {
		t.Fatalf("LogsSearch: %v", err)
	}
	if rec.path != "/logs/search" {
		t.Errorf("path = %q", rec.path)
	}
	req := httptest.NewRequest(http.MethodGet, "/?"+rec.query, nil)
	q := req.URL.Query()
	if q.Get("pattern") != "ERROR.*timeout" {
		t.Errorf("pattern = %q", q.Get("pattern"))
	}
	if q.Get("scope") != "self" {
		t.Errorf("scope = %q, the client must always pin it to self", q.Get("scope"))
	}
}

func TestAPIError_DecodesEnvelope(t *testing.T) {
	var rec capture
	srv := stubGateway(t, &rec, http.StatusTooManyRequests, control.ErrorResponse{
		ErrorKind:         control.KindRateLimited,
		Reason:            "rate limit exceeded for class \"git-push\"",
		RetryAfterSeconds: 120,
	})

	c := gatewayclient.New(srv.URL, gatewayclient.WithToken("tok"))
	_, err := c.GitExecute(context.Background(), control.GitExecuteRequest{
		Repo: "org/repo", RepoPath: "/work", Operation: "push", Branch: "agent-x",
	})
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}

	var apiErr *gatewayclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d", apiErr.StatusCode)
	}
	if apiErr.Kind != control.KindRateLimited {
		t.Errorf("Kind = %q", apiErr.Kind)
	}
	if apiErr.RetryAfterSeconds != 120 {
		t.Errorf("RetryAfterSeconds = %d", apiErr.RetryAfterSeconds)
	}
	if apiErr.Error() == "" {
		t.Error("Error() is empty")
	}
}

func TestAPIError_FallsBackToRetryAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		// Deliberately not the JSON envelope.
		w.Write([]byte("slow down"))
	}))
	t.Cleanup(srv.Close)

	c := gatewayclient.New(srv.URL, gatewayclient.WithToken("tok"))
	_, err := c.Validate(context.Background())

	var apiErr *gatewayclient.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T, want *APIError", err)
	}
	if apiErr.RetryAfterSeconds != 30 {
		t.Errorf("RetryAfterSeconds = %d, want 30 from the header", apiErr.RetryAfterSeconds)
	}
}

func TestHealth_NoAuthHeaders(t *testing.T) {
	var rec capture
	srv := stubGateway(t, &rec, http.StatusOK, control.HealthResponse{Status: "ok", ActiveSessions: 2})

	c := gatewayclient.New(srv.URL)
	resp, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if resp.Status != "ok" || resp.ActiveSessions != 2 {
		t.Errorf("response = %+v", resp)
	}
	if rec.header.Get("Authorization") != "" || rec.header.Get("X-Launcher-Secret") != "" {
		t.Error("unauthenticated client sent credential headers")
	}
}
