// Package control implements the gateway's control-plane HTTP API on the
// isolated bridge network.
//
// Every privileged endpoint runs the same fixed pipeline: parse, authenticate
// (bearer token + peer IP binding), rate-limit, policy check, repository
// visibility check, dispatch, audit. No step is skippable and the audit
// record is written for denies as well as allows.
package control

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bdobrica/Sekimori/common/trace"
	"github.com/bdobrica/Sekimori/common/version"
	"github.com/bdobrica/Sekimori/internal/sekimori/audit"
	"github.com/bdobrica/Sekimori/internal/sekimori/observability"
	"github.com/bdobrica/Sekimori/internal/sekimori/gitexec"
	"github.com/bdobrica/Sekimori/internal/sekimori/logaccess"
	"github.com/bdobrica/Sekimori/internal/sekimori/policy"
	"github.com/bdobrica/Sekimori/internal/sekimori/ratelimit"
	"github.com/bdobrica/Sekimori/internal/sekimori/session"
)

// maxBodyBytes caps request bodies on every endpoint.
const maxBodyBytes = 1 << 20 // 1 MiB

// Verifier checks a claimed container→IP binding at registration time.
// Satisfied by *docker.Verifier; nil disables verification.
type Verifier interface {
	VerifyBinding(ctx context.Context, containerID, claimedIP string) error
}

// Config wires the control server's collaborators.
type Config struct {
	// Addr is the bind address, e.g. ":8460".
	Addr string
	// LauncherSecret authorizes session register and delete.
	LauncherSecret string

	Sessions *session.Manager
	Limiter  *ratelimit.Limiter
	Policy   *policy.Engine
	Runner   *gitexec.Runner
	Index    *logaccess.Index
	Reader   *logaccess.Reader
	Audit    audit.Logger
	// Verifier is optional; nil skips container verification.
	Verifier Verifier
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg       Config
	mux       *http.ServeMux
	startedAt time.Time

	httpServer *http.Server
	listener   net.Listener
}

// New builds the server and its routing table.
func New(cfg Config) *Server {
	if cfg.Audit == nil {
		cfg.Audit = audit.Noop{}
	}
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}

	s.mux.HandleFunc("POST /session/register", s.handleRegister)
	s.mux.HandleFunc("POST /session/validate", s.handleValidate)
	s.mux.HandleFunc("DELETE /session", s.handleDelete)
	s.mux.HandleFunc("POST /git/execute", s.handleGitExecute)
	s.mux.HandleFunc("POST /pr/{op}", s.handlePR)
	s.mux.HandleFunc("GET /logs/list", s.handleLogsList)
	s.mux.HandleFunc("GET /logs/task/{id}", s.handleLogsTask)
	s.mux.HandleFunc("GET /logs/container/{id}", s.handleLogsContainer)
	s.mux.HandleFunc("GET /logs/search", s.handleLogsSearch)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)

	return s
}

// Start binds the listener and serves in the background. The returned error
// covers bind failures only; serve errors after a successful bind are logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.requestMiddleware(s.mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("control server stopped", "err", err)
		}
	}()
	slog.Info("control server listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down, draining in-flight requests briefly.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("control server shutdown", "err", err)
	}
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// TestHandler exposes the full middleware + routing stack for httptest.
func (s *Server) TestHandler() http.Handler {
	return s.requestMiddleware(s.mux)
}

// requestMiddleware assigns a request ID, caps the body, and logs completion.
func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := trace.NewRequestID()
		ctx := trace.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-Id", id)
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		observability.WithRequest(ctx).Debug("request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"elapsed", time.Since(start))
	})
}

// apiError is an error destined for the wire envelope.
type apiError struct {
	status     int
	kind       ErrorKind
	reason     string
	retryAfter time.Duration
}

func errOf(status int, kind ErrorKind, reason string) *apiError {
	return &apiError{status: status, kind: kind, reason: reason}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, e *apiError) {
	resp := ErrorResponse{Success: false, ErrorKind: e.kind, Reason: e.reason}
	if e.retryAfter > 0 {
		secs := int(e.retryAfter / time.Second)
		if secs < 1 {
			secs = 1
		}
		resp.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	writeJSON(w, e.status, resp)
}

// decodeBody reads a JSON request body into v.
func decodeBody(r *http.Request, v any) *apiError {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return errOf(http.StatusBadRequest, KindBadRequest, "unreadable request body")
	}
	if len(data) == 0 {
		return errOf(http.StatusBadRequest, KindBadRequest, "empty request body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errOf(http.StatusBadRequest, KindBadRequest, "malformed JSON body")
	}
	return nil
}

// peerIP extracts the transport peer address. Forwarding headers are trusted
// only when the direct peer is loopback (i.e. a local reverse proxy); any
// non-loopback peer's X-Forwarded-For is ignored outright.
func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip != nil && ip.IsLoopback() {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	return host
}

// bearerToken pulls the session token from the Authorization header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// authenticate runs the bearer-token + peer-IP step of the pipeline.
func (s *Server) authenticate(r *http.Request) (session.Session, *apiError) {
	token := bearerToken(r)
	if token == "" {
		return session.Session{}, errOf(http.StatusUnauthorized, KindUnauthorized, "missing bearer token")
	}

	sess, err := s.cfg.Sessions.Validate(token, peerIP(r))
	switch err {
	case nil:
		return sess, nil
	case session.ErrExpired:
		return session.Session{}, errOf(http.StatusUnauthorized, KindExpired, "session has expired")
	case session.ErrIPMismatch:
		return session.Session{}, errOf(http.StatusUnauthorized, KindIPMismatch, "source IP does not match session binding")
	default:
		return session.Session{}, errOf(http.StatusUnauthorized, KindUnauthorized, "invalid or expired token")
	}
}

// authenticateRecorded is authenticate plus the deny audit record every
// privileged endpoint owes when the auth step fails.
func (s *Server) authenticateRecorded(r *http.Request, op string) (session.Session, *apiError) {
	sess, e := s.authenticate(r)
	if e != nil {
		s.cfg.Audit.Record(r.Context(), audit.Entry{
			Operation: op,
			Decision:  audit.DecisionDeny,
			Rule:      "session-auth",
			Reason:    e.reason,
			SourceIP:  peerIP(r),
		})
	}
	return sess, e
}

// launcherAuthorized checks the X-Launcher-Secret header in constant time.
func (s *Server) launcherAuthorized(r *http.Request) bool {
	got := r.Header.Get("X-Launcher-Secret")
	if got == "" || s.cfg.LauncherSecret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.LauncherSecret)) == 1
}

// rateLimit runs the rate-limiting step of the pipeline.
func (s *Server) rateLimit(sess session.Session, class ratelimit.Class) *apiError {
	ok, retryAfter := s.cfg.Limiter.Allow(sess.TokenHash, class)
	if ok {
		return nil
	}
	e := errOf(http.StatusTooManyRequests, KindRateLimited,
		fmt.Sprintf("rate limit exceeded for class %q", class))
	e.retryAfter = retryAfter
	return e
}

// checkVisibility enforces that a private-mode session only touches private
// repositories and a public-mode session only public ones. An unreachable
// host fails closed.
func (s *Server) checkVisibility(ctx context.Context, sess session.Session, repo string) *apiError {
	private, err := s.cfg.Policy.RepoIsPrivate(ctx, repo)
	if err != nil {
		return errOf(http.StatusServiceUnavailable, KindUnavailable,
			"repository visibility could not be determined")
	}
	if (sess.Mode == session.ModePrivate) != private {
		return errOf(http.StatusForbidden, KindPolicyDenied,
			fmt.Sprintf("repository visibility does not match session mode %q", sess.Mode))
	}
	return nil
}

// recordDecision writes one audit entry for the request. Reasons built from
// error text are scrubbed so the launcher secret can never land in the trail.
func (s *Server) recordDecision(ctx context.Context, r *http.Request, sess session.Session, op, target string, decision audit.Decision, rule, reason string) {
	s.cfg.Audit.Record(ctx, audit.Entry{
		SessionPrefix: sess.HashPrefix(),
		ContainerID:   sess.ContainerID,
		Operation:     op,
		Target:        target,
		Decision:      decision,
		Rule:          rule,
		Reason:        s.scrub(reason),
		SourceIP:      peerIP(r),
	})
}

// scrub removes the launcher secret from text bound for logs or the audit
// trail.
func (s *Server) scrub(text string) string {
	return observability.RedactSecrets(text, s.cfg.LauncherSecret)
}

// auditPolicy converts a policy result into an audit record plus, on deny,
// the wire error.
func (s *Server) auditPolicy(ctx context.Context, r *http.Request, sess session.Session, op, target string, res policy.Result) *apiError {
	if res.Decision == policy.DecisionAllow {
		s.recordDecision(ctx, r, sess, op, target, audit.DecisionAllow, res.Rule, "")
		return nil
	}
	s.recordDecision(ctx, r, sess, op, target, audit.DecisionDeny, res.Rule, res.Reason)
	if res.Reason == policy.ReasonUnavailable {
		return errOf(http.StatusServiceUnavailable, KindUnavailable, "policy information unavailable")
	}
	return errOf(http.StatusForbidden, KindPolicyDenied, res.Reason)
}

// authModeOf parses the optional auth_mode body field; empty means bot.
func authModeOf(raw string) (policy.AuthMode, *apiError) {
	switch raw {
	case "", string(policy.AuthModeBot):
		return policy.AuthModeBot, nil
	case string(policy.AuthModeIncognito):
		return policy.AuthModeIncognito, nil
	default:
		return "", errOf(http.StatusBadRequest, KindBadRequest,
			fmt.Sprintf("unknown auth_mode %q", raw))
	}
}

// activeSessions is shared by health and status.
func (s *Server) activeSessions() int {
	return s.cfg.Sessions.Count()
}

// handleHealth is the public liveness endpoint. It never requires a session.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:         "ok",
		ActiveSessions: s.activeSessions(),
	})
}

// handleStatus reports build and uptime information.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:         "ok",
		Version:        version.Version,
		Uptime:         time.Since(s.startedAt).Seconds(),
		StartedAt:      s.startedAt,
		ActiveSessions: s.activeSessions(),
	})
}
