package control

import (
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/gitexec"
	"github.com/bdobrica/Sekimori/internal/sekimori/logaccess"
	"github.com/bdobrica/Sekimori/internal/sekimori/session"
)

// ErrorKind is the machine-readable error category returned to callers.
// Kinds are stable; human-readable detail goes in the reason field.
type ErrorKind string

const (
	KindUnauthorized    ErrorKind = "unauthorized"
	KindExpired         ErrorKind = "expired"
	KindIPMismatch      ErrorKind = "ip-mismatch"
	KindInvalidMode     ErrorKind = "invalid-mode"
	KindRateLimited     ErrorKind = "rate-limited"
	KindPolicyDenied    ErrorKind = "policy-denied"
	KindNotPermitted    ErrorKind = "operation-not-permitted"
	KindInvalidPattern  ErrorKind = "invalid-pattern"
	KindUnavailable     ErrorKind = "unavailable"
	KindTimeout         ErrorKind = "timeout"
	KindClientClosed    ErrorKind = "client-closed"
	KindBadRequest      ErrorKind = "bad-request"
	KindNotFound        ErrorKind = "not-found"
	KindInternal        ErrorKind = "internal-error"
)

// ErrorResponse is the uniform failure envelope.
type ErrorResponse struct {
	Success   bool      `json:"success"`
	ErrorKind ErrorKind `json:"error_kind"`
	Reason    string    `json:"reason,omitempty"`
	// RetryAfterSeconds is set only on rate-limited errors.
	RetryAfterSeconds int `json:"retry_after_seconds,omitempty"`
}

// SessionSummary is the caller-visible view of a session. It carries the
// digest prefix, never the full digest or the raw token.
type SessionSummary struct {
	Session     string       `json:"session"`
	ContainerID string       `json:"container_id"`
	ContainerIP string       `json:"container_ip"`
	Mode        session.Mode `json:"mode"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

func summarize(s session.Session) SessionSummary {
	return SessionSummary{
		Session:     s.HashPrefix(),
		ContainerID: s.ContainerID,
		ContainerIP: s.ContainerIP,
		Mode:        s.Mode,
		CreatedAt:   s.CreatedAt,
		ExpiresAt:   s.ExpiresAt,
	}
}

// RegisterRequest is the body for POST /session/register. The launcher
// secret travels in the X-Launcher-Secret header, not the body, so it can
// never end up in a logged payload.
type RegisterRequest struct {
	ContainerID string `json:"container_id"`
	ContainerIP string `json:"container_ip"`
	Mode        string `json:"mode"`
}

// RegisterResponse returns the raw token exactly once.
type RegisterResponse struct {
	Success bool           `json:"success"`
	Token   string         `json:"token"`
	Session SessionSummary `json:"session"`
}

// ValidateResponse is returned by POST /session/validate.
type ValidateResponse struct {
	Success     bool         `json:"success"`
	Valid       bool         `json:"valid"`
	Mode        session.Mode `json:"mode"`
	ContainerID string       `json:"container_id"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// DeleteRequest is the body for DELETE /session.
type DeleteRequest struct {
	Token string `json:"token"`
}

// DeleteResponse is returned by DELETE /session.
type DeleteResponse struct {
	Success bool `json:"success"`
	Deleted bool `json:"deleted"`
}

// GitExecuteRequest is the body for POST /git/execute.
type GitExecuteRequest struct {
	// Repo is the repository in "owner/name" form, used for policy and
	// visibility checks.
	Repo string `json:"repo"`
	// RepoPath is the working-tree path inside the shared filesystem.
	RepoPath string `json:"repo_path"`
	// Operation is the git subcommand (must be allow-listed).
	Operation string `json:"operation"`
	// Branch is the branch the operation targets; required for push and
	// branch mutations.
	Branch string `json:"branch,omitempty"`
	// Args are extra arguments appended after the operation.
	Args []string `json:"args,omitempty"`
	// AuthMode tags the acting identity: "bot" (default) or "incognito".
	AuthMode string `json:"auth_mode,omitempty"`
}

// GitExecuteResponse wraps the subprocess outcome.
type GitExecuteResponse struct {
	Success bool            `json:"success"`
	Result  *gitexec.Result `json:"result"`
}

// PRRequest is the body for POST /pr/{op}.
type PRRequest struct {
	Repo     string `json:"repo"`
	PRNumber int    `json:"pr_number,omitempty"`
	// Title and Body apply to create and update.
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	// Comment applies to the comment operation.
	Comment string `json:"comment,omitempty"`
	// HeadBranch and BaseBranch apply to create.
	HeadBranch string `json:"head_branch,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"`
	// AuthMode tags the acting identity: "bot" (default) or "incognito".
	AuthMode string `json:"auth_mode,omitempty"`
}

// PRResponse wraps the host-CLI outcome of a PR operation.
type PRResponse struct {
	Success bool            `json:"success"`
	Result  *gitexec.Result `json:"result,omitempty"`
}

// LogsListResponse is returned by GET /logs/list.
type LogsListResponse struct {
	Success bool             `json:"success"`
	Entries []logaccess.Entry `json:"entries"`
}

// LogsContentResponse is returned by the task and container log endpoints.
type LogsContentResponse struct {
	Success bool               `json:"success"`
	Content *logaccess.Content `json:"content"`
}

// LogsSearchResponse is returned by GET /logs/search.
type LogsSearchResponse struct {
	Success bool              `json:"success"`
	Matches []logaccess.Match `json:"matches"`
}

// HealthResponse is returned by GET /health. It never errors.
type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Status         string    `json:"status"`
	Version        string    `json:"version"`
	Uptime         float64   `json:"uptime_seconds"`
	StartedAt      time.Time `json:"started_at"`
	ActiveSessions int       `json:"active_sessions"`
}
