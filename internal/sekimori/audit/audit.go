// Package audit records every authorization decision — allow and deny — as
// one structured JSON line in an append-only file.
//
// Record fields are stable so external shippers can parse them. A record
// carries the 16-character prefix of the session token digest, never the
// token or the full digest, and never any user content, diff content, or
// credential value.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Sekimori/common/trace"
)

// Decision is the recorded outcome.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// Entry is one authorization decision.
type Entry struct {
	// ID is a unique record identifier.
	ID string `json:"id"`
	// RequestID correlates the record with gateway log lines.
	RequestID string `json:"request_id,omitempty"`
	// Timestamp is when the decision was made.
	Timestamp time.Time `json:"ts"`
	// SessionPrefix is the first 16 hex chars of the session token digest.
	SessionPrefix string `json:"session,omitempty"`
	// ContainerID is the acting container.
	ContainerID string `json:"container_id,omitempty"`
	// Operation names what was attempted (e.g. "git.push", "pr.merge").
	Operation string `json:"operation"`
	// Target is the primary object acted on (repo, branch, PR, task id).
	Target string `json:"target,omitempty"`
	// Decision is allow or deny.
	Decision Decision `json:"decision"`
	// Rule names the policy rule that produced a deny (e.g. "merge-gate").
	Rule string `json:"rule,omitempty"`
	// Reason is the short human-readable explanation.
	Reason string `json:"reason,omitempty"`
	// SourceIP is the transport peer address the request arrived from.
	SourceIP string `json:"source_ip,omitempty"`
}

// Logger records decisions. Implementations MUST NOT block the request path
// beyond a local file write; failures are logged, not propagated.
type Logger interface {
	Record(ctx context.Context, e Entry)
}

// FileLogger appends JSONL records to a single file under one mutex.
type FileLogger struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileLogger opens (or creates) the audit file in append-only mode 0600.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &FileLogger{f: f}, nil
}

// Record writes one entry. Missing ID/Timestamp/RequestID fields are filled
// in; a write failure is logged and dropped — the authorization decision it
// describes has already been enforced.
func (l *FileLogger) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.RequestID == "" {
		e.RequestID = trace.FromContext(ctx)
	}

	line, err := json.Marshal(e)
	if err != nil {
		slog.Error("audit: marshal failed", "operation", e.Operation, "err", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(append(line, '\n')); err != nil {
		slog.Error("audit: append failed", "operation", e.Operation, "err", err)
	}
}

// Close flushes and closes the audit file.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Noop is a no-op Logger for tests.
type Noop struct{}

// Record does nothing.
func (Noop) Record(_ context.Context, _ Entry) {}
