// Package gitexec dispatches allow-listed git and repo-host CLI operations
// as time-bounded subprocesses.
//
// Only a fixed set of git operations is ever executed; everything else is
// rejected before a process is spawned. Each invocation runs in its own
// process group so a timeout or client disconnect kills the whole tree, and
// stdout/stderr capture is bounded.
package gitexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// sentinel errors.
var (
	// ErrNotPermitted is returned for operations outside the allow-list.
	ErrNotPermitted = errors.New("gitexec: operation not permitted")
	// ErrTimeout is returned when the subprocess exceeded its deadline.
	ErrTimeout = errors.New("gitexec: subprocess timed out")
	// ErrClientClosed is returned when the caller disconnected mid-run.
	ErrClientClosed = errors.New("gitexec: client closed connection")
)

// OpClass maps a git operation to its policy treatment.
type OpClass int

const (
	// OpReadOnly operations need only a valid session.
	OpReadOnly OpClass = iota
	// OpPush requires branch-ownership and the git-push rate class.
	OpPush
	// OpBranchMutation requires branch-ownership and the branch-operation
	// rate class.
	OpBranchMutation
)

// readOnlyOps are permitted under any valid session.
var readOnlyOps = map[string]bool{
	"status": true,
	"fetch":  true,
	"log":    true,
	"diff":   true,
	"show":   true,
}

// mutatingOps require a branch-ownership check.
var mutatingOps = map[string]OpClass{
	"push":     OpPush,
	"branch":   OpBranchMutation,
	"checkout": OpBranchMutation,
}

// Classify returns the policy class for a git operation, or ErrNotPermitted
// when the operation is outside the fixed allow-list.
func Classify(op string) (OpClass, error) {
	if readOnlyOps[op] {
		return OpReadOnly, nil
	}
	if class, ok := mutatingOps[op]; ok {
		return class, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrNotPermitted, op)
}

// maxCaptureBytes bounds each of stdout and stderr.
const maxCaptureBytes = 4 * 1024 * 1024 // 4 MiB

// DefaultTimeout bounds a single subprocess run.
const DefaultTimeout = 2 * time.Minute

// Result is the captured outcome of one subprocess run.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	// Truncated is set when either stream hit the capture cap.
	Truncated bool `json:"truncated,omitempty"`
}

// Runner executes git and repo-host CLI subprocesses.
type Runner struct {
	// GitBin is the git executable. Defaults to "git".
	GitBin string
	// HostCLIBin is the repo-host CLI executable. Defaults to "gh".
	HostCLIBin string
	// Timeout bounds each run. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// NewRunner returns a Runner with default binaries and timeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{GitBin: "git", HostCLIBin: "gh", Timeout: timeout}
}

// Git runs an allow-listed git operation in repoPath. The caller is expected
// to have already passed Classify through the policy pipeline; Git rejects
// unlisted operations anyway as a last line of defense.
func (r *Runner) Git(ctx context.Context, repoPath, op string, args []string) (*Result, error) {
	if _, err := Classify(op); err != nil {
		return nil, err
	}
	argv := append([]string{"-C", repoPath, op}, args...)
	return r.run(ctx, r.gitBin(), argv)
}

// HostCLI runs the repo-host CLI (gh) with the given arguments. Used for PR
// operations after the policy engine has allowed them.
func (r *Runner) HostCLI(ctx context.Context, args []string) (*Result, error) {
	return r.run(ctx, r.hostCLIBin(), args)
}

func (r *Runner) gitBin() string {
	if r.GitBin != "" {
		return r.GitBin
	}
	return "git"
}

func (r *Runner) hostCLIBin() string {
	if r.HostCLIBin != "" {
		return r.HostCLIBin
	}
	return "gh"
}

// run executes one subprocess with a deadline, its own process group, and
// bounded output capture. The error distinguishes deadline expiry from
// caller cancellation.
func (r *Runner) run(ctx context.Context, bin string, args []string) (*Result, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group, not just the direct child, so helpers
	// spawned by git (ssh, credential helpers) die with it.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr boundedBuffer
	stdout.limit = maxCaptureBytes
	stderr.limit = maxCaptureBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	// Map context outcomes onto the gateway's error kinds before looking at
	// the process exit status.
	if runCtx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			slog.Warn("subprocess killed: client closed", "bin", bin, "elapsed", elapsed)
			return nil, ErrClientClosed
		}
		slog.Warn("subprocess killed: deadline exceeded", "bin", bin, "timeout", timeout)
		return nil, ErrTimeout
	}

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("gitexec: run %s: %w", bin, err)
	}

	slog.Debug("subprocess finished",
		"bin", bin, "exit_code", res.ExitCode, "elapsed", elapsed)
	return res, nil
}

// boundedBuffer captures up to limit bytes and flags overflow.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil // swallow to keep the subprocess running
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *boundedBuffer) String() string { return b.buf.String() }
