// Package policy decides whether a given identity may push to a branch,
// mutate a pull request, or read logs.
//
// Evaluation is purely deterministic given the session mode, the configured
// identities, and the remote host's answers. Remote failures surface as a
// deny with reason "unavailable" — the engine fails closed. Every deny
// carries the rule name that produced it, which the control plane writes
// into the audit record.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/github"
)

// Decision is the outcome of a policy evaluation.
type Decision int

const (
	// DecisionAllow means the operation is permitted.
	DecisionAllow Decision = iota
	// DecisionDeny means the operation is not permitted.
	DecisionDeny
)

func (d Decision) String() string {
	switch d {
	case DecisionAllow:
		return "allow"
	case DecisionDeny:
		return "deny"
	default:
		return "unknown"
	}
}

// AuthMode tags which identity the caller is acting under.
type AuthMode string

const (
	// AuthModeBot is the hosted agent identity.
	AuthModeBot AuthMode = "bot"
	// AuthModeIncognito is a user-delegated identity.
	AuthModeIncognito AuthMode = "incognito"
)

// Result is the full output of a policy evaluation.
type Result struct {
	Decision Decision
	// Rule names the rule that produced the decision (e.g. "merge-gate").
	Rule string
	// Reason is a short human-readable explanation, always set on deny.
	Reason string
}

func allow(rule string) Result { return Result{Decision: DecisionAllow, Rule: rule} }

func deny(rule, reason string) Result {
	return Result{Decision: DecisionDeny, Rule: rule, Reason: reason}
}

// ReasonUnavailable is the reason attached to fail-closed denies when the
// remote host cannot be reached.
const ReasonUnavailable = "unavailable"

// Host is the remote repository-host surface the engine consults.
// *github.Client satisfies it; tests substitute a fake.
type Host interface {
	PullRequestInfo(ctx context.Context, repo string, number int) (*github.PullRequest, error)
	OpenPullRequestsByBase(ctx context.Context, repo, base string) ([]github.PullRequest, error)
	RepoIsPrivate(ctx context.Context, repo string) (bool, error)
}

// TaskIndex resolves log-task ownership. Satisfied by *logaccess.Index.
type TaskIndex interface {
	ContainerForTask(taskID string) (string, bool)
}

// Config holds the identity configuration the engine evaluates against.
type Config struct {
	// AgentLogins are the hosted agent identity's known name variants
	// (e.g. "agent-bot", "agent-bot[bot]").
	AgentLogins []string
	// AgentBranchPrefixes mark branches the agent owns outright.
	// Defaults to "agent-" and "agent/".
	AgentBranchPrefixes []string
	// TrustedUsers are explicitly configured additional PR authors whose
	// branches the agent may push to. Matched case-insensitively.
	TrustedUsers []string
	// IncognitoUser is the configured user-delegated identity login.
	IncognitoUser string
	// CacheTTL bounds how long PR and visibility lookups are reused.
	// Defaults to 30s.
	CacheTTL time.Duration
}

// Engine evaluates ownership policies with a small TTL cache in front of the
// remote host.
type Engine struct {
	cfg  Config
	host Host

	mu       sync.Mutex
	prCache  map[prKey]cachedPR
	visCache map[string]cachedVis

	// now is a test hook; defaults to time.Now.
	now func() time.Time
}

type prKey struct {
	repo   string
	number int
}

type cachedPR struct {
	pr        *github.PullRequest
	notFound  bool
	fetchedAt time.Time
}

type cachedVis struct {
	private   bool
	fetchedAt time.Time
}

// New returns an Engine evaluating cfg against host.
func New(cfg Config, host Host) *Engine {
	if len(cfg.AgentBranchPrefixes) == 0 {
		cfg.AgentBranchPrefixes = []string{"agent-", "agent/"}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		host:     host,
		prCache:  make(map[prKey]cachedPR),
		visCache: make(map[string]cachedVis),
		now:      time.Now,
	}
}

// BranchOwnership decides whether the caller may push to (or otherwise
// mutate) the named branch.
//
// Allow when the branch carries an agent prefix. Otherwise consult the host
// for open PRs targeting the branch: allow when any such PR is authored by
// the agent identity, a trusted user, or — in bot mode — the incognito user.
func (e *Engine) BranchOwnership(ctx context.Context, repo, branch string, mode AuthMode) Result {
	const rule = "branch-owner"

	for _, prefix := range e.cfg.AgentBranchPrefixes {
		if strings.HasPrefix(branch, prefix) {
			return allow(rule)
		}
	}

	prs, err := e.host.OpenPullRequestsByBase(ctx, repo, branch)
	if err != nil {
		return deny(rule, ReasonUnavailable)
	}
	for _, pr := range prs {
		if e.isAgentLogin(pr.Author) {
			return allow(rule)
		}
		if e.isTrustedUser(pr.Author) {
			return allow(rule)
		}
		if mode == AuthModeBot && e.isIncognitoUser(pr.Author) {
			return allow(rule)
		}
	}
	return deny(rule, fmt.Sprintf("branch %q not owned by agent", branch))
}

// PROwnership decides whether the caller may mutate the pull request.
// Allow when the PR is authored by the agent identity or — in either mode —
// the configured incognito user.
func (e *Engine) PROwnership(ctx context.Context, repo string, number int, mode AuthMode) Result {
	const rule = "pr-owner"

	pr, err := e.pullRequest(ctx, repo, number)
	if errors.Is(err, github.ErrNotFound) {
		return deny(rule, fmt.Sprintf("PR #%d not found in %s", number, repo))
	}
	if err != nil {
		return deny(rule, ReasonUnavailable)
	}

	if e.isAgentLogin(pr.Author) || e.isIncognitoUser(pr.Author) {
		return allow(rule)
	}
	return deny(rule, fmt.Sprintf("PR #%d authored by %q, not an allowed identity", number, pr.Author))
}

// PRCommentAllowed permits commenting on any PR that exists.
func (e *Engine) PRCommentAllowed(ctx context.Context, repo string, number int) Result {
	const rule = "pr-comment"

	_, err := e.pullRequest(ctx, repo, number)
	if errors.Is(err, github.ErrNotFound) {
		return deny(rule, fmt.Sprintf("PR #%d not found in %s", number, repo))
	}
	if err != nil {
		return deny(rule, ReasonUnavailable)
	}
	return allow(rule)
}

// MergeAllowed always denies: merging is a human act.
func (e *Engine) MergeAllowed(repo string, number int) Result {
	return deny("merge-gate", "Human must merge")
}

// LogTaskAccess allows reading a task's logs only when the index records the
// task as belonging to the requester's container.
func (e *Engine) LogTaskAccess(index TaskIndex, requesterContainer, taskID string) Result {
	const rule = "log-task-owner"

	owner, ok := index.ContainerForTask(taskID)
	if !ok {
		return deny(rule, fmt.Sprintf("task %q not indexed", taskID))
	}
	if owner != requesterContainer {
		return deny(rule, fmt.Sprintf("task %q belongs to another container", taskID))
	}
	return allow(rule)
}

// LogContainerAccess allows a container to read only its own logs.
func (e *Engine) LogContainerAccess(requesterContainer, targetContainer string) Result {
	const rule = "log-container-owner"
	if requesterContainer != targetContainer {
		return deny(rule, "containers may only read their own logs")
	}
	return allow(rule)
}

// LogSearchAccess allows only searches scoped to the requester itself.
func (e *Engine) LogSearchAccess(scope string) Result {
	const rule = "log-search-scope"
	if scope != "self" {
		return deny(rule, fmt.Sprintf("search scope %q not permitted (only \"self\")", scope))
	}
	return allow(rule)
}

// RepoIsPrivate reports the repository's visibility, cached briefly.
// The error is non-nil only when the host is unreachable; callers treat
// that as a deny.
func (e *Engine) RepoIsPrivate(ctx context.Context, repo string) (bool, error) {
	e.mu.Lock()
	if c, ok := e.visCache[repo]; ok && e.now().Sub(c.fetchedAt) < e.cfg.CacheTTL {
		e.mu.Unlock()
		return c.private, nil
	}
	e.mu.Unlock()

	private, err := e.host.RepoIsPrivate(ctx, repo)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	e.visCache[repo] = cachedVis{private: private, fetchedAt: e.now()}
	e.mu.Unlock()
	return private, nil
}

// pullRequest returns the PR record, serving from the cache within the TTL.
// Not-found answers are cached too, so a flood of requests for a bogus PR
// number does not hammer the host.
func (e *Engine) pullRequest(ctx context.Context, repo string, number int) (*github.PullRequest, error) {
	k := prKey{repo: repo, number: number}

	e.mu.Lock()
	if c, ok := e.prCache[k]; ok && e.now().Sub(c.fetchedAt) < e.cfg.CacheTTL {
		e.mu.Unlock()
		if c.notFound {
			return nil, github.ErrNotFound
		}
		return c.pr, nil
	}
	e.mu.Unlock()

	pr, err := e.host.PullRequestInfo(ctx, repo, number)
	if errors.Is(err, github.ErrNotFound) {
		e.mu.Lock()
		e.prCache[k] = cachedPR{notFound: true, fetchedAt: e.now()}
		e.mu.Unlock()
		return nil, err
	}
	if err != nil {
		// Transport failures are not cached; the next request retries.
		return nil, err
	}

	e.mu.Lock()
	e.prCache[k] = cachedPR{pr: pr, fetchedAt: e.now()}
	e.mu.Unlock()
	return pr, nil
}

// --- identity matching ---

func (e *Engine) isAgentLogin(login string) bool {
	for _, l := range e.cfg.AgentLogins {
		if strings.EqualFold(l, login) {
			return true
		}
	}
	return false
}

func (e *Engine) isTrustedUser(login string) bool {
	for _, u := range e.cfg.TrustedUsers {
		if strings.EqualFold(u, login) {
			return true
		}
	}
	return false
}

func (e *Engine) isIncognitoUser(login string) bool {
	return e.cfg.IncognitoUser != "" && strings.EqualFold(e.cfg.IncognitoUser, login)
}
