// Package ratelimit enforces per-session sliding-window rate limits keyed by
// operation class.
//
// Each (session digest, class) pair holds the timestamps of its calls inside
// the current window; stale entries are pruned on every Allow call, keeping
// memory bounded to O(limit) per active pair. Counters live in memory only —
// a gateway restart resets them, which is acceptable because the windows are
// short relative to session lifetimes.
package ratelimit

import (
	"sync"
	"time"
)

// Class identifies the operation family being limited.
type Class string

const (
	ClassGitPush          Class = "git-push"
	ClassPRMutation       Class = "pr-mutation"
	ClassBranchOperation  Class = "branch-operation"
	ClassCredentialAccess Class = "credential-access"
	ClassLogAccess        Class = "log-access"
)

// DefaultWindow is the sliding window duration.
const DefaultWindow = time.Hour

// Limits maps an operation class to its per-window call budget.
type Limits map[Class]int

// DefaultLimits returns the built-in per-class budgets.
func DefaultLimits() Limits {
	return Limits{
		ClassGitPush:          200,
		ClassPRMutation:       50,
		ClassBranchOperation:  100,
		ClassCredentialAccess: 20,
		ClassLogAccess:        500,
	}
}

// key identifies one counter.
type key struct {
	session string
	class   Class
}

// Limiter is a sliding-window rate limiter. It is safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	window time.Duration
	limits Limits
	calls  map[key][]time.Time

	// now is a test hook; defaults to time.Now.
	now func() time.Time
}

// New returns a Limiter with the given per-class budgets. Classes absent
// from limits fall back to the defaults; window ≤ 0 means DefaultWindow.
func New(limits Limits, window time.Duration) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	merged := DefaultLimits()
	for c, n := range limits {
		if n > 0 {
			merged[c] = n
		}
	}
	return &Limiter{
		window: window,
		limits: merged,
		calls:  make(map[key][]time.Time),
		now:    time.Now,
	}
}

// Allow records one call for the session/class pair when the budget permits
// it. When the budget is exhausted it returns ok=false and a retry-after
// hint: the time until the oldest in-window call slides out.
func (l *Limiter) Allow(sessionHash string, class Class) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limits[class]
	if limit <= 0 {
		// Unknown class: treated as unlimited rather than a silent deny;
		// the control plane only passes known classes.
		return true, 0
	}

	now := l.now()
	cutoff := now.Add(-l.window)
	k := key{session: sessionHash, class: class}

	existing := l.calls[k]
	valid := existing[:0] // reuse backing array
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= limit {
		l.calls[k] = valid
		return false, valid[0].Sub(cutoff)
	}

	l.calls[k] = append(valid, now)
	return true, 0
}

// Remaining returns how many calls the pair can still make in the current
// window. A return of 0 means the next Allow will fail.
func (l *Limiter) Remaining(sessionHash string, class Class) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limits[class]
	cutoff := l.now().Add(-l.window)
	count := 0
	for _, t := range l.calls[key{session: sessionHash, class: class}] {
		if t.After(cutoff) {
			count++
		}
	}
	if rem := limit - count; rem > 0 {
		return rem
	}
	return 0
}

// Forget drops all counters for a session. Called when a session is deleted
// so a reused digest prefix cannot inherit stale counters.
func (l *Limiter) Forget(sessionHash string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.calls {
		if k.session == sessionHash {
			delete(l.calls, k)
		}
	}
}
