// Package session implements the registry of container→session bindings.
//
// Each sandboxed container is registered at launch with a 256-bit bearer
// token. The gateway keeps only the SHA-256 digest of that token, bound to
// the container's ID, its IP on the overlay network, and a repository
// visibility mode. Every privileged request is validated against this
// registry before any policy evaluation happens.
//
// The registry is persisted as a versioned JSON file containing digests and
// metadata only — never a raw token. A gateway restart therefore cannot
// mint access for anyone: only the launcher (or the container it handed the
// token to) can present a token that hashes to a stored digest.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/bdobrica/Sekimori/common/tokens"
)

// Mode gates which repositories a session may touch.
type Mode string

const (
	// ModePrivate sessions may only operate on private repositories.
	ModePrivate Mode = "private"
	// ModePublic sessions may only operate on public repositories.
	ModePublic Mode = "public"
)

// ParseMode validates a mode string coming off the wire.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModePrivate, ModePublic:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("session: invalid mode %q (want %q or %q)", s, ModePrivate, ModePublic)
	}
}

// DefaultTTL is the session lifetime when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// sentinel errors returned by Manager methods.
var (
	// ErrNotFound is returned when no live session matches the token.
	ErrNotFound = errors.New("session: invalid or expired token")
	// ErrExpired is returned when the session's TTL has elapsed.
	ErrExpired = errors.New("session: session has expired")
	// ErrIPMismatch is returned when the token is presented from a peer IP
	// other than the one bound at registration.
	ErrIPMismatch = errors.New("session: source IP does not match session binding")
)

// Session is one container's permission context. All fields are metadata
// derived at registration; the raw token is never stored here.
type Session struct {
	// TokenHash is the hex SHA-256 digest of the raw bearer token.
	TokenHash string `json:"token_hash"`
	// ContainerID is the opaque host identifier of the sandboxed container.
	ContainerID string `json:"container_id"`
	// ContainerIP is the IP bound on the overlay network at registration.
	ContainerIP string `json:"container_ip"`
	// Mode is the repository visibility mode for this session.
	Mode Mode `json:"mode"`

	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HashPrefix returns the audit-safe prefix of the token digest.
func (s Session) HashPrefix() string {
	return tokens.Prefix(s.TokenHash)
}

// expiredAt reports whether the session is past its TTL at the given time.
func (s Session) expiredAt(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
