// Package creds holds the live upstream API credential.
//
// The credential is read from a file owned by the host and re-parsed lazily
// whenever the file's mtime changes. The store exposes a ready-to-inject
// header name/value pair; the value itself is never logged anywhere.
package creds

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Kind tells which header the credential is delivered in.
type Kind string

const (
	// KindAPIKey produces "x-api-key: <value>".
	KindAPIKey Kind = "api-key"
	// KindOAuthToken produces "Authorization: Bearer <value>".
	KindOAuthToken Kind = "oauth-token"
	// KindAuto infers the kind from the value's textual shape at parse time.
	KindAuto Kind = "auto"
)

// apiKeyPrefix marks values that look like provider API keys in auto mode.
const apiKeyPrefix = "sk-"

// ParseKind validates a configured kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindAPIKey, KindOAuthToken, KindAuto:
		return Kind(s), nil
	case "":
		return KindAuto, nil
	default:
		return "", fmt.Errorf("creds: invalid credential kind %q", s)
	}
}

// Credential is one ready-to-inject header pair.
type Credential struct {
	// HeaderName is "x-api-key" or "Authorization".
	HeaderName string
	// HeaderValue is the full header value (including "Bearer " for OAuth).
	HeaderValue string
	// Kind is the resolved source kind.
	Kind Kind
	// ModTime is the mtime of the file the value was read from.
	ModTime time.Time
}

// Store owns the live credential behind a single lock.
type Store struct {
	mu   sync.Mutex
	path string
	kind Kind

	current   *Credential
	lastMtime time.Time
}

// NewStore creates a Store reading from path. The file must exist and parse
// at startup — a gateway without credentials is a fatal misconfiguration.
// kind pins the header form; KindAuto infers it per value.
func NewStore(path string, kind Kind) (*Store, error) {
	if kind == "" {
		kind = KindAuto
	}
	s := &Store{path: path, kind: kind}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("creds: credentials file: %w", err)
	}
	cred, err := s.parse(info.ModTime())
	if err != nil {
		return nil, err
	}
	s.current = cred
	s.lastMtime = info.ModTime()
	slog.Info("credential loaded", "kind", cred.Kind, "header", cred.HeaderName)
	return s, nil
}

// Current returns the live credential, re-reading the file when its mtime
// has changed. Returns nil when no credential has ever parsed successfully.
// On a parse failure the previous credential is kept and a warning logged.
func (s *Store) Current() *Credential {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		slog.Warn("credentials file unreadable, keeping previous credential", "err", err)
		return s.current
	}
	if !info.ModTime().After(s.lastMtime) {
		return s.current
	}

	cred, err := s.parse(info.ModTime())
	if err != nil {
		slog.Warn("credentials file changed but failed to parse, keeping previous credential", "err", err)
		// Record the mtime anyway so a broken file is not re-parsed on
		// every request; the next edit triggers another attempt.
		s.lastMtime = info.ModTime()
		return s.current
	}

	s.current = cred
	s.lastMtime = info.ModTime()
	slog.Info("credential reloaded", "kind", cred.Kind, "header", cred.HeaderName)
	return s.current
}

// parse reads and validates the credential file. The error never contains
// the credential value.
func (s *Store) parse(mtime time.Time) (*Credential, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("creds: read credentials file: %w", err)
	}
	value := strings.TrimSpace(string(data))
	if value == "" {
		return nil, fmt.Errorf("creds: credentials file is empty")
	}
	if strings.ContainsAny(value, "\r\n") {
		return nil, fmt.Errorf("creds: credentials file must hold a single value")
	}

	kind := s.kind
	if kind == KindAuto {
		if strings.HasPrefix(value, apiKeyPrefix) {
			kind = KindAPIKey
		} else {
			kind = KindOAuthToken
		}
	}

	switch kind {
	case KindAPIKey:
		return &Credential{HeaderName: "x-api-key", HeaderValue: value, Kind: KindAPIKey, ModTime: mtime}, nil
	case KindOAuthToken:
		return &Credential{HeaderName: "Authorization", HeaderValue: "Bearer " + value, Kind: KindOAuthToken, ModTime: mtime}, nil
	default:
		return nil, fmt.Errorf("creds: unresolved credential kind %q", kind)
	}
}
