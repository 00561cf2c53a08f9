package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bdobrica/Sekimori/common/tokens"
)

// persistVersion is the on-disk format version of the session file.
const persistVersion = 1

// Manager is the thread-safe registry of live sessions. A single mutex
// protects the table; persistence happens under the same lock so the saved
// file is always a consistent snapshot.
type Manager struct {
	mu       sync.Mutex
	ttl      time.Duration
	path     string // session file; empty disables persistence
	sessions map[string]*Session

	// now is a test hook; defaults to time.Now.
	now func() time.Time
}

// persistedTable is the JSON container written to the session file.
type persistedTable struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"saved_at"`
	Sessions []Session `json:"sessions"`
}

// NewManager creates a Manager persisting to path (pass "" for an in-memory
// registry, e.g. in tests). An existing session file is loaded and expired
// rows are discarded; a corrupted file is logged and treated as empty.
func NewManager(path string, ttl time.Duration) (*Manager, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		ttl:      ttl,
		path:     path,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
	if path != "" {
		if err := m.load(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register creates a session for a freshly launched container and returns
// the raw bearer token together with a copy of the stored session. The raw
// token is returned exactly once; the Manager keeps only its digest.
func (m *Manager) Register(containerID, containerIP string, mode Mode) (string, Session, error) {
	raw, err := tokens.New()
	if err != nil {
		return "", Session{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	s := &Session{
		TokenHash:   tokens.Digest(raw),
		ContainerID: containerID,
		ContainerIP: containerIP,
		Mode:        mode,
		CreatedAt:   now,
		LastSeen:    now,
		ExpiresAt:   now.Add(m.ttl),
	}
	m.sessions[s.TokenHash] = s
	m.saveLocked()

	slog.Info("session registered",
		"session", s.HashPrefix(),
		"container_id", containerID,
		"container_ip", containerIP,
		"mode", mode,
		"expires_at", s.ExpiresAt)
	return raw, *s, nil
}

// Validate looks up the session for a raw token and, when sourceIP is
// non-empty, verifies it against the bound container IP. On success the
// session is heartbeated: LastSeen moves to now and ExpiresAt is extended
// by the configured TTL.
//
// The digest of the supplied token is compared against every stored digest
// in constant time; there is no early-exit plaintext lookup.
func (m *Manager) Validate(rawToken, sourceIP string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookupLocked(rawToken)
	if s == nil {
		return Session{}, ErrNotFound
	}

	now := m.now()
	if s.expiredAt(now) {
		delete(m.sessions, s.TokenHash)
		m.saveLocked()
		return Session{}, ErrExpired
	}
	if sourceIP != "" && sourceIP != s.ContainerIP {
		slog.Warn("session presented from foreign IP",
			"session", s.HashPrefix(),
			"bound_ip", s.ContainerIP,
			"source_ip", sourceIP)
		return Session{}, ErrIPMismatch
	}

	s.LastSeen = now
	s.ExpiresAt = now.Add(m.ttl)
	m.saveLocked()
	return *s, nil
}

// GetByContainer returns the session bound to the given container ID.
func (m *Manager) GetByContainer(containerID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ContainerID == containerID && !s.expiredAt(m.now()) {
			return *s, true
		}
	}
	return Session{}, false
}

// GetByIP returns the session bound to the given overlay-network IP.
func (m *Manager) GetByIP(ip string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ContainerIP == ip && !s.expiredAt(m.now()) {
			return *s, true
		}
	}
	return Session{}, false
}

// Delete removes the session matching the raw token. Returns false when no
// such session exists.
func (m *Manager) Delete(rawToken string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.lookupLocked(rawToken)
	if s == nil {
		return false
	}
	delete(m.sessions, s.TokenHash)
	m.saveLocked()
	slog.Info("session deleted", "session", s.HashPrefix(), "container_id", s.ContainerID)
	return true
}

// DeleteByContainer removes every session bound to the container ID and
// returns the number removed. Used on container shutdown.
func (m *Manager) DeleteByContainer(containerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for hash, s := range m.sessions {
		if s.ContainerID == containerID {
			delete(m.sessions, hash)
			removed++
		}
	}
	if removed > 0 {
		m.saveLocked()
	}
	return removed
}

// PruneExpired evicts sessions past their TTL and returns the count removed.
// Running it twice with no intervening activity removes nothing the second
// time.
func (m *Manager) PruneExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for hash, s := range m.sessions {
		if s.expiredAt(now) {
			delete(m.sessions, hash)
			removed++
		}
	}
	if removed > 0 {
		m.saveLocked()
		slog.Info("pruned expired sessions", "count", removed)
	}
	return removed
}

// List returns a snapshot of all live sessions, ordered by creation time.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of sessions currently in the table.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ClearAll drops every session and returns the count removed.
func (m *Manager) ClearAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	m.saveLocked()
	return n
}

// Save forces a persistence write. Used during graceful shutdown.
func (m *Manager) Save() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveLocked()
}

// lookupLocked finds the session whose digest matches the raw token.
// Every stored digest is checked so the scan takes the same time whether or
// not a match exists. Must be called with m.mu held.
func (m *Manager) lookupLocked(rawToken string) *Session {
	var found *Session
	for hash, s := range m.sessions {
		if tokens.MatchesDigest(rawToken, hash) {
			found = s
		}
	}
	return found
}

// saveLocked writes the table to disk with write-temp + rename so a partial
// write is never observable. Persistence failures are logged, not returned:
// the in-memory operation has already happened and a later save recovers.
// Must be called with m.mu held.
func (m *Manager) saveLocked() {
	if m.path == "" {
		return
	}

	table := persistedTable{
		Version: persistVersion,
		SavedAt: m.now(),
	}
	for _, s := range m.sessions {
		table.Sessions = append(table.Sessions, *s)
	}

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		slog.Error("session persistence: marshal failed", "err", err)
		return
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		slog.Error("session persistence: write failed", "path", tmp, "err", err)
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		slog.Error("session persistence: rename failed", "path", m.path, "err", err)
		os.Remove(tmp)
	}
}

// load reads the session file, discarding expired rows. A missing file is
// fine; a corrupted one is logged and treated as empty.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("session: read %s: %w", m.path, err)
	}

	var table persistedTable
	if err := json.Unmarshal(data, &table); err != nil {
		slog.Error("session persistence: corrupted file, starting empty",
			"path", m.path, "err", err)
		return nil
	}
	if table.Version != persistVersion {
		slog.Warn("session persistence: unknown version, starting empty",
			"path", m.path, "version", table.Version)
		return nil
	}

	now := m.now()
	loaded, dropped := 0, 0
	for i := range table.Sessions {
		s := table.Sessions[i]
		if s.expiredAt(now) {
			dropped++
			continue
		}
		m.sessions[s.TokenHash] = &s
		loaded++
	}
	slog.Info("session table loaded",
		"path", filepath.Base(m.path), "loaded", loaded, "expired_dropped", dropped)
	return nil
}
