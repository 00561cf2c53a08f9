package session_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/session"
)

// newManager creates an in-memory manager (no persistence).
func newManager(t *testing.T, ttl time.Duration) *session.Manager {
	t.Helper()
	m, err := session.NewManager("", ttl)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestRegisterValidate_RoundTrip(t *testing.T) {
	m := newManager(t, time.Hour)

	raw, sess, err := m.Register("cont-1", "10.0.0.5", session.ModePrivate)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if raw == "" {
		t.Fatal("expected a non-empty raw token")
	}
	if strings.Contains(sess.TokenHash, raw) {
		t.Error("stored session must not contain the raw token")
	}

	got, err := m.Validate(raw, "10.0.0.5")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.ContainerID != "cont-1" || got.Mode != session.ModePrivate {
		t.Errorf("validated session = %+v, want container cont-1 / private", got)
	}
}

func TestValidate_UnknownToken(t *testing.T) {
	m := newManager(t, time.Hour)
	m.Register("cont-1", "10.0.0.5", session.ModePublic)

	_, err := m.Validate("0000000000000000000000000000000000000000000000000000000000000000", "10.0.0.5")
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Validate with bogus token: got %v, want ErrNotFound", err)
	}
}

func TestValidate_IPMismatch_NoHeartbeat(t *testing.T) {
	m := newManager(t, time.Hour)
	raw, _, _ := m.Register("cont-1", "10.0.0.5", session.ModePublic)

	before, _ := m.GetByContainer("cont-1")

	if _, err := m.Validate(raw, "10.0.0.99"); !errors.Is(err, session.ErrIPMismatch) {
		t.Fatalf("Validate from foreign IP: got %v, want ErrIPMismatch", err)
	}

	// A rejected validation must not extend the session.
	after, _ := m.GetByContainer("cont-1")
	if !after.ExpiresAt.Equal(before.ExpiresAt) {
		t.Error("ExpiresAt moved after an IP-mismatch rejection")
	}
}

func TestValidate_HeartbeatExtendsExpiry(t *testing.T) {
	m := newManager(t, time.Hour)
	raw, first, _ := m.Register("cont-1", "10.0.0.5", session.ModePublic)

	time.Sleep(10 * time.Millisecond)
	got, err := m.Validate(raw, "10.0.0.5")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !got.ExpiresAt.After(first.ExpiresAt) {
		t.Error("successful validation should extend ExpiresAt")
	}
}

func TestValidate_Expired(t *testing.T) {
	m := newManager(t, 20*time.Millisecond)
	raw, _, _ := m.Register("cont-1", "10.0.0.5", session.ModePublic)

	time.Sleep(40 * time.Millisecond)

	if _, err := m.Validate(raw, "10.0.0.5"); !errors.Is(err, session.ErrExpired) {
		t.Fatalf("Validate after TTL: got %v, want ErrExpired", err)
	}
	// The expired row is evicted; a second attempt no longer finds it.
	if _, err := m.Validate(raw, "10.0.0.5"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("second Validate after eviction: got %v, want ErrNotFound", err)
	}
}

func TestDelete_ThenValidateFails(t *testing.T) {
	m := newManager(t, time.Hour)
	raw, _, _ := m.Register("cont-1", "10.0.0.5", session.ModePublic)

	if !m.Delete(raw) {
		t.Fatal("Delete returned false for a live session")
	}
	if m.Delete(raw) {
		t.Error("second Delete should return false")
	}
	if _, err := m.Validate(raw, "10.0.0.5"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Validate after Delete: got %v, want ErrNotFound", err)
	}
}

func TestDeleteByContainer(t *testing.T) {
	m := newManager(t, time.Hour)
	m.Register("cont-1", "10.0.0.5", session.ModePublic)
	m.Register("cont-1", "10.0.0.5", session.ModePublic)
	m.Register("cont-2", "10.0.0.6", session.ModePublic)

	if n := m.DeleteByContainer("cont-1"); n != 2 {
		t.Errorf("DeleteByContainer removed %d sessions, want 2", n)
	}
	if m.Count() != 1 {
		t.Errorf("Count = %d after delete, want 1", m.Count())
	}
}

func TestPruneExpired_Idempotent(t *testing.T) {
	m := newManager(t, 20*time.Millisecond)
	m.Register("cont-1", "10.0.0.5", session.ModePublic)
	m.Register("cont-2", "10.0.0.6", session.ModePublic)

	time.Sleep(40 * time.Millisecond)

	if n := m.PruneExpired(); n != 2 {
		t.Errorf("first prune removed %d, want 2", n)
	}
	if n := m.PruneExpired(); n != 0 {
		t.Errorf("second prune removed %d, want 0", n)
	}
}

func TestPersistence_SurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	m1, err := session.NewManager(path, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	raw, _, err := m1.Register("cont-1", "10.0.0.5", session.ModePrivate)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The persisted file must never contain the raw token.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read session file: %v", err)
	}
	if strings.Contains(string(data), raw) {
		t.Fatal("session file contains the raw token")
	}

	// A new manager over the same file accepts the old token.
	m2, err := session.NewManager(path, time.Hour)
	if err != nil {
		t.Fatalf("NewManager (restart): %v", err)
	}
	got, err := m2.Validate(raw, "10.0.0.5")
	if err != nil {
		t.Fatalf("Validate after restart: %v", err)
	}
	if got.ContainerID != "cont-1" {
		t.Errorf("restored container = %q, want cont-1", got.ContainerID)
	}
}

func TestPersistence_CorruptedFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupted file: %v", err)
	}

	m, err := session.NewManager(path, time.Hour)
	if err != nil {
		t.Fatalf("NewManager over corrupted file: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count = %d over corrupted file, want 0", m.Count())
	}
}

func TestPersistence_FileMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	m, err := session.NewManager(path, time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Register("cont-1", "10.0.0.5", session.ModePublic)

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat session file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("session file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestParseMode(t *testing.T) {
	if _, err := session.ParseMode("private"); err != nil {
		t.Errorf("ParseMode(private): %v", err)
	}
	if _, err := session.ParseMode("public"); err != nil {
		t.Errorf("ParseMode(public): %v", err)
	}
	if _, err := session.ParseMode("open"); err == nil {
		t.Error("ParseMode(open) should fail")
	}
}

func TestGetByIP(t *testing.T) {
	m := newManager(t, time.Hour)
	m.Register("cont-1", "10.0.0.5", session.ModePublic)

	if _, ok := m.GetByIP("10.0.0.5"); !ok {
		t.Error("GetByIP should find the registered session")
	}
	if _, ok := m.GetByIP("10.0.0.99"); ok {
		t.Error("GetByIP should not find an unknown IP")
	}
}
