package creds_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bdobrica/Sekimori/internal/sekimori/creds"
)

// writeCredFile writes a credential value and returns its path.
func writeCredFile(t *testing.T, value string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "credentials")
	if err := os.WriteFile(path, []byte(value), 0o600); err != nil {
		t.Fatalf("write credential file: %v", err)
	}
	return path
}

func TestNewStore_MissingFileIsFatal(t *testing.T) {
	_, err := creds.NewStore(filepath.Join(t.TempDir(), "absent"), creds.KindAuto)
	if err == nil {
		t.Fatal("NewStore over a missing file should fail")
	}
}

func TestNewStore_EmptyFileIsFatal(t *testing.T) {
	path := writeCredFile(t, "   \n")
	if _, err := creds.NewStore(path, creds.KindAuto); err == nil {
		t.Fatal("NewStore over an empty file should fail")
	}
}

func TestAutoKind_APIKeyPrefix(t *testing.T) {
	path := writeCredFile(t, "sk-test-0123456789\n")
	s, err := creds.NewStore(path, creds.KindAuto)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	cred := s.Current()
	if cred == nil {
		t.Fatal("Current returned nil")
	}
	if cred.HeaderName != "x-api-key" {
		t.Errorf("header = %q, want x-api-key", cred.HeaderName)
	}
	if cred.HeaderValue != "sk-test-0123456789" {
		t.Errorf("value = %q, want the trimmed file content", cred.HeaderValue)
	}
	if cred.Kind != creds.KindAPIKey {
		t.Errorf("kind = %q, want api-key", cred.Kind)
	}
}

func TestAutoKind_OAuthFallback(t *testing.T) {
	path := writeCredFile(t, "oat-some-oauth-token")
	s, err := creds.NewStore(path, creds.KindAuto)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	cred := s.Current()
	if cred.HeaderName != "Authorization" {
		t.Errorf("header = %q, want Authorization", cred.HeaderName)
	}
	if cred.HeaderValue != "Bearer oat-some-oauth-token" {
		t.Errorf("value = %q, want Bearer-prefixed token", cred.HeaderValue)
	}
}

func TestPinnedKind_OverridesInference(t *testing.T) {
	// An sk- value pinned as oauth-token must still go out as a Bearer.
	path := writeCredFile(t, "sk-looks-like-a-key")
	s, err := creds.NewStore(path, creds.KindOAuthToken)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := s.Current().HeaderName; got != "Authorization" {
		t.Errorf("pinned oauth-token produced header %q, want Authorization", got)
	}
}

func TestCurrent_ReloadsOnMtimeChange(t *testing.T) {
	path := writeCredFile(t, "sk-first")
	s, err := creds.NewStore(path, creds.KindAuto)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	if err := os.WriteFile(path, []byte("sk-second"), 0o600); err != nil {
		t.Fatalf("rewrite credential file: %v", err)
	}
	// Force an mtime strictly after the recorded one; filesystems can have
	// coarse timestamp resolution.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if got := s.Current().HeaderValue; got != "sk-second" {
		t.Errorf("Current after rewrite = %q, want sk-second", got)
	}
}

func TestCurrent_KeepsPreviousOnParseFailure(t *testing.T) {
	path := writeCredFile(t, "sk-good")
	s, err := creds.NewStore(path, creds.KindAuto)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	// A multi-line file does not parse; the previous value stays live.
	if err := os.WriteFile(path, []byte("line1\nline2"), 0o600); err != nil {
		t.Fatalf("rewrite credential file: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	cred := s.Current()
	if cred == nil || cred.HeaderValue != "sk-good" {
		t.Errorf("Current after bad rewrite = %+v, want previous sk-good credential", cred)
	}
}

func TestParseKind(t *testing.T) {
	for _, valid := range []string{"api-key", "oauth-token", "auto", ""} {
		if _, err := creds.ParseKind(valid); err != nil {
			t.Errorf("ParseKind(%q): %v", valid, err)
		}
	}
	if _, err := creds.ParseKind("bearer"); err == nil {
		t.Error("ParseKind(bearer) should fail")
	}
}
