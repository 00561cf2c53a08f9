package tokens_test

import (
	"strings"
	"testing"

	"github.com/bdobrica/Sekimori/common/tokens"
)

func TestNew_LengthAndUniqueness(t *testing.T) {
	a, err := tokens.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := tokens.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if len(a) != tokens.RawLen {
		t.Errorf("token length = %d, want %d", len(a), tokens.RawLen)
	}
	if a == b {
		t.Error("two freshly minted tokens should not be equal")
	}
	if strings.ToLower(a) != a {
		t.Error("token should be lowercase hex")
	}
}

func TestDigest_Deterministic(t *testing.T) {
	if tokens.Digest("abc") != tokens.Digest("abc") {
		t.Error("digest of the same input should be stable")
	}
	if tokens.Digest("abc") == tokens.Digest("abd") {
		t.Error("different inputs should not share a digest")
	}
}

func TestPrefix(t *testing.T) {
	d := tokens.Digest("some-token")
	p := tokens.Prefix(d)
	if len(p) != tokens.PrefixLen {
		t.Errorf("prefix length = %d, want %d", len(p), tokens.PrefixLen)
	}
	if !strings.HasPrefix(d, p) {
		t.Error("prefix should be the leading chars of the digest")
	}
}

func TestMatchesDigest(t *testing.T) {
	raw, err := tokens.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	digest := tokens.Digest(raw)

	if !tokens.MatchesDigest(raw, digest) {
		t.Error("raw token should match its own digest")
	}
	if tokens.MatchesDigest("wrong-token", digest) {
		t.Error("unrelated token should not match the digest")
	}
}
