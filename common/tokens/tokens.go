// Package tokens implements the session token primitives: generation of
// 256-bit bearer tokens, hex-encoded SHA-256 digests, and constant-time
// digest comparison.
//
// The raw token exists only in the memory of the launcher, the container it
// was handed to, and transiently in the gateway while a request is being
// authenticated. Everything the gateway persists or logs is derived from the
// digest. Audit records carry only the 16-character digest prefix.
package tokens

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// RawLen is the length of a raw token in hex characters (256 bits).
const RawLen = 64

// PrefixLen is the number of digest hex characters exposed to audit records.
const PrefixLen = 16

// New generates a raw 256-bit token from the system CSPRNG, hex encoded.
func New() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("tokens: generate entropy: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// Digest returns the hex-encoded SHA-256 digest of the raw token.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the audit-safe prefix of a digest. Digests shorter than
// PrefixLen are returned unchanged.
func Prefix(digest string) string {
	if len(digest) <= PrefixLen {
		return digest
	}
	return digest[:PrefixLen]
}

// MatchesDigest reports whether the raw token hashes to storedDigest.
// The comparison runs in constant time over the digests so that lookup
// timing reveals nothing about stored hashes.
func MatchesDigest(raw, storedDigest string) bool {
	d := Digest(raw)
	return subtle.ConstantTimeCompare([]byte(d), []byte(storedDigest)) == 1
}
