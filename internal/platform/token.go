package platform

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// TokenPrefixLen is how many leading characters of a raw token are stored in
// clear for display ("nh_" plus the first 8 hex chars).
const TokenPrefixLen = 11

// NewToken generates a random 32-byte bearer token. The raw value is shown
// to the caller exactly once; only HashToken(raw) is persisted.
func NewToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return "nh_" + hex.EncodeToString(b)
}

// HashToken returns the hex SHA-256 digest of a raw token value.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TokenPrefix returns the display prefix of a raw token, or the whole value
// if it is shorter than the prefix length.
func TokenPrefix(raw string) string {
	if len(raw) < TokenPrefixLen {
		return raw
	}
	return raw[:TokenPrefixLen]
}
