// Package hash provides the content digest used for cache keys and for
// matching API keys at rest.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the lowercase hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DigestString is Digest for string input.
func DigestString(s string) string {
	return Digest([]byte(s))
}
