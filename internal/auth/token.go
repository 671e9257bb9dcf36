package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashToken returns the hex SHA-256 of a bearer token. Only hashes are kept
// in configuration.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// MatchTokenHash reports whether token hashes to one of hashes. Every entry
// is compared so timing does not reveal which one matched.
func MatchTokenHash(token string, hashes []string) bool {
	if token == "" {
		return false
	}
	got := []byte(HashToken(token))
	matched := 0
	for _, h := range hashes {
		matched |= subtle.ConstantTimeCompare(got, []byte(strings.ToLower(strings.TrimSpace(h))))
	}
	return matched == 1
}
