package auth

import "golang.org/x/oauth2"

// NewVerifier returns a 43-character PKCE code verifier (RFC 7636).
func NewVerifier() string {
	return oauth2.GenerateVerifier()
}

// ChallengeS256 derives the code_challenge for verifier: base64url(SHA-256(verifier)).
func ChallengeS256(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
