package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/btouchard/stride/internal/errs"
)

// MaxStateTTL bounds how long an authorization request may stay pending.
const MaxStateTTL = 10 * time.Minute

// StatePayload travels inside the signed state parameter of the vendor
// redirect. It is never persisted server-side.
type StatePayload struct {
	UserID       int64     `json:"userId"`
	RedirectURI  string    `json:"redirectUri"`
	CodeVerifier string    `json:"codeVerifier"`
	Nonce        string    `json:"nonce"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// StateCodec signs and verifies state tokens of the form
// base64url(json) "." hex(HMAC-SHA256(secret, base64url(json))).
type StateCodec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateCodec creates a codec. ttl is capped at MaxStateTTL.
func NewStateCodec(secret []byte, ttl time.Duration) (*StateCodec, error) {
	if len(secret) == 0 {
		return nil, errs.Configuration("state signing secret is empty")
	}
	if ttl <= 0 || ttl > MaxStateTTL {
		ttl = MaxStateTTL
	}
	return &StateCodec{
		secret: append([]byte(nil), secret...),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source.
func (c *StateCodec) SetClock(now func() time.Time) {
	c.now = now
}

// Issue builds a fresh payload for userID with a new PKCE verifier and nonce,
// and returns its signed token.
func (c *StateCodec) Issue(userID int64, redirectURI string) (string, *StatePayload, error) {
	now := c.now().UTC().Truncate(time.Second)
	p := &StatePayload{
		UserID:       userID,
		RedirectURI:  redirectURI,
		CodeVerifier: NewVerifier(),
		Nonce:        uuid.NewString(),
		CreatedAt:    now,
		ExpiresAt:    now.Add(c.ttl),
	}
	token, err := c.Sign(*p)
	if err != nil {
		return "", nil, err
	}
	return token, p, nil
}

// Sign encodes and signs p.
func (c *StateCodec) Sign(p StatePayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding state: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return encoded + "." + c.signature(encoded), nil
}

// Verify returns the payload of a valid, unexpired token and nil for
// anything else. It never panics on hostile input.
func (c *StateCodec) Verify(token string) *StatePayload {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return nil
	}

	expected := c.signature(encoded)
	if len(sig) != len(expected) {
		return nil
	}
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	var p StatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}
	if p.ExpiresAt.IsZero() || c.now().After(p.ExpiresAt) {
		return nil
	}
	return &p
}

func (c *StateCodec) signature(encoded string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}
