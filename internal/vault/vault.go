// Package vault owns the per-user vendor credential lifecycle: code
// exchange, encrypted storage, refresh with retry, and revocation.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/btouchard/stride/internal/errs"
	"github.com/btouchard/stride/internal/resilience"
	"github.com/btouchard/stride/internal/store"
	"github.com/btouchard/stride/internal/vendor"
)

// RefreshSkew is how long before expiry a token is considered stale.
const RefreshSkew = 5 * time.Minute

// TokenClient is the subset of the vendor client the vault needs.
type TokenClient interface {
	Exchange(ctx context.Context, code, verifier, redirectURI string) (*vendor.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*vendor.Token, error)
	Revoke(ctx context.Context, token, hint string) error
	UserID(ctx context.Context, accessToken string) (string, error)
}

// Vault is the single source of truth for usable access tokens.
type Vault struct {
	store  store.Store
	client TokenClient
	cipher *Cipher
	retry  *resilience.Executor
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// Option customises a Vault.
type Option func(*Vault)

// WithExecutor sets the executor used for refresh calls.
func WithExecutor(e *resilience.Executor) Option {
	return func(v *Vault) { v.retry = e }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// New creates a Vault.
func New(st store.Store, client TokenClient, c *Cipher, opts ...Option) *Vault {
	v := &Vault{
		store:  st,
		client: client,
		cipher: c,
		retry:  resilience.NewExecutor(resilience.DefaultPolicy()),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// ExchangeCode trades an authorization code for tokens and records the
// connection. Codes are single-use, so the exchange is never retried.
func (v *Vault) ExchangeCode(ctx context.Context, userID int64, code, verifier, redirectURI string) (*store.ConnectionRecord, error) {
	if code == "" || verifier == "" {
		return nil, errs.Validation("code and verifier are required")
	}

	tok, err := v.client.Exchange(ctx, code, verifier, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("exchanging code for user %d: %w", userID, err)
	}

	externalID, err := v.client.UserID(ctx, tok.AccessToken)
	if err != nil {
		v.logger.Warn("could not fetch vendor user id", "user_id", userID, "error", err)
	}

	now := v.now().UTC()
	conn := &store.ConnectionRecord{
		UserID:         userID,
		ExternalUserID: externalID,
		Scopes:         tok.Scopes,
		Status:         store.StatusConnected,
		ConnectedAt:    now,
	}
	if err := v.store.UpsertConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("saving connection: %w", err)
	}
	if err := v.putToken(ctx, userID, tok, now); err != nil {
		return nil, err
	}

	v.logger.Info("vendor connected", "user_id", userID, "scopes", len(tok.Scopes))
	return v.store.GetConnection(ctx, userID)
}

// GetValidAccessToken returns the stored access token while it is more than
// RefreshSkew away from expiry, refreshing it otherwise.
func (v *Vault) GetValidAccessToken(ctx context.Context, userID int64) (string, error) {
	_, tok, err := v.load(ctx, userID)
	if err != nil {
		return "", err
	}
	if v.fresh(tok) {
		return v.cipher.Decrypt(tok.AccessTokenEncrypted)
	}
	return v.refreshShared(ctx, userID, false)
}

// Refresh forces a refresh_token grant for userID and returns the new access
// token. Concurrent refreshes for one user share a single vendor call.
func (v *Vault) Refresh(ctx context.Context, userID int64) (string, error) {
	return v.refreshShared(ctx, userID, true)
}

func (v *Vault) refreshShared(ctx context.Context, userID int64, force bool) (string, error) {
	// The shared call outlives any single waiter; each waiter still honours
	// its own context.
	shared := context.WithoutCancel(ctx)
	ch := v.group.DoChan(strconv.FormatInt(userID, 10), func() (any, error) {
		return v.refresh(shared, userID, force)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (v *Vault) refresh(ctx context.Context, userID int64, force bool) (string, error) {
	_, tok, err := v.load(ctx, userID)
	if err != nil {
		return "", err
	}
	// Another caller may have refreshed between our read and this flight.
	if !force && v.fresh(tok) {
		return v.cipher.Decrypt(tok.AccessTokenEncrypted)
	}
	if tok.RefreshTokenEncrypted == "" {
		return "", fmt.Errorf("user %d has no refresh token: %w", userID, errs.ErrReauthRequired)
	}
	refreshToken, err := v.cipher.Decrypt(tok.RefreshTokenEncrypted)
	if err != nil {
		return "", err
	}

	var fresh *vendor.Token
	out := v.retry.Do(ctx, "vendor.refresh", func(ctx context.Context) error {
		t, err := v.client.Refresh(ctx, refreshToken)
		if err != nil {
			return err
		}
		fresh = t
		return nil
	})
	if !out.OK() {
		v.markError(ctx, userID, out.Err)
		return "", fmt.Errorf("refreshing token for user %d after %d attempts: %w", userID, out.Attempts, out.Err)
	}

	now := v.now().UTC()
	if err := v.putToken(ctx, userID, fresh, now); err != nil {
		return "", err
	}
	if err := v.store.UpdateStatus(ctx, store.StatusChange{UserID: userID, Status: store.StatusConnected, At: now}); err != nil {
		return "", fmt.Errorf("updating connection status: %w", err)
	}

	v.logger.Info("vendor token refreshed", "user_id", userID, "attempts", out.Attempts)
	return fresh.AccessToken, nil
}

// Revoke revokes both tokens at the vendor on a best-effort basis, deletes
// the token row and marks the connection revoked. Repeated calls succeed.
func (v *Vault) Revoke(ctx context.Context, userID int64) error {
	tok, err := v.store.GetToken(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("loading token: %w", err)
	default:
		v.revokeRemote(ctx, userID, tok.AccessTokenEncrypted, "access_token")
		v.revokeRemote(ctx, userID, tok.RefreshTokenEncrypted, "refresh_token")
	}

	if err := v.store.DeleteToken(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting token: %w", err)
	}

	err = v.store.UpdateStatus(ctx, store.StatusChange{UserID: userID, Status: store.StatusRevoked, At: v.now().UTC()})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("updating connection status: %w", err)
	}

	v.logger.Info("vendor connection revoked", "user_id", userID)
	return nil
}

func (v *Vault) revokeRemote(ctx context.Context, userID int64, encrypted, hint string) {
	if encrypted == "" {
		return
	}
	token, err := v.cipher.Decrypt(encrypted)
	if err != nil {
		v.logger.Warn("skipping vendor revoke", "user_id", userID, "hint", hint, "error", err)
		return
	}
	if err := v.client.Revoke(ctx, token, hint); err != nil {
		v.logger.Warn("vendor revoke failed", "user_id", userID, "hint", hint, "error", err)
	}
}

// load fetches the connection and token, mapping absent rows to
// ErrNotConnected and revoked connections to ErrConnectionInactive.
func (v *Vault) load(ctx context.Context, userID int64) (*store.ConnectionRecord, *store.TokenRecord, error) {
	conn, err := v.store.GetConnection(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("user %d: %w", userID, errs.ErrNotConnected)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading connection: %w", err)
	}
	if !conn.Status.Active() {
		return nil, nil, fmt.Errorf("user %d is %s: %w", userID, conn.Status, errs.ErrConnectionInactive)
	}

	tok, err := v.store.GetToken(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("user %d has no token: %w", userID, errs.ErrNotConnected)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading token: %w", err)
	}
	return conn, tok, nil
}

func (v *Vault) fresh(tok *store.TokenRecord) bool {
	return v.now().Add(RefreshSkew).Before(tok.ExpiresAt)
}

func (v *Vault) putToken(ctx context.Context, userID int64, tok *vendor.Token, now time.Time) error {
	access, err := v.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypting access token: %w", err)
	}
	var refresh string
	if tok.RefreshToken != "" {
		if refresh, err = v.cipher.Encrypt(tok.RefreshToken); err != nil {
			return fmt.Errorf("encrypting refresh token: %w", err)
		}
	}

	rec := &store.TokenRecord{
		UserID:                userID,
		AccessTokenEncrypted:  access,
		RefreshTokenEncrypted: refresh,
		ExpiresAt:             tok.ExpiresAt.UTC(),
		RotatedAt:             now,
	}
	if err := v.store.PutToken(ctx, rec); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	return nil
}

func (v *Vault) markError(ctx context.Context, userID int64, cause error) {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, errs.ErrCircuitOpen) {
		return
	}
	change := store.StatusChange{
		UserID: userID,
		Status: store.StatusError,
		Error:  &store.ErrorState{Message: cause.Error(), At: v.now().UTC()},
		At:     v.now().UTC(),
	}
	if err := v.store.UpdateStatus(ctx, change); err != nil {
		v.logger.Error("recording refresh failure", "user_id", userID, "error", err)
		return
	}
	v.logger.Error("vendor token refresh failed", "user_id", userID, "error", cause)
}
