package vault

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/stride/internal/errs"
	"github.com/btouchard/stride/internal/resilience"
	"github.com/btouchard/stride/internal/store"
	"github.com/btouchard/stride/internal/vendor"
)

var t0 = time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

type fakeClient struct {
	mu           sync.Mutex
	exchangeTok  *vendor.Token
	refreshTok   *vendor.Token
	refreshErr   error
	refreshDelay time.Duration
	refreshCalls int
	revokeErr    error
	revoked      []string
}

func (f *fakeClient) Exchange(_ context.Context, code, verifier, _ string) (*vendor.Token, error) {
	return f.exchangeTok, nil
}

func (f *fakeClient) Refresh(_ context.Context, refreshToken string) (*vendor.Token, error) {
	f.mu.Lock()
	f.refreshCalls++
	tok, err, delay := f.refreshTok, f.refreshErr, f.refreshDelay
	f.mu.Unlock()

	time.Sleep(delay)
	if err != nil {
		return nil, err
	}
	cp := *tok
	if cp.RefreshToken == "" {
		cp.RefreshToken = refreshToken
	}
	return &cp, nil
}

func (f *fakeClient) Revoke(_ context.Context, token, hint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, hint+":"+token)
	return f.revokeErr
}

func (f *fakeClient) UserID(context.Context, string) (string, error) {
	return "ext-42", nil
}

func (f *fakeClient) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		exchangeTok: &vendor.Token{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    t0.Add(time.Hour),
			Scopes:       []string{"HEALTH_EXPORT"},
		},
		refreshTok: &vendor.Token{AccessToken: "access-2", ExpiresAt: t0.Add(2 * time.Hour)},
	}
}

func newTestVault(t *testing.T, client *fakeClient) (*Vault, *store.MemoryStore) {
	t.Helper()
	c, err := NewCipher([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	st := store.NewMemoryStore()
	noSleep := resilience.WithSleeper(func(context.Context, time.Duration) error { return nil })
	v := New(st, client, c,
		WithClock(func() time.Time { return t0 }),
		WithExecutor(resilience.NewExecutor(resilience.DefaultPolicy(), noSleep)),
	)
	return v, st
}

func connect(t *testing.T, v *Vault, userID int64) {
	t.Helper()
	_, err := v.ExchangeCode(context.Background(), userID, "code", "verifier", "")
	require.NoError(t, err)
}

func expire(t *testing.T, st *store.MemoryStore, userID int64) {
	t.Helper()
	tok, err := st.GetToken(context.Background(), userID)
	require.NoError(t, err)
	tok.ExpiresAt = t0.Add(time.Minute)
	require.NoError(t, st.PutToken(context.Background(), tok))
}

func TestExchangeCode_StoresEncryptedTokens(t *testing.T) {
	t.Parallel()
	v, st := newTestVault(t, newFakeClient())

	conn, err := v.ExchangeCode(context.Background(), 7, "code", "verifier", "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, conn.Status)
	assert.Equal(t, "ext-42", conn.ExternalUserID)
	assert.Equal(t, []string{"HEALTH_EXPORT"}, conn.Scopes)
	assert.True(t, conn.ConnectedAt.Equal(t0))

	tok, err := st.GetToken(context.Background(), 7)
	require.NoError(t, err)
	assert.NotContains(t, tok.AccessTokenEncrypted, "access-1")
	assert.NotContains(t, tok.RefreshTokenEncrypted, "refresh-1")
	assert.True(t, tok.ExpiresAt.Equal(t0.Add(time.Hour)))
}

func TestExchangeCode_RequiresCodeAndVerifier(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t, newFakeClient())

	_, err := v.ExchangeCode(context.Background(), 7, "", "verifier", "")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestGetValidAccessToken_FreshTokenSkipsRefresh(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	v, _ := newTestVault(t, client)
	connect(t, v, 1)

	tok, err := v.GetValidAccessToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, 0, client.calls())
}

func TestGetValidAccessToken_RefreshesWithinSkew(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	v, st := newTestVault(t, client)
	connect(t, v, 1)
	expire(t, st, 1)

	tok, err := v.GetValidAccessToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "access-2", tok)
	assert.Equal(t, 1, client.calls())

	again, err := v.GetValidAccessToken(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "access-2", again)
	assert.Equal(t, 1, client.calls(), "persisted token is reused")

	rec, err := st.GetToken(context.Background(), 1)
	require.NoError(t, err)
	refresh, err := v.cipher.Decrypt(rec.RefreshTokenEncrypted)
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", refresh, "unrotated refresh token is kept")
	assert.True(t, rec.RotatedAt.Equal(t0))
}

func TestGetValidAccessToken_NotConnected(t *testing.T) {
	t.Parallel()
	v, _ := newTestVault(t, newFakeClient())

	_, err := v.GetValidAccessToken(context.Background(), 99)
	assert.ErrorIs(t, err, errs.ErrNotConnected)
}

func TestGetValidAccessToken_RevokedIsInactive(t *testing.T) {
	t.Parallel()
	v, st := newTestVault(t, newFakeClient())
	connect(t, v, 1)
	require.NoError(t, st.UpdateStatus(context.Background(), store.StatusChange{UserID: 1, Status: store.StatusDisconnected, At: t0}))

	_, err := v.GetValidAccessToken(context.Background(), 1)
	assert.ErrorIs(t, err, errs.ErrConnectionInactive)
}

func TestRefresh_RetriesServerErrorsThenGivesUp(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.refreshErr = &errs.VendorError{Op: "refresh", StatusCode: http.StatusInternalServerError}
	v, st := newTestVault(t, client)
	connect(t, v, 1)

	_, err := v.Refresh(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrVendorTransient)
	assert.Equal(t, 4, client.calls(), "one attempt plus three retries")

	conn, err := st.GetConnection(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, conn.Status)
	require.NotNil(t, conn.Error)
	assert.Contains(t, conn.Error.Message, "500")
	assert.True(t, conn.Error.At.Equal(t0))
}

func TestRefresh_InvalidGrantIsNotRetried(t *testing.T) {
	t.Parallel()

	for _, vendorErr := range []*errs.VendorError{
		{Op: "refresh", StatusCode: http.StatusBadRequest, Code: "invalid_grant"},
		{Op: "refresh", StatusCode: http.StatusUnauthorized},
	} {
		client := newFakeClient()
		client.refreshErr = vendorErr
		v, _ := newTestVault(t, client)
		connect(t, v, 1)

		_, err := v.Refresh(context.Background(), 1)
		assert.ErrorIs(t, err, errs.ErrReauthRequired)
		assert.ErrorIs(t, err, errs.ErrVendorTerminal)
		assert.Equal(t, 1, client.calls())
	}
}

func TestRefresh_RecoversErroredConnection(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	v, st := newTestVault(t, client)
	connect(t, v, 1)
	require.NoError(t, st.UpdateStatus(context.Background(), store.StatusChange{
		UserID: 1, Status: store.StatusError, Error: &store.ErrorState{Message: "boom", At: t0},
	}))

	_, err := v.Refresh(context.Background(), 1)
	require.NoError(t, err)

	conn, err := st.GetConnection(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, conn.Status)
	assert.Nil(t, conn.Error)
}

func TestRefresh_WithoutRefreshTokenRequiresReauth(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.exchangeTok.RefreshToken = ""
	v, _ := newTestVault(t, client)
	connect(t, v, 1)

	_, err := v.Refresh(context.Background(), 1)
	assert.ErrorIs(t, err, errs.ErrReauthRequired)
	assert.Equal(t, 0, client.calls())
}

func TestGetValidAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.refreshDelay = 20 * time.Millisecond
	v, st := newTestVault(t, client)
	connect(t, v, 1)
	expire(t, st, 1)

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := v.GetValidAccessToken(context.Background(), 1)
			assert.NoError(t, err)
			results[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, client.calls())
	for _, tok := range results {
		assert.Equal(t, "access-2", tok)
	}
}

func TestRevoke_IsBestEffortAndIdempotent(t *testing.T) {
	t.Parallel()
	client := newFakeClient()
	client.revokeErr = errors.New("vendor down")
	v, st := newTestVault(t, client)
	connect(t, v, 1)

	require.NoError(t, v.Revoke(context.Background(), 1))
	assert.Equal(t, []string{"access_token:access-1", "refresh_token:refresh-1"}, client.revoked)

	_, err := st.GetToken(context.Background(), 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
	conn, err := st.GetConnection(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRevoked, conn.Status)
	assert.True(t, conn.RevokedAt.Equal(t0))

	require.NoError(t, v.Revoke(context.Background(), 1))
	assert.Len(t, client.revoked, 2, "nothing left to revoke remotely")

	require.NoError(t, v.Revoke(context.Background(), 404), "unknown users revoke cleanly")

	_, err = v.GetValidAccessToken(context.Background(), 1)
	assert.ErrorIs(t, err, errs.ErrConnectionInactive)
}
