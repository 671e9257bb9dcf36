// Package coach orchestrates the wearable integration: the connect
// round-trip, dataset syncs with bookkeeping and events, permission checks
// and training load reports.
package coach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/btouchard/stride/internal/auth"
	"github.com/btouchard/stride/internal/errs"
	"github.com/btouchard/stride/internal/fetch"
	"github.com/btouchard/stride/internal/notify"
	"github.com/btouchard/stride/internal/store"
	"github.com/btouchard/stride/internal/vendor"
)

// Vendor is the subset of the vendor client used outside the vault.
type Vendor interface {
	AuthCodeURL(state, verifier, redirectURI string) string
	Permissions(ctx context.Context, accessToken string) ([]string, error)
}

// Tokens is the credential lifecycle, implemented by *vault.Vault.
type Tokens interface {
	ExchangeCode(ctx context.Context, userID int64, code, verifier, redirectURI string) (*store.ConnectionRecord, error)
	GetValidAccessToken(ctx context.Context, userID int64) (string, error)
	Revoke(ctx context.Context, userID int64) error
}

// Fetcher pulls a dataset, implemented by *fetch.Fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, accessToken string, req fetch.Request) (*fetch.Batch, error)
}

// ReportFunc forwards unrecoverable failures to error tracking.
type ReportFunc func(err error, tags map[string]string)

// Deps holds the collaborators of a Service.
type Deps struct {
	States   *auth.StateCodec
	Vendor   Vendor
	Tokens   Tokens
	Fetcher  Fetcher
	Store    store.Store
	Notifier notify.Notifier
	Report   ReportFunc

	// RedirectURI is used when StartConnect is called without one.
	RedirectURI         string
	RequiredPermissions []string
	// MaxConcurrentSyncs bounds syncs running at once across users.
	MaxConcurrentSyncs int64
	// MaxSyncDays is the fetcher's history cap; training load reports
	// ending before it are refused.
	MaxSyncDays int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Service is the entry point used by the API and MCP surfaces.
type Service struct {
	states   *auth.StateCodec
	vendor   Vendor
	tokens   Tokens
	fetcher  Fetcher
	store    store.Store
	notifier notify.Notifier
	report   ReportFunc

	redirectURI string
	required    []string
	syncs       *semaphore.Weighted
	maxDays     int
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Service.
func New(d Deps) (*Service, error) {
	if d.States == nil || d.Vendor == nil || d.Tokens == nil || d.Fetcher == nil || d.Store == nil {
		return nil, errs.Configuration("coach: missing dependency")
	}
	if d.MaxConcurrentSyncs < 1 {
		d.MaxConcurrentSyncs = 4
	}
	if d.MaxSyncDays < 1 {
		d.MaxSyncDays = fetch.MaxDays
	}
	s := &Service{
		states:      d.States,
		vendor:      d.Vendor,
		tokens:      d.Tokens,
		fetcher:     d.Fetcher,
		store:       d.Store,
		notifier:    d.Notifier,
		report:      d.Report,
		redirectURI: d.RedirectURI,
		required:    append([]string(nil), d.RequiredPermissions...),
		syncs:       semaphore.NewWeighted(d.MaxConcurrentSyncs),
		maxDays:     d.MaxSyncDays,
		logger:      d.Logger,
		now:         d.Now,
	}
	if s.notifier == nil {
		s.notifier = notify.NewHub()
	}
	if s.report == nil {
		s.report = func(error, map[string]string) {}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// ConnectStart is the first leg of the OAuth round-trip.
type ConnectStart struct {
	AuthorizationURL string    `json:"authorizationUrl"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// StartConnect issues signed state for userID and builds the vendor
// authorization URL. The PKCE verifier travels inside the state only.
func (s *Service) StartConnect(ctx context.Context, userID int64, redirectURI string) (*ConnectStart, error) {
	if userID <= 0 {
		return nil, errs.Validation("user id must be positive")
	}
	if redirectURI == "" {
		redirectURI = s.redirectURI
	}
	if redirectURI == "" {
		return nil, errs.Configuration("no redirect uri configured")
	}

	state, payload, err := s.states.Issue(userID, redirectURI)
	if err != nil {
		return nil, fmt.Errorf("issuing state: %w", err)
	}

	s.logger.Info("connect started", "user_id", userID)
	return &ConnectStart{
		AuthorizationURL: s.vendor.AuthCodeURL(state, payload.CodeVerifier, redirectURI),
		State:            state,
		ExpiresAt:        payload.ExpiresAt,
	}, nil
}

// FinishConnect validates the vendor redirect, verifies its state and
// exchanges the code. Malformed, forged or expired callbacks never reach
// the vendor.
func (s *Service) FinishConnect(ctx context.Context, query url.Values) (*store.ConnectionRecord, error) {
	cb, err := auth.ParseCallback(query)
	if err != nil {
		return nil, err
	}
	if cb.Denied() {
		return nil, errs.Validation("authorization denied by vendor: %s", cb.Error)
	}

	payload := s.states.Verify(cb.State)
	if payload == nil {
		return nil, errs.Validation("invalid or expired state")
	}

	conn, err := s.tokens.ExchangeCode(ctx, payload.UserID, cb.Code, payload.CodeVerifier, payload.RedirectURI)
	if err != nil {
		s.logger.Warn("code exchange failed", "user_id", payload.UserID, "error", err)
		return nil, err
	}

	s.logger.Info("connection established", "user_id", payload.UserID)
	s.notifier.Notify(notify.Event{
		Type:    notify.ConnectionConnected,
		UserID:  payload.UserID,
		Message: "wearable connected",
	})
	return conn, nil
}

// Disconnect revokes the user's tokens. Repeated calls succeed.
func (s *Service) Disconnect(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return errs.Validation("user id must be positive")
	}
	if err := s.tokens.Revoke(ctx, userID); err != nil {
		return err
	}

	s.notifier.Notify(notify.Event{
		Type:    notify.ConnectionRevoked,
		UserID:  userID,
		Message: "wearable disconnected",
	})
	return nil
}

// Status returns the user's connection. A user who never connected is
// reported as disconnected rather than as an error.
func (s *Service) Status(ctx context.Context, userID int64) (*store.ConnectionRecord, error) {
	if userID <= 0 {
		return nil, errs.Validation("user id must be positive")
	}
	conn, err := s.store.GetConnection(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.ConnectionRecord{UserID: userID, Status: store.StatusDisconnected}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}
	return conn, nil
}

// SyncStateUpdate is written by background jobs. Zero times are left
// untouched; the cursor never moves backwards.
type SyncStateUpdate struct {
	LastSyncAt time.Time
	Cursor     time.Time
	Error      *store.ErrorState
}

// MarkSyncState records sync bookkeeping for userID.
func (s *Service) MarkSyncState(ctx context.Context, userID int64, u SyncStateUpdate) error {
	if userID <= 0 {
		return errs.Validation("user id must be positive")
	}
	err := s.store.MarkSyncState(ctx, userID, store.SyncState{
		LastSyncAt: u.LastSyncAt,
		Cursor:     u.Cursor,
		Error:      u.Error,
	})
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: user %d", errs.ErrNotConnected, userID)
	}
	if err != nil {
		return fmt.Errorf("marking sync state: %w", err)
	}
	return nil
}

// CheckPermissions compares the vendor grant against the configured
// required permissions. When some are missing the error is a
// *errs.MissingPermissionsError naming exactly those.
func (s *Service) CheckPermissions(ctx context.Context, userID int64) ([]string, error) {
	if userID <= 0 {
		return nil, errs.Validation("user id must be positive")
	}
	token, err := s.tokens.GetValidAccessToken(ctx, userID)
	if err != nil {
		return nil, err
	}
	granted, err := s.vendor.Permissions(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("loading permissions: %w", err)
	}
	if err := errs.NewMissingPermissions(s.required, granted); err != nil {
		s.logger.Info("permissions missing", "user_id", userID, "error", err)
		return granted, err
	}
	return granted, nil
}

var _ Vendor = (*vendor.Client)(nil)
