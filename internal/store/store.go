package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a connection or token row does not exist.
var ErrNotFound = errors.New("not found")

// Store persists per-user vendor connections and their encrypted tokens.
// Token values are ciphertext; the store never sees plaintext credentials.
type Store interface {
	// Connections
	GetConnection(ctx context.Context, userID int64) (*ConnectionRecord, error)
	UpsertConnection(ctx context.Context, c *ConnectionRecord) error
	UpdateStatus(ctx context.Context, change StatusChange) error
	MarkSyncState(ctx context.Context, userID int64, s SyncState) error

	// Tokens (1:1 with a connection)
	GetToken(ctx context.Context, userID int64) (*TokenRecord, error)
	PutToken(ctx context.Context, t *TokenRecord) error
	DeleteToken(ctx context.Context, userID int64) error

	Close() error
}

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusRevoked      Status = "revoked"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Active reports whether tokens for this connection may still be used.
// A connection in error can recover through a successful refresh.
func (s Status) Active() bool {
	return s == StatusConnected || s == StatusError
}

// ErrorState records the last unrecoverable failure on a connection.
type ErrorState struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ConnectionRecord is the per-user vendor connection. Zero times mean unset.
type ConnectionRecord struct {
	UserID         int64       `json:"userId"`
	ExternalUserID string      `json:"externalUserId"`
	Scopes         []string    `json:"scopes"`
	Status         Status      `json:"status"`
	ConnectedAt    time.Time   `json:"connectedAt"`
	RevokedAt      time.Time   `json:"revokedAt"`
	LastSyncAt     time.Time   `json:"lastSyncAt"`
	LastSyncCursor time.Time   `json:"lastSyncCursor"`
	Error          *ErrorState `json:"errorState,omitempty"`
}

// TokenRecord holds encrypted credentials for one user.
type TokenRecord struct {
	UserID                int64     `json:"userId"`
	AccessTokenEncrypted  string    `json:"accessTokenEncrypted"`
	RefreshTokenEncrypted string    `json:"refreshTokenEncrypted,omitempty"`
	ExpiresAt             time.Time `json:"expiresAt"`
	RotatedAt             time.Time `json:"rotatedAt"`
}

// StatusChange moves a connection to a new status. Error replaces the stored
// error state (nil clears it). At stamps RevokedAt for revoked and
// disconnected transitions.
type StatusChange struct {
	UserID int64
	Status Status
	Error  *ErrorState
	At     time.Time
}

// SyncState is written by background sync jobs. Zero LastSyncAt leaves the
// stored value untouched. Cursor only replaces the stored cursor when it is
// chronologically at or after it. Error replaces the stored error state;
// nil clears it.
type SyncState struct {
	LastSyncAt time.Time
	Cursor     time.Time
	Error      *ErrorState
}

// applyUpsert merges an incoming connection into the stored one, keeping the
// sync bookkeeping across reconnects.
func applyUpsert(stored *ConnectionRecord, in *ConnectionRecord) *ConnectionRecord {
	out := *in
	out.Scopes = append([]string(nil), in.Scopes...)
	out.RevokedAt = time.Time{}
	out.Error = nil
	if stored != nil {
		out.LastSyncAt = stored.LastSyncAt
		out.LastSyncCursor = stored.LastSyncCursor
	}
	return &out
}

func applyStatus(c *ConnectionRecord, change StatusChange) {
	c.Status = change.Status
	c.Error = cloneError(change.Error)
	switch change.Status {
	case StatusRevoked, StatusDisconnected:
		c.RevokedAt = change.At
	case StatusConnected:
		c.RevokedAt = time.Time{}
	}
}

func applySyncState(c *ConnectionRecord, s SyncState) {
	if !s.LastSyncAt.IsZero() {
		c.LastSyncAt = s.LastSyncAt
	}
	if !s.Cursor.IsZero() && !s.Cursor.Before(c.LastSyncCursor) {
		c.LastSyncCursor = s.Cursor
	}
	c.Error = cloneError(s.Error)
}

func cloneError(e *ErrorState) *ErrorState {
	if e == nil {
		return nil
	}
	cp := *e
	return &cp
}
