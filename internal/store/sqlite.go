package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339

var migrations = []string{
	`CREATE TABLE oauth_connections (
		user_id          INTEGER PRIMARY KEY,
		external_user_id TEXT NOT NULL DEFAULT '',
		scopes           TEXT NOT NULL DEFAULT '[]',
		status           TEXT NOT NULL,
		connected_at     TEXT NOT NULL DEFAULT '',
		revoked_at       TEXT NOT NULL DEFAULT '',
		last_sync_at     TEXT NOT NULL DEFAULT '',
		last_sync_cursor TEXT NOT NULL DEFAULT '',
		error_state      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE oauth_tokens (
		user_id                 INTEGER PRIMARY KEY,
		access_token_encrypted  TEXT NOT NULL,
		refresh_token_encrypted TEXT NOT NULL DEFAULT '',
		expires_at              TEXT NOT NULL,
		rotated_at              TEXT NOT NULL
	)`,
	`CREATE INDEX idx_oauth_connections_status ON oauth_connections(status)`,
}

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, zero CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
// The database file is created with 0600 permissions and its parent directory with 0700.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}

		// Pre-create the file with restrictive permissions if it doesn't exist
		if _, err := os.Stat(path); os.IsNotExist(err) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
			if err != nil {
				return nil, fmt.Errorf("creating database file: %w", err)
			}
			_ = f.Close()
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite handles one writer at a time
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	var current int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		slog.Info("applying migration", "version", i+1)
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("recording migration %d: %w", i+1, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Connections ---

func (s *SQLiteStore) GetConnection(ctx context.Context, userID int64) (*ConnectionRecord, error) {
	var c ConnectionRecord
	var scopes, status, connectedAt, revokedAt, lastSyncAt, cursor, errState string

	err := s.db.QueryRowContext(ctx, `SELECT user_id, external_user_id, scopes, status,
		connected_at, revoked_at, last_sync_at, last_sync_cursor, error_state
		FROM oauth_connections WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.ExternalUserID, &scopes, &status,
			&connectedAt, &revokedAt, &lastSyncAt, &cursor, &errState)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}

	if err := json.Unmarshal([]byte(scopes), &c.Scopes); err != nil {
		return nil, fmt.Errorf("decoding scopes: %w", err)
	}
	c.Status = Status(status)
	c.ConnectedAt = parseTime(connectedAt)
	c.RevokedAt = parseTime(revokedAt)
	c.LastSyncAt = parseTime(lastSyncAt)
	c.LastSyncCursor = parseTime(cursor)
	if c.Error, err = decodeErrorState(errState); err != nil {
		return nil, err
	}

	return &c, nil
}

func (s *SQLiteStore) UpsertConnection(ctx context.Context, c *ConnectionRecord) error {
	scopes, err := json.Marshal(nonNil(c.Scopes))
	if err != nil {
		return fmt.Errorf("encoding scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO oauth_connections
		(user_id, external_user_id, scopes, status, connected_at, revoked_at, error_state)
		VALUES (?, ?, ?, ?, ?, '', '')
		ON CONFLICT(user_id) DO UPDATE SET
			external_user_id = excluded.external_user_id,
			scopes = excluded.scopes,
			status = excluded.status,
			connected_at = excluded.connected_at,
			revoked_at = '',
			error_state = ''`,
		c.UserID, c.ExternalUserID, string(scopes), string(c.Status), formatTime(c.ConnectedAt))
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, change StatusChange) error {
	errState, err := encodeErrorState(change.Error)
	if err != nil {
		return err
	}

	var revokedExpr string
	var args []interface{}
	switch change.Status {
	case StatusRevoked, StatusDisconnected:
		revokedExpr = "?"
		args = append(args, formatTime(change.At))
	case StatusConnected:
		revokedExpr = "''"
	default:
		revokedExpr = "revoked_at"
	}

	query := "UPDATE oauth_connections SET status = ?, error_state = ?, revoked_at = " + revokedExpr + " WHERE user_id = ?"
	args = append([]interface{}{string(change.Status), errState}, args...)
	args = append(args, change.UserID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating connection status: %w", err)
	}
	return requireRow(res)
}

// MarkSyncState relies on UTC RFC 3339 strings sorting chronologically, so
// the cursor comparison happens inside a single UPDATE.
func (s *SQLiteStore) MarkSyncState(ctx context.Context, userID int64, st SyncState) error {
	errState, err := encodeErrorState(st.Error)
	if err != nil {
		return err
	}
	cursor := formatTime(st.Cursor)
	lastSync := formatTime(st.LastSyncAt)

	res, err := s.db.ExecContext(ctx, `UPDATE oauth_connections SET
		last_sync_at = CASE WHEN ? = '' THEN last_sync_at ELSE ? END,
		last_sync_cursor = CASE WHEN ? <> '' AND ? >= last_sync_cursor THEN ? ELSE last_sync_cursor END,
		error_state = ?
		WHERE user_id = ?`,
		lastSync, lastSync,
		cursor, cursor, cursor,
		errState,
		userID)
	if err != nil {
		return fmt.Errorf("marking sync state: %w", err)
	}
	return requireRow(res)
}

// --- Tokens ---

func (s *SQLiteStore) GetToken(ctx context.Context, userID int64) (*TokenRecord, error) {
	var t TokenRecord
	var expiresAt, rotatedAt string

	err := s.db.QueryRowContext(ctx, `SELECT user_id, access_token_encrypted, refresh_token_encrypted, expires_at, rotated_at
		FROM oauth_tokens WHERE user_id = ?`, userID).
		Scan(&t.UserID, &t.AccessTokenEncrypted, &t.RefreshTokenEncrypted, &expiresAt, &rotatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting token: %w", err)
	}

	t.ExpiresAt = parseTime(expiresAt)
	t.RotatedAt = parseTime(rotatedAt)
	return &t, nil
}

func (s *SQLiteStore) PutToken(ctx context.Context, t *TokenRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO oauth_tokens
		(user_id, access_token_encrypted, refresh_token_encrypted, expires_at, rotated_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.UserID, t.AccessTokenEncrypted, t.RefreshTokenEncrypted, formatTime(t.ExpiresAt), formatTime(t.RotatedAt))
	if err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, userID int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM oauth_tokens WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return nil
}

// --- Helpers ---

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeErrorState(e *ErrorState) (string, error) {
	if e == nil {
		return "", nil
	}
	raw, err := json.Marshal(ErrorState{Message: e.Message, At: e.At.UTC().Truncate(time.Second)})
	if err != nil {
		return "", fmt.Errorf("encoding error state: %w", err)
	}
	return string(raw), nil
}

func decodeErrorState(s string) (*ErrorState, error) {
	if s == "" {
		return nil, nil
	}
	var e ErrorState
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return nil, fmt.Errorf("decoding error state: %w", err)
	}
	return &e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}
