package notify

import (
	"context"
	"log/slog"
	"strconv"
)

// Event types.
const (
	SyncProgress        = "sync.progress"
	SyncCompleted       = "sync.completed"
	SyncFailed          = "sync.failed"
	SyncFallback        = "sync.fallback"
	ConnectionConnected = "connection.connected"
	ConnectionRevoked   = "connection.revoked"
	ConnectionError     = "connection.error"
)

// Event represents a sync or connection lifecycle notification.
type Event struct {
	Type    string
	UserID  int64
	Dataset string // empty for connection events
	Message string

	// Progress is set on sync.progress events.
	Progress, Total int

	// MCPSessionID targets a specific MCP client session.
	// Empty means broadcast to all.
	MCPSessionID string
}

// Key identifies the sync an event belongs to.
func (e Event) Key() string {
	return strconv.FormatInt(e.UserID, 10) + "/" + e.Dataset
}

// Notifier sends lifecycle notifications.
type Notifier interface {
	Notify(event Event)
}

// Hub dispatches events to multiple notifiers.
type Hub struct {
	notifiers []Notifier
}

// NewHub creates a Hub with the given notifiers.
func NewHub(notifiers ...Notifier) *Hub {
	return &Hub{notifiers: notifiers}
}

// Add registers another notifier. Not safe for use once events flow.
func (h *Hub) Add(n Notifier) {
	h.notifiers = append(h.notifiers, n)
}

// Notify sends an event to all registered notifiers.
func (h *Hub) Notify(event Event) {
	for _, n := range h.notifiers {
		go n.Notify(event)
	}
}

// LogNotifier writes events to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

func (l LogNotifier) Notify(event Event) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelInfo
	switch event.Type {
	case SyncProgress:
		level = slog.LevelDebug
	case SyncFailed, ConnectionError:
		level = slog.LevelWarn
	}

	attrs := []any{"type", event.Type, "user_id", event.UserID}
	if event.Dataset != "" {
		attrs = append(attrs, "dataset", event.Dataset)
	}
	if event.Total > 0 {
		attrs = append(attrs, "progress", event.Progress, "total", event.Total)
	}
	logger.Log(context.Background(), level, event.Message, attrs...)
}
