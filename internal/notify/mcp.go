package notify

import (
	"log/slog"
	"sync"
	"time"
)

// MCPSender abstracts the mcp-go server notification methods.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
	SendNotificationToAllClients(method string, params map[string]any)
}

// MCPNotifier pushes sync and connection updates to MCP clients.
type MCPNotifier struct {
	sender   MCPSender
	debounce time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time // event key → last progress notification time
}

// NewMCPNotifier creates an MCPNotifier with the given debounce interval
// for progress events. Terminal events are always sent immediately.
func NewMCPNotifier(sender MCPSender, debounce time.Duration) *MCPNotifier {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &MCPNotifier{
		sender:   sender,
		debounce: debounce,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Notify sends an MCP notification for the given event.
func (n *MCPNotifier) Notify(event Event) {
	switch event.Type {
	case SyncProgress:
		n.sendProgress(event)
	case SyncFallback:
		n.sendMessage(event, "warning")
	case SyncCompleted, ConnectionConnected, ConnectionRevoked:
		n.clearDebounce(event.Key())
		n.sendMessage(event, "info")
	case SyncFailed, ConnectionError:
		n.clearDebounce(event.Key())
		n.sendMessage(event, "error")
	default:
		slog.Debug("mcp notifier: unknown event type", "type", event.Type)
	}
}

// sendProgress sends a notifications/progress with debounce.
func (n *MCPNotifier) sendProgress(event Event) {
	key := event.Key()
	now := n.now()

	n.mu.Lock()
	last, ok := n.lastSent[key]
	if ok && now.Sub(last) < n.debounce {
		n.mu.Unlock()
		return
	}
	n.lastSent[key] = now
	n.mu.Unlock()

	params := map[string]any{
		"progressToken": "sync/" + key,
		"progress":      event.Progress,
		"total":         event.Total,
		"message":       event.Message,
	}

	n.send(event.MCPSessionID, "notifications/progress", params)
}

// sendMessage sends a notifications/message for terminal events.
func (n *MCPNotifier) sendMessage(event Event, level string) {
	data := map[string]any{
		"type":    event.Type,
		"user_id": event.UserID,
		"message": event.Message,
	}
	if event.Dataset != "" {
		data["dataset"] = event.Dataset
	}
	params := map[string]any{
		"level":  level,
		"logger": "stride",
		"data":   data,
	}

	n.send(event.MCPSessionID, "notifications/message", params)
}

// send dispatches to a specific client or broadcasts.
func (n *MCPNotifier) send(mcpSessionID, method string, params map[string]any) {
	if mcpSessionID != "" {
		if err := n.sender.SendNotificationToSpecificClient(mcpSessionID, method, params); err != nil {
			slog.Debug("mcp notification failed, falling back to broadcast",
				"session_id", mcpSessionID,
				"method", method,
				"error", err)
			n.sender.SendNotificationToAllClients(method, params)
		}
		return
	}
	n.sender.SendNotificationToAllClients(method, params)
}

// clearDebounce removes the debounce entry for a finished sync.
func (n *MCPNotifier) clearDebounce(key string) {
	n.mu.Lock()
	delete(n.lastSent, key)
	n.mu.Unlock()
}
