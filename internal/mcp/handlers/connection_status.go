package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/stride/internal/store"
)

// ConnectionStatus returns a handler that reports a user's wearable
// connection and sync bookkeeping.
func ConnectionStatus(c Coach) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, bad := userIDArg(req.GetArguments())
		if bad != nil {
			return bad, nil
		}

		conn, err := c.Status(ctx, userID)
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(formatConnection(conn)), nil
	}
}

func formatConnection(conn *store.ConnectionRecord) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Status: %s\n", conn.Status)
	if conn.ExternalUserID != "" {
		fmt.Fprintf(&b, "Vendor user: %s\n", conn.ExternalUserID)
	}
	if !conn.ConnectedAt.IsZero() {
		fmt.Fprintf(&b, "Connected: %s\n", conn.ConnectedAt.UTC().Format(time.RFC3339))
	}
	if !conn.RevokedAt.IsZero() {
		fmt.Fprintf(&b, "Revoked: %s\n", conn.RevokedAt.UTC().Format(time.RFC3339))
	}
	if conn.LastSyncAt.IsZero() {
		b.WriteString("Last sync: never\n")
	} else {
		fmt.Fprintf(&b, "Last sync: %s\n", conn.LastSyncAt.UTC().Format(time.RFC3339))
	}
	if !conn.LastSyncCursor.IsZero() {
		fmt.Fprintf(&b, "Synced through: %s\n", conn.LastSyncCursor.UTC().Format(time.RFC3339))
	}
	if conn.Error != nil {
		fmt.Fprintf(&b, "Last error: %s (%s)\n", conn.Error.Message, conn.Error.At.UTC().Format(time.RFC3339))
	}

	switch conn.Status {
	case store.StatusDisconnected, store.StatusRevoked:
		b.WriteString("\nUse connect_wearable to link a device.")
	case store.StatusError:
		b.WriteString("\nThe connection needs attention; reconnect with connect_wearable if syncs keep failing.")
	}
	return b.String()
}
