// Package handlers implements the MCP tools of the wearable integration.
package handlers

import (
	"context"
	"fmt"
	"math"
	"net/url"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/stride/internal/coach"
	"github.com/btouchard/stride/internal/errs"
	"github.com/btouchard/stride/internal/store"
)

// Coach is the orchestration surface the tools call.
// Defined at the consumer side per Go convention.
type Coach interface {
	StartConnect(ctx context.Context, userID int64, redirectURI string) (*coach.ConnectStart, error)
	Status(ctx context.Context, userID int64) (*store.ConnectionRecord, error)
	Sync(ctx context.Context, req coach.SyncRequest) (*coach.SyncResult, error)
	TrainingLoad(ctx context.Context, req coach.TrainingLoadRequest) (*coach.TrainingLoadReport, error)
	CheckPermissions(ctx context.Context, userID int64) ([]string, error)
}

var _ Coach = (*coach.Service)(nil)

// userIDArg reads the required user_id argument. JSON numbers arrive as
// float64.
func userIDArg(args map[string]any) (int64, *mcp.CallToolResult) {
	v, ok := args["user_id"].(float64)
	if !ok {
		return 0, mcp.NewToolResultError("user_id is required")
	}
	if v <= 0 || v != math.Trunc(v) || v > math.MaxInt64/2 {
		return 0, mcp.NewToolResultError("user_id must be a positive integer")
	}
	return int64(v), nil
}

// toolError renders err with its taxonomy code so the agent can tell a
// reconnect request from a transient outage.
func toolError(err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", errs.Code(err), err))
}

// sessionID returns the calling MCP session, used to target notifications.
func sessionID(ctx context.Context) string {
	if sess := server.ClientSessionFromContext(ctx); sess != nil {
		return sess.SessionID()
	}
	return ""
}

// callbackHint is appended to connect results so the agent relays the URL.
func callbackHint(u string) string {
	if parsed, err := url.Parse(u); err == nil && parsed.Host != "" {
		return fmt.Sprintf("Open this link to authorize %s:", parsed.Host)
	}
	return "Open this link to authorize:"
}
