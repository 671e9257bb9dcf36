package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ConnectWearable returns a handler that starts the OAuth round-trip and
// hands back the vendor authorization URL.
func ConnectWearable(c Coach) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		userID, bad := userIDArg(args)
		if bad != nil {
			return bad, nil
		}
		redirectURI, _ := args["redirect_uri"].(string)

		start, err := c.StartConnect(ctx, userID, redirectURI)
		if err != nil {
			return toolError(err), nil
		}

		var b strings.Builder
		fmt.Fprintf(&b, "%s\n\n%s\n\n", callbackHint(start.AuthorizationURL), start.AuthorizationURL)
		fmt.Fprintf(&b, "The link expires at %s.", start.ExpiresAt.UTC().Format(time.RFC3339))
		return mcp.NewToolResultText(b.String()), nil
	}
}
