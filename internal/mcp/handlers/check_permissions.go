package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/stride/internal/errs"
)

// CheckPermissions returns a handler that lists the vendor permissions a
// user granted and any required ones still missing.
func CheckPermissions(c Coach) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, bad := userIDArg(req.GetArguments())
		if bad != nil {
			return bad, nil
		}

		granted, err := c.CheckPermissions(ctx, userID)
		var missing *errs.MissingPermissionsError
		if err != nil && !errors.As(err, &missing) {
			return toolError(err), nil
		}

		var b strings.Builder
		if len(granted) == 0 {
			b.WriteString("Granted: none\n")
		} else {
			fmt.Fprintf(&b, "Granted: %s\n", strings.Join(granted, ", "))
		}
		if missing != nil {
			fmt.Fprintf(&b, "Missing: %s\n", strings.Join(missing.Missing, ", "))
			b.WriteString("\nAsk the user to enable these permissions in the vendor app; reconnecting is not required.")
			return mcp.NewToolResultError(b.String()), nil
		}
		b.WriteString("All required permissions are granted.")
		return mcp.NewToolResultText(b.String()), nil
	}
}
