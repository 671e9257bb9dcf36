package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/stride/internal/coach"
	"github.com/btouchard/stride/internal/fetch"
)

const previewRecords = 5

// SyncDataset returns a handler that pulls a dataset for a user and
// summarizes it. Progress is pushed to the calling session while windows
// complete.
func SyncDataset(c Coach) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		userID, bad := userIDArg(args)
		if bad != nil {
			return bad, nil
		}
		dataset, _ := args["dataset"].(string)
		if dataset == "" {
			return mcp.NewToolResultError("dataset is required"), nil
		}
		days := 0
		if d, ok := args["days"].(float64); ok && d > 0 {
			days = int(d)
		}

		res, err := c.Sync(ctx, coach.SyncRequest{
			UserID:       userID,
			Dataset:      dataset,
			Days:         days,
			MCPSessionID: sessionID(ctx),
		})
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(formatSync(res)), nil
	}
}

func formatSync(res *coach.SyncResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Synced %s\n\n", res.Dataset)
	fmt.Fprintf(&b, "- Days: %d\n", res.Days)
	fmt.Fprintf(&b, "- Protocol: %s\n", res.Source)
	fmt.Fprintf(&b, "- Windows: %d\n", res.Windows)
	fmt.Fprintf(&b, "- Records: %d", res.Records)
	if res.Duplicates > 0 {
		fmt.Fprintf(&b, " (%d duplicates dropped)", res.Duplicates)
	}
	b.WriteString("\n")
	if !res.Cursor.IsZero() {
		fmt.Fprintf(&b, "- Through: %s\n", res.Cursor.UTC().Format(time.RFC3339))
	}

	switch res.Dataset {
	case fetch.Sleeps:
		for i, s := range res.Sleeps {
			if i == previewRecords {
				fmt.Fprintf(&b, "  ... %d more\n", len(res.Sleeps)-i)
				break
			}
			if i == 0 {
				b.WriteString("\nRecent nights:\n")
			}
			fmt.Fprintf(&b, "  - %s: %s asleep, score %s\n", strOrDash(s.CalendarDate), seconds(s.DurationSeconds), intOrDash(s.Score))
		}
	case fetch.Activities:
		for i, a := range res.Activities {
			if i == previewRecords {
				fmt.Fprintf(&b, "  ... %d more\n", len(res.Activities)-i)
				break
			}
			if i == 0 {
				b.WriteString("\nActivities:\n")
			}
			kind := "activity"
			if a.Type != nil {
				kind = strings.ToLower(*a.Type)
			}
			fmt.Fprintf(&b, "  - %s: %s, %s\n", strOrDash(a.CalendarDate), kind, seconds(a.DurationSeconds))
		}
	}
	return b.String()
}

func seconds(v *int64) string {
	if v == nil {
		return "-"
	}
	return (time.Duration(*v) * time.Second).String()
}

func intOrDash(v *int64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func strOrDash(v *string) string {
	if v == nil {
		return "-"
	}
	return *v
}
