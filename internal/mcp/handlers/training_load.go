package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/stride/internal/coach"
)

// TrainingLoad returns a handler that reports the acute:chronic workload
// ratio over the last 28 days of vendor activities.
func TrainingLoad(c Coach) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		userID, bad := userIDArg(args)
		if bad != nil {
			return bad, nil
		}

		in := coach.TrainingLoadRequest{
			UserID:       userID,
			MCPSessionID: sessionID(ctx),
		}
		if hr, ok := args["threshold_hr"].(float64); ok {
			in.ThresholdHeartRate = &hr
		}
		in.EndDate, _ = args["end_date"].(string)
		in.AnchorToLatest, _ = args["anchor_latest"].(bool)

		rep, err := c.TrainingLoad(ctx, in)
		if err != nil {
			return toolError(err), nil
		}
		return mcp.NewToolResultText(formatTrainingLoad(rep)), nil
	}
}

func formatTrainingLoad(rep *coach.TrainingLoadReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Training load %s to %s\n\n", rep.StartDate, rep.EndDate)
	if rep.ACWR != nil {
		fmt.Fprintf(&b, "- ACWR: %.2f (%s)\n", *rep.ACWR, rep.Zone)
	} else {
		fmt.Fprintf(&b, "- ACWR: n/a (%s)\n", rep.Zone)
	}
	fmt.Fprintf(&b, "- Acute load: %.0f\n", rep.AcuteLoad)
	fmt.Fprintf(&b, "- Chronic load: %.0f\n", rep.ChronicLoad)
	if rep.Monotony != nil {
		fmt.Fprintf(&b, "- Monotony: %.2f\n", *rep.Monotony)
	}
	fmt.Fprintf(&b, "- Strain: %.0f\n", rep.Strain)
	fmt.Fprintf(&b, "- Activities: %d\n", rep.Activities)
	fmt.Fprintf(&b, "- Confidence: %s (%d/28 days with load)\n", rep.Evidence.Confidence, rep.Evidence.DataPointsUsed)
	if len(rep.Evidence.Flags) > 0 {
		fmt.Fprintf(&b, "- Flags: %s\n", strings.Join(rep.Evidence.Flags, ", "))
	}

	fmt.Fprintf(&b, "\n%s\n", rep.Recommendation)
	if rep.Evidence.UserExplanation != "" {
		fmt.Fprintf(&b, "%s\n", rep.Evidence.UserExplanation)
	}
	fmt.Fprintf(&b, "\n%s", rep.Disclaimer)
	return b.String()
}
