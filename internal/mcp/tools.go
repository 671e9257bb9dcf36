package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/stride/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	userID := mcp.WithNumber("user_id",
		mcp.Required(),
		mcp.Description("Stride user id"),
	)

	// connect_wearable: Start the vendor OAuth flow
	s.AddTool(
		mcp.NewTool("connect_wearable",
			mcp.WithDescription("Start linking a user's wearable. Returns a vendor authorization link the user must open; it expires after 10 minutes."),
			userID,
			mcp.WithString("redirect_uri",
				mcp.Description("Callback URL registered with the vendor. Defaults to the configured one."),
			),
		),
		handlers.ConnectWearable(deps.Coach),
	)

	// connection_status: Connection and sync bookkeeping
	s.AddTool(
		mcp.NewTool("connection_status",
			mcp.WithDescription("Show whether a user's wearable is connected, when it last synced, and the last error if any."),
			userID,
		),
		handlers.ConnectionStatus(deps.Coach),
	)

	// sync_dataset: Pull a dataset from the vendor
	s.AddTool(
		mcp.NewTool("sync_dataset",
			mcp.WithDescription("Pull sleep or activity summaries for the trailing days from the wearable vendor. Progress is reported per day window."),
			userID,
			mcp.WithString("dataset",
				mcp.Required(),
				mcp.Description("Dataset to pull"),
				mcp.Enum("sleeps", "activities"),
			),
			mcp.WithNumber("days",
				mcp.Description("Trailing days to pull (default: 7, max: 30)"),
			),
		),
		handlers.SyncDataset(deps.Coach),
	)

	// training_load: ACWR report
	s.AddTool(
		mcp.NewTool("training_load",
			mcp.WithDescription("Compute the acute:chronic workload ratio, monotony and strain from the last 28 days of activities. This is a wellness heuristic, not medical advice."),
			userID,
			mcp.WithNumber("threshold_hr",
				mcp.Description("Threshold heart rate in bpm. Enables heart-rate weighted load."),
			),
			mcp.WithString("end_date",
				mcp.Description("Last day of the window (YYYY-MM-DD). Defaults to today."),
			),
			mcp.WithBoolean("anchor_latest",
				mcp.Description("End the window on the most recent activity instead of today"),
			),
		),
		handlers.TrainingLoad(deps.Coach),
	)

	// check_permissions: Vendor permission grant
	s.AddTool(
		mcp.NewTool("check_permissions",
			mcp.WithDescription("List the vendor permissions the user granted and any required ones that are missing."),
			userID,
		),
		handlers.CheckPermissions(deps.Coach),
	)
}
