package mcp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/stride/internal/coach"
	"github.com/btouchard/stride/internal/store"
)

type stubCoach struct{}

func (stubCoach) StartConnect(context.Context, int64, string) (*coach.ConnectStart, error) {
	return &coach.ConnectStart{AuthorizationURL: "https://vendor.test/authorize"}, nil
}

func (stubCoach) Status(_ context.Context, userID int64) (*store.ConnectionRecord, error) {
	return &store.ConnectionRecord{UserID: userID, Status: store.StatusConnected}, nil
}

func (stubCoach) Sync(context.Context, coach.SyncRequest) (*coach.SyncResult, error) {
	return &coach.SyncResult{}, nil
}

func (stubCoach) TrainingLoad(context.Context, coach.TrainingLoadRequest) (*coach.TrainingLoadReport, error) {
	return &coach.TrainingLoadReport{}, nil
}

func (stubCoach) CheckPermissions(context.Context, int64) ([]string, error) {
	return nil, nil
}

func TestNewServer_RegistersTools(t *testing.T) {
	t.Parallel()
	s := NewServer(&Deps{Coach: stubCoach{}, Version: "test"})

	tools := s.ListTools()
	require.Len(t, tools, 5)
	for _, name := range []string{"connect_wearable", "connection_status", "sync_dataset", "training_load", "check_permissions"} {
		tool, ok := tools[name]
		require.True(t, ok, name)
		assert.Contains(t, tool.Tool.InputSchema.Required, "user_id", name)
	}
	assert.Contains(t, tools["sync_dataset"].Tool.InputSchema.Required, "dataset")
}
