package api

import (
	"context"
	"net/url"

	"github.com/btouchard/stride/internal/coach"
	"github.com/btouchard/stride/internal/store"
)

// Unavailable returns a Coach that fails every call with err. The server
// uses it when vendor credentials are missing so callers get a 503 instead
// of a refused connection.
func Unavailable(err error) Coach {
	return unavailable{err: err}
}

type unavailable struct{ err error }

func (u unavailable) StartConnect(context.Context, int64, string) (*coach.ConnectStart, error) {
	return nil, u.err
}

func (u unavailable) FinishConnect(context.Context, url.Values) (*store.ConnectionRecord, error) {
	return nil, u.err
}

func (u unavailable) Disconnect(context.Context, int64) error { return u.err }

func (u unavailable) Status(context.Context, int64) (*store.ConnectionRecord, error) {
	return nil, u.err
}

func (u unavailable) Sync(context.Context, coach.SyncRequest) (*coach.SyncResult, error) {
	return nil, u.err
}

func (u unavailable) MarkSyncState(context.Context, int64, coach.SyncStateUpdate) error {
	return u.err
}

func (u unavailable) TrainingLoad(context.Context, coach.TrainingLoadRequest) (*coach.TrainingLoadReport, error) {
	return nil, u.err
}

func (u unavailable) CheckPermissions(context.Context, int64) ([]string, error) {
	return nil, u.err
}
