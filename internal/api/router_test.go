package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/stride/internal/auth"
	"github.com/btouchard/stride/internal/coach"
	"github.com/btouchard/stride/internal/errs"
	"github.com/btouchard/stride/internal/fetch"
	"github.com/btouchard/stride/internal/store"
	"github.com/btouchard/stride/internal/trainingload"
)

const testToken = "stride-test-token"

var t0 = time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

type fakeCoach struct {
	err       error
	syncReq   coach.SyncRequest
	loadReq   coach.TrainingLoadRequest
	stateUser int64
	state     coach.SyncStateUpdate
	query     url.Values
	panicOn   string
}

func (f *fakeCoach) StartConnect(_ context.Context, userID int64, redirectURI string) (*coach.ConnectStart, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &coach.ConnectStart{
		AuthorizationURL: "https://vendor.test/authorize?user=" + fmt.Sprint(userID) + "&redirect=" + redirectURI,
		State:            "st",
		ExpiresAt:        t0,
	}, nil
}

func (f *fakeCoach) FinishConnect(_ context.Context, query url.Values) (*store.ConnectionRecord, error) {
	f.query = query
	if f.err != nil {
		return nil, f.err
	}
	return &store.ConnectionRecord{UserID: 7, Status: store.StatusConnected, ConnectedAt: t0}, nil
}

func (f *fakeCoach) Disconnect(context.Context, int64) error { return f.err }

func (f *fakeCoach) Status(_ context.Context, userID int64) (*store.ConnectionRecord, error) {
	if f.panicOn == "status" {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &store.ConnectionRecord{UserID: userID, Status: store.StatusDisconnected}, nil
}

func (f *fakeCoach) Sync(_ context.Context, req coach.SyncRequest) (*coach.SyncResult, error) {
	f.syncReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &coach.SyncResult{Dataset: fetch.Sleeps, Source: fetch.SourceUpload, Records: 2}, nil
}

func (f *fakeCoach) MarkSyncState(_ context.Context, userID int64, u coach.SyncStateUpdate) error {
	f.stateUser, f.state = userID, u
	return f.err
}

func (f *fakeCoach) TrainingLoad(_ context.Context, req coach.TrainingLoadRequest) (*coach.TrainingLoadReport, error) {
	f.loadReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &coach.TrainingLoadReport{
		Result:     trainingload.Result{EndDate: "2026-02-18", Zone: trainingload.ZoneSweet},
		Activities: 3,
	}, nil
}

func (f *fakeCoach) CheckPermissions(context.Context, int64) ([]string, error) {
	if f.err != nil {
		return []string{"HEALTH_EXPORT"}, f.err
	}
	return []string{"HEALTH_EXPORT"}, nil
}

func newTestRouter(f *fakeCoach) http.Handler {
	mcp := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	return NewRouter(f, Options{
		TokenHashes: []string{auth.HashToken(testToken)},
		MCP:         mcp,
		Version:     "test",
	})
}

func do(t *testing.T, h http.Handler, method, target, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRouter_HealthIsPublic(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestRouter(&fakeCoach{}), http.MethodGet, "/health", "", false)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRouter_RequiresBearerToken(t *testing.T) {
	t.Parallel()
	h := newTestRouter(&fakeCoach{})

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic " + testToken},
		{"unknown token", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for _, target := range []string{"/api/v1/users/1/connection", "/mcp"} {
				req := httptest.NewRequest(http.MethodGet, target, nil)
				if tt.header != "" {
					req.Header.Set("Authorization", tt.header)
				}
				rec := httptest.NewRecorder()
				h.ServeHTTP(rec, req)
				assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestRouter_MountsMCPBehindAuth(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestRouter(&fakeCoach{}), http.MethodPost, "/mcp", "{}", true)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRouter_CallbackIsPublicAndPassesQuery(t *testing.T) {
	t.Parallel()
	f := &fakeCoach{}
	rec := do(t, newTestRouter(f), http.MethodGet, "/oauth/callback?code=abc&state=xyz", "", false)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc", f.query.Get("code"))
	assert.Equal(t, "xyz", f.query.Get("state"))
	body := decode(t, rec)
	assert.Equal(t, "connected", body["status"])
	assert.Nil(t, body["revokedAt"])
}

func TestRouter_CallbackValidationErrorIs400(t *testing.T) {
	t.Parallel()
	f := &fakeCoach{err: errs.Validation("invalid or expired state")}
	rec := do(t, newTestRouter(f), http.MethodGet, "/oauth/callback?code=abc&state=bad", "", false)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "validation_error", body["code"])
	assert.NotEmpty(t, body["requestId"])
}

func TestRouter_Connect(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestRouter(&fakeCoach{}), http.MethodPost, "/api/v1/users/42/connect",
		`{"redirectUri":"https://app.test/cb"}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "https://vendor.test/authorize?user=42&redirect=https://app.test/cb", body["authorizationUrl"])
	assert.Equal(t, "st", body["state"])
}

func TestRouter_ConnectWithoutBodyUsesDefaults(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestRouter(&fakeCoach{}), http.MethodPost, "/api/v1/users/42/connect", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_RejectsBadUserID(t *testing.T) {
	t.Parallel()
	for _, id := range []string{"abc", "0", "-3"} {
		rec := do(t, newTestRouter(&fakeCoach{}), http.MethodGet, "/api/v1/users/"+id+"/connection", "", true)
		assert.Equal(t, http.StatusBadRequest, rec.Code, id)
	}
}

func TestRouter_SyncPassesDatasetAndDays(t *testing.T) {
	t.Parallel()
	f := &fakeCoach{}
	rec := do(t, newTestRouter(f), http.MethodPost, "/api/v1/users/3/sync/sleeps?days=14", "", true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, coach.SyncRequest{UserID: 3, Dataset: "sleeps", Days: 14}, f.syncReq)
	assert.Equal(t, "upload", decode(t, rec)["source"])

	rec = do(t, newTestRouter(f), http.MethodPost, "/api/v1/users/3/sync/sleeps?days=many", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_MapsErrorTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		code   string
	}{
		{errs.ErrNotConnected, http.StatusUnauthorized, "not_connected"},
		{&errs.VendorError{Op: "pull", StatusCode: 503}, http.StatusServiceUnavailable, "vendor_transient"},
		{&errs.FallbackExhaustedError{Dataset: "sleeps", Err: errs.ErrVendorTerminal}, http.StatusBadGateway, "protocol_fallback_exhausted"},
		{errs.Configuration("missing vendor.client_id"), http.StatusServiceUnavailable, "configuration_error"},
	}
	for _, tt := range tests {
		rec := do(t, newTestRouter(&fakeCoach{err: tt.err}), http.MethodPost, "/api/v1/users/3/sync/activities", "", true)
		assert.Equal(t, tt.status, rec.Code, tt.code)
		assert.Equal(t, tt.code, decode(t, rec)["code"])
	}
}

func TestRouter_InternalErrorsAreNotDescribed(t *testing.T) {
	t.Parallel()
	f := &fakeCoach{err: fmt.Errorf("opening token: %w", errs.ErrDecryption)}
	rec := do(t, newTestRouter(f), http.MethodGet, "/api/v1/users/3/connection", "", true)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "decryption_error", body["code"])
	assert.Equal(t, "internal server error", body["message"])
}

func TestRouter_PermissionsListsMissing(t *testing.T) {
	t.Parallel()
	f := &fakeCoach{err: errs.NewMissingPermissions([]string{"HEALTH_EXPORT", "ACTIVITY_EXPORT"}, []string{"HEALTH_EXPORT"})}
	rec := do(t, newTestRouter(f), http.MethodGet, "/api/v1/users/3/permissions", "", true)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "missing_permissions", body["code"])
	assert.Equal(t, []any{"ACTIVITY_EXPORT"}, body["missing"])

	rec = do(t, newTestRouter(&fakeCoach{}), http.MethodGet, "/api/v1/users/3/permissions", "", true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_SyncState(t *testing.T) {
	t.Parallel()
	f := &fakeCoach{}
	rec := do(t, newTestRouter(f), http.MethodPut, "/api/v1/users/5/sync-state",
		`{"lastSyncAt":"2026-02-18T12:00:00Z","lastSyncCursor":"2026-02-18T11:00:00+01:00","errorState":{"message":"late","at":"2026-02-18T12:00:00Z"}}`, true)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, int64(5), f.stateUser)
	assert.Equal(t, t0, f.state.LastSyncAt)
	assert.Equal(t, t0.Add(-2*time.Hour), f.state.Cursor)
	require.NotNil(t, f.state.Error)
	assert.Equal(t, "late", f.state.Error.Message)

	rec = do(t, newTestRouter(f), http.MethodPut, "/api/v1/users/5/sync-state", `{"bogus":1}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, newTestRouter(f), http.MethodPut, "/api/v1/users/5/sync-state", `{"errorState":{"message":" "}}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_TrainingLoadQuery(t *testing.T) {
	t.Parallel()
	f := &fakeCoach{}
	rec := do(t, newTestRouter(f), http.MethodGet,
		"/api/v1/users/9/training-load?threshold_hr=165&anchor=latest&end_date=2026-02-10", "", true)

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.loadReq.ThresholdHeartRate)
	assert.Equal(t, 165.0, *f.loadReq.ThresholdHeartRate)
	assert.True(t, f.loadReq.AnchorToLatest)
	assert.Equal(t, "2026-02-10", f.loadReq.EndDate)
	body := decode(t, rec)
	assert.Equal(t, "sweet_zone", body["zone"])
	assert.Equal(t, float64(3), body["activities"])

	rec = do(t, newTestRouter(f), http.MethodGet, "/api/v1/users/9/training-load?threshold_hr=x", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRouter_DisconnectIsNoContent(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestRouter(&fakeCoach{}), http.MethodDelete, "/api/v1/users/5/connection", "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRouter_RecoversFromPanics(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestRouter(&fakeCoach{panicOn: "status"}), http.MethodGet, "/api/v1/users/5/connection", "", true)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decode(t, rec)["code"])
}

func TestUnavailable_SurfacesConfigurationAs503(t *testing.T) {
	t.Parallel()
	h := NewRouter(Unavailable(errs.Configuration("missing vendor.client_id")), Options{
		TokenHashes: []string{auth.HashToken(testToken)},
	})

	rec := do(t, h, http.MethodGet, "/oauth/callback?code=a&state=b", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/users/1/sync/sleeps", "", true)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "configuration_error", decode(t, rec)["code"])

	rec = do(t, h, http.MethodGet, "/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}
