package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/stride/internal/api/middleware"
	"github.com/btouchard/stride/internal/coach"
	"github.com/btouchard/stride/internal/errs"
	"github.com/btouchard/stride/internal/store"
)

const maxBodySize = 64 << 10

type handler struct {
	svc     Coach
	version string
}

type apiError struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Missing   []string `json:"missing,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps err onto the taxonomy status. Internal failures are not
// described to the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errs.HTTPStatus(err)
	body := apiError{
		Code:      errs.Code(err),
		Message:   err.Error(),
		RequestID: middleware.RequestIDFrom(r.Context()),
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", r.URL.Path, "request_id", body.RequestID, "error", err)
		body.Message = "internal server error"
	}
	var missing *errs.MissingPermissionsError
	if errors.As(err, &missing) {
		body.Missing = missing.Missing
	}
	writeJSON(w, status, body)
}

func userIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.Validation("user id must be a positive integer")
	}
	return id, nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errs.Validation("invalid request body: %v", err)
	}
	return nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": h.version})
}

// callback is the vendor redirect target. It carries no API token; the
// signed state binds it to the user who started the flow.
func (h *handler) callback(w http.ResponseWriter, r *http.Request) {
	conn, err := h.svc.FinishConnect(r.Context(), r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionView(conn))
}

type connectRequest struct {
	RedirectURI string `json:"redirectUri"`
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req connectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	start, err := h.svc.StartConnect(r.Context(), userID, req.RedirectURI)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, start)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conn, err := h.svc.Status(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, connectionView(conn))
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.Disconnect(r.Context(), userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) permissions(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	granted, err := h.svc.CheckPermissions(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"granted": granted, "missing": []string{}})
}

func (h *handler) sync(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var days int
	if raw := r.URL.Query().Get("days"); raw != "" {
		// Out-of-range values are clamped by the fetcher.
		days, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, errs.Validation("days must be an integer"))
			return
		}
	}

	res, err := h.svc.Sync(r.Context(), coach.SyncRequest{
		UserID:  userID,
		Dataset: chi.URLParam(r, "dataset"),
		Days:    days,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type syncStateRequest struct {
	LastSyncAt *time.Time    `json:"lastSyncAt"`
	Cursor     *time.Time    `json:"lastSyncCursor"`
	Error      *errorPayload `json:"errorState"`
}

type errorPayload struct {
	Message string     `json:"message"`
	At      *time.Time `json:"at"`
}

func (h *handler) syncState(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req syncStateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var u coach.SyncStateUpdate
	if req.LastSyncAt != nil {
		u.LastSyncAt = req.LastSyncAt.UTC()
	}
	if req.Cursor != nil {
		u.Cursor = req.Cursor.UTC()
	}
	if req.Error != nil {
		if strings.TrimSpace(req.Error.Message) == "" {
			writeError(w, r, errs.Validation("errorState.message is required"))
			return
		}
		at := time.Now().UTC()
		if req.Error.At != nil {
			at = req.Error.At.UTC()
		}
		u.Error = &store.ErrorState{Message: req.Error.Message, At: at}
	}

	if err := h.svc.MarkSyncState(r.Context(), userID, u); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) trainingLoad(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	req := coach.TrainingLoadRequest{
		UserID:         userID,
		EndDate:        q.Get("end_date"),
		AnchorToLatest: q.Get("anchor") == "latest",
	}
	if raw := q.Get("threshold_hr"); raw != "" {
		hr, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, r, errs.Validation("threshold_hr must be a number"))
			return
		}
		req.ThresholdHeartRate = &hr
	}

	rep, err := h.svc.TrainingLoad(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// connection is the public view of a connection. Zero times become null.
type connection struct {
	UserID         int64             `json:"userId"`
	ExternalUserID string            `json:"externalUserId,omitempty"`
	Scopes         []string          `json:"scopes"`
	Status         store.Status      `json:"status"`
	ConnectedAt    *time.Time        `json:"connectedAt"`
	RevokedAt      *time.Time        `json:"revokedAt"`
	LastSyncAt     *time.Time        `json:"lastSyncAt"`
	LastSyncCursor *time.Time        `json:"lastSyncCursor"`
	ErrorState     *store.ErrorState `json:"errorState"`
}

func connectionView(c *store.ConnectionRecord) connection {
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return connection{
		UserID:         c.UserID,
		ExternalUserID: c.ExternalUserID,
		Scopes:         scopes,
		Status:         c.Status,
		ConnectedAt:    timePtr(c.ConnectedAt),
		RevokedAt:      timePtr(c.RevokedAt),
		LastSyncAt:     timePtr(c.LastSyncAt),
		LastSyncCursor: timePtr(c.LastSyncCursor),
		ErrorState:     c.Error,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
