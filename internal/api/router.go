// Package api exposes the wearable integration over HTTP.
package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/btouchard/stride/internal/api/middleware"
	"github.com/btouchard/stride/internal/coach"
	"github.com/btouchard/stride/internal/store"
)

// Coach is the orchestration surface, implemented by *coach.Service.
type Coach interface {
	StartConnect(ctx context.Context, userID int64, redirectURI string) (*coach.ConnectStart, error)
	FinishConnect(ctx context.Context, query url.Values) (*store.ConnectionRecord, error)
	Disconnect(ctx context.Context, userID int64) error
	Status(ctx context.Context, userID int64) (*store.ConnectionRecord, error)
	Sync(ctx context.Context, req coach.SyncRequest) (*coach.SyncResult, error)
	MarkSyncState(ctx context.Context, userID int64, u coach.SyncStateUpdate) error
	TrainingLoad(ctx context.Context, req coach.TrainingLoadRequest) (*coach.TrainingLoadReport, error)
	CheckPermissions(ctx context.Context, userID int64) ([]string, error)
}

var _ Coach = (*coach.Service)(nil)

// Options configures the router.
type Options struct {
	// TokenHashes are the SHA-256 hashes of accepted API bearer tokens.
	TokenHashes []string
	// MCP, when set, is mounted at /mcp behind the same bearer auth.
	MCP     http.Handler
	Version string
}

// NewRouter builds the HTTP handler. /health and /oauth/callback are
// public; everything else needs an API token.
func NewRouter(svc Coach, opts Options) http.Handler {
	h := &handler{svc: svc, version: opts.Version}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover)
	r.Use(middleware.Logging)
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", h.health)
	r.Get("/oauth/callback", h.callback)

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(opts.TokenHashes))

		r.Route("/api/v1/users/{userID}", func(r chi.Router) {
			r.Post("/connect", h.connect)
			r.Get("/connection", h.status)
			r.Delete("/connection", h.disconnect)
			r.Get("/permissions", h.permissions)
			r.Post("/sync/{dataset}", h.sync)
			r.Put("/sync-state", h.syncState)
			r.Get("/training-load", h.trainingLoad)
		})

		if opts.MCP != nil {
			r.Handle("/mcp", opts.MCP)
		}
	})

	return r
}
