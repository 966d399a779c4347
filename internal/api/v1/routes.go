// Package v1 provides the local read API: thread reads served through the
// cache, and the sync engine's state.
package v1

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sortmail/inboxsync/internal/api/common"
	"github.com/sortmail/inboxsync/internal/cache"
	"github.com/sortmail/inboxsync/internal/engine"
	"github.com/sortmail/inboxsync/internal/remote"
)

// Routes holds the dependencies of the v1 handlers
type Routes struct {
	reader cache.Reader
	client remote.Client
	engine engine.Engine
}

// NewRoutes creates a new Routes instance
func NewRoutes(reader cache.Reader, client remote.Client, eng engine.Engine) *Routes {
	return &Routes{
		reader: reader,
		client: client,
		engine: eng,
	}
}

// Router creates the v1 router
func Router(reader cache.Reader, client remote.Client, eng engine.Engine) http.Handler {
	routes := NewRoutes(reader, client, eng)

	r := chi.NewRouter()

	r.Get("/threads", routes.listThreads)
	r.Get("/threads/{threadID}", routes.getThread)

	r.Route("/sync", func(r chi.Router) {
		r.Post("/", routes.triggerSync)
		r.Get("/status", routes.getSyncStatus)
		r.Get("/state", routes.getSyncState)
	})

	return r
}

// listThreads handles GET /v1/threads. The query string is forwarded to the
// remote API in canonical order so equal filters share a cache entry.
func (rr *Routes) listThreads(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Encode()

	body, err := rr.reader.Read(r.Context(), cache.ThreadsQueryKey(query), func(ctx context.Context) ([]byte, error) {
		return rr.client.ListThreads(ctx, query)
	})
	if err != nil {
		writeFetchError(w, "threads", err)
		return
	}

	common.WriteRawJSON(w, body)
}

// getThread handles GET /v1/threads/{threadID}
func (rr *Routes) getThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := common.URLParam(r, "threadID")
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	body, err := rr.reader.Read(r.Context(), cache.ThreadKey(threadID), func(ctx context.Context) ([]byte, error) {
		return rr.client.GetThread(ctx, threadID)
	})
	if err != nil {
		writeFetchError(w, "thread "+threadID, err)
		return
	}

	common.WriteRawJSON(w, body)
}

// getSyncStatus handles GET /v1/sync/status
func (rr *Routes) getSyncStatus(w http.ResponseWriter, r *http.Request) {
	body, err := rr.reader.Read(r.Context(), cache.SyncStatusKey, func(ctx context.Context) ([]byte, error) {
		syncStatus, err := rr.client.GetSyncStatus(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(syncStatus)
		if err != nil {
			return nil, fmt.Errorf("failed to encode sync status: %w", err)
		}
		return data, nil
	})
	if err != nil {
		writeFetchError(w, "sync status", err)
		return
	}

	common.WriteRawJSON(w, body)
}

// getSyncState handles GET /v1/sync/state
func (rr *Routes) getSyncState(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, SyncStateResponse{
		Snapshot: rr.engine.Snapshot(),
		MountID:  rr.engine.MountID(),
	}, http.StatusOK)
}

// triggerSync handles POST /v1/sync
func (rr *Routes) triggerSync(w http.ResponseWriter, _ *http.Request) {
	if rr.engine.MountID() == "" {
		common.WriteErrorResponse(w, "engine not mounted", http.StatusConflict)
		return
	}

	rr.engine.TriggerSync()
	common.WriteJSONResponse(w, TriggerResponse{Status: "accepted"}, http.StatusAccepted)
}

// writeFetchError maps a remote failure to a response. A remote 404 is passed
// through; anything else is a bad gateway.
func writeFetchError(w http.ResponseWriter, what string, err error) {
	if remote.IsNotFound(err) {
		common.WriteErrorResponse(w, what+" not found", http.StatusNotFound)
		return
	}

	slog.Warn("Failed to read from remote API", "resource", what, "error", err)
	common.WriteErrorResponse(w, "failed to fetch "+what, http.StatusBadGateway)
}
