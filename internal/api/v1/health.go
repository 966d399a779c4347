package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sortmail/inboxsync/internal/api/common"
	"github.com/sortmail/inboxsync/internal/engine"
	"github.com/sortmail/inboxsync/internal/versions"
)

// HealthRouter creates a router for health check endpoints
func HealthRouter(eng engine.Engine) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(eng))
	r.Get("/version", versionHandler)

	return r
}

// healthHandler handles GET /health
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, HealthResponse{Status: "healthy"}, http.StatusOK)
}

// readinessHandler reports ready once the engine is mounted
func readinessHandler(eng engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		mountID := eng.MountID()
		if mountID == "" {
			common.WriteErrorResponse(w, "engine not mounted", http.StatusServiceUnavailable)
			return
		}

		common.WriteJSONResponse(w, ReadinessResponse{Status: "ready", MountID: mountID}, http.StatusOK)
	}
}

// versionHandler handles GET /version
func versionHandler(w http.ResponseWriter, _ *http.Request) {
	common.WriteJSONResponse(w, versions.GetVersionInfo(), http.StatusOK)
}
