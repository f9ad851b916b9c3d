// Package http wires the sync status API onto a chi router.
package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"vaultsync/internal/coordination"
	"vaultsync/internal/embed"
	"vaultsync/internal/handlers"
	"vaultsync/internal/reconcile"
	"vaultsync/internal/vectorstore"
)

// Deps holds dependencies for the HTTP router.
type Deps struct {
	Coordination *coordination.Store
	Manager      *reconcile.Manager
	Progress     *reconcile.StateSink
	Checks       map[string]handlers.Pinger
	Embedder     embed.Embedder
	Vectors      vectorstore.VectorStore
	Collection   string
	WorkspaceID  string
}

// NewRouter creates the status API router.
func NewRouter(deps *Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(LoggerMiddleware)
	r.Use(CORS)

	healthHandler := handlers.NewHealthHandler(deps.Checks)
	stateHandler := handlers.NewSyncStateHandler(deps.Coordination)
	progressHandler := handlers.NewProgressHandler(deps.Manager, deps.Progress)
	fullSyncHandler := handlers.NewFullSyncHandler(deps.Manager)
	resolveHandler := handlers.NewResolveConflictHandler(deps.Coordination)
	searchHandler := handlers.NewSearchHandler(deps.Embedder, deps.Vectors, deps.Collection, deps.WorkspaceID)

	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/health", healthHandler)
		r.Method(http.MethodGet, "/search", searchHandler)
		r.Route("/sync", func(r chi.Router) {
			r.Method(http.MethodGet, "/state", stateHandler)
			r.Method(http.MethodGet, "/progress", progressHandler)
			r.Method(http.MethodPost, "/full", fullSyncHandler)
		})
		r.Method(http.MethodPost, "/conflicts/{id}/resolve", resolveHandler)
	})

	return r
}
