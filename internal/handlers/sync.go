package handlers

import (
	"context"
	"net/http"

	"vaultsync/internal/contextutil"
	"vaultsync/internal/reconcile"
)

// FullSyncHandler triggers a full-workspace reconciliation run.
type FullSyncHandler struct {
	manager *reconcile.Manager
}

// NewFullSyncHandler creates a new FullSyncHandler.
func NewFullSyncHandler(manager *reconcile.Manager) *FullSyncHandler {
	return &FullSyncHandler{manager: manager}
}

// FullSyncResponse represents the response from the full-sync endpoint.
type FullSyncResponse struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

// ServeHTTP handles POST requests that start reconciliation. The run happens
// in the background; the response returns immediately with 202.
func (h *FullSyncHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if r.Method != http.MethodPost {
		logger.WarnContext(ctx, "method not allowed", "method", r.Method)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if h.manager.Running() {
		writeError(w, http.StatusConflict, "Reconciliation already running")
		return
	}

	force := r.URL.Query().Get("force") == "true"
	logger.InfoContext(ctx, "full sync triggered via API", "force", force)

	// Background context: the run outlives the HTTP request.
	go func() {
		runCtx := contextutil.WithLogger(context.Background(), logger)
		if err := h.manager.Run(runCtx, force); err != nil {
			logger.Error("full sync failed", "error", err)
		}
	}()

	message := "Reconciliation started. Query /api/sync/progress for status."
	if force {
		message = "Forced reconciliation started. Query /api/sync/progress for status."
	}
	writeJSON(w, http.StatusAccepted, FullSyncResponse{
		Message: message,
		Status:  "accepted",
	})
}

// ProgressHandler reports the latest reconciliation progress.
type ProgressHandler struct {
	manager *reconcile.Manager
	sink    *reconcile.StateSink
}

// NewProgressHandler creates a new ProgressHandler.
func NewProgressHandler(manager *reconcile.Manager, sink *reconcile.StateSink) *ProgressHandler {
	return &ProgressHandler{manager: manager, sink: sink}
}

// ProgressResponse wraps the progress report with the running flag.
type ProgressResponse struct {
	Running  bool               `json:"running"`
	Progress reconcile.Progress `json:"progress"`
}

// ServeHTTP handles GET requests for reconciliation progress.
func (h *ProgressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, http.StatusOK, ProgressResponse{
		Running:  h.manager.Running(),
		Progress: h.sink.Current(),
	})
}
