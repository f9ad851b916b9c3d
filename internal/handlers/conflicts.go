package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vaultsync/internal/contextutil"
	"vaultsync/internal/coordination"
)

// ResolveConflictHandler applies a resolution strategy to an open conflict.
type ResolveConflictHandler struct {
	coord *coordination.Store
}

// NewResolveConflictHandler creates a new ResolveConflictHandler.
func NewResolveConflictHandler(coord *coordination.Store) *ResolveConflictHandler {
	return &ResolveConflictHandler{coord: coord}
}

// ResolveConflictRequest is the request payload for conflict resolution.
type ResolveConflictRequest struct {
	Strategy string `json:"strategy"`
}

// ServeHTTP handles POST /api/conflicts/{id}/resolve.
func (h *ResolveConflictHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	conflictID := chi.URLParam(r, "id")
	if conflictID == "" {
		writeError(w, http.StatusBadRequest, "Missing conflict id")
		return
	}

	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	strategy := coordination.ResolutionStrategy(req.Strategy)
	switch strategy {
	case coordination.StrategyNewestWins, coordination.StrategyKeepBoth, coordination.StrategyManual:
	default:
		writeError(w, http.StatusBadRequest, "Unknown resolution strategy: "+req.Strategy)
		return
	}

	conflict, err := h.coord.ResolveConflict(ctx, conflictID, strategy)
	if errors.Is(err, coordination.ErrConflictNotFound) {
		writeError(w, http.StatusNotFound, "Conflict not found")
		return
	}
	if err != nil {
		logger.ErrorContext(ctx, "conflict resolution failed", "conflict_id", conflictID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to resolve conflict")
		return
	}

	logger.InfoContext(ctx, "conflict resolved", "conflict_id", conflictID, "strategy", req.Strategy)
	writeJSON(w, http.StatusOK, conflict)
}
