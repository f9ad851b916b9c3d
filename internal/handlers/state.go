package handlers

import (
	"net/http"
	"time"

	"vaultsync/internal/contextutil"
	"vaultsync/internal/coordination"
)

// SyncStateHandler answers sync-state queries from the coordination store.
type SyncStateHandler struct {
	coord *coordination.Store
}

// NewSyncStateHandler creates a new SyncStateHandler.
func NewSyncStateHandler(coord *coordination.Store) *SyncStateHandler {
	return &SyncStateHandler{coord: coord}
}

// SyncStateResponse is the full sync-state view: lifecycle, connectivity,
// the device registry, and the open work.
type SyncStateResponse struct {
	State             string                          `json:"state"`
	Connectivity      string                          `json:"connectivity"`
	LastGlobalSync    time.Time                       `json:"lastGlobalSync,omitzero"`
	LastWriter        string                          `json:"lastWriter,omitempty"`
	Devices           []coordination.Device           `json:"devices"`
	PendingOperations []coordination.PendingOperation `json:"pendingOperations"`
	OpenConflicts     []coordination.Conflict         `json:"openConflicts"`
}

// ServeHTTP handles GET requests for the current sync state.
func (h *SyncStateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if r.Method != http.MethodGet {
		logger.WarnContext(ctx, "method not allowed", "method", r.Method)
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	snap := h.coord.Snapshot()

	devices := make([]coordination.Device, 0, len(snap.Header.Devices))
	for _, d := range snap.Header.Devices {
		devices = append(devices, d)
	}

	pending := snap.PendingOperations
	if pending == nil {
		pending = []coordination.PendingOperation{}
	}
	conflicts := snap.OpenConflicts()
	if conflicts == nil {
		conflicts = []coordination.Conflict{}
	}

	writeJSON(w, http.StatusOK, SyncStateResponse{
		State:             h.coord.State().String(),
		Connectivity:      string(h.coord.Connectivity()),
		LastGlobalSync:    snap.Header.LastGlobalSync,
		LastWriter:        snap.Header.LastWriter,
		Devices:           devices,
		PendingOperations: pending,
		OpenConflicts:     conflicts,
	})
}
