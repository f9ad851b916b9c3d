package handlers

import (
	"context"
	"net/http"
	"time"

	"vaultsync/internal/contextutil"
)

// Pinger checks reachability of one dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to the Pinger interface.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthHandler reports the health of the daemon's dependencies.
type HealthHandler struct {
	checks             map[string]Pinger
	healthCheckTimeout time.Duration
}

// NewHealthHandler creates a health handler over named dependency checks.
func NewHealthHandler(checks map[string]Pinger) *HealthHandler {
	return &HealthHandler{
		checks:             checks,
		healthCheckTimeout: 5 * time.Second,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	// Overall health status: "healthy" or "unhealthy"
	Status string `json:"status"`

	// Timestamp of the health check
	Timestamp string `json:"timestamp"`

	// Individual check results
	Checks map[string]string `json:"checks"`

	// List of issues (only present when unhealthy)
	Issues []string `json:"issues,omitempty"`
}

// ServeHTTP runs every dependency check and returns 200 when all pass,
// 503 otherwise.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if r.Method != http.MethodGet {
		logger.WarnContext(ctx, "method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, h.healthCheckTimeout)
	defer cancel()

	results := make(map[string]string, len(h.checks))
	var issues []string
	for name, check := range h.checks {
		if err := check.Ping(checkCtx); err != nil {
			logger.WarnContext(ctx, "health check failed", "check", name, "error", err)
			results[name] = "error"
			issues = append(issues, name+"_unavailable")
			continue
		}
		results[name] = "ok"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if len(issues) > 0 {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    results,
		Issues:    issues,
	})
}
