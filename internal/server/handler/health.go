package handler

import (
	"net/http"
	"time"
)

// HealthHandler serves GET /api/health for load balancers and uptime checks.
type HealthHandler struct {
	startedAt time.Time
	version   string
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{startedAt: time.Now().UTC(), version: version}
}

// HealthCheck reports liveness and uptime.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": time.Since(h.startedAt).Seconds(),
	})
}
