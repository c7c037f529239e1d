package handler

import (
	"net/http"

	"github.com/quantfold/windarb/internal/domain"
)

// StatusProvider assembles the full dashboard snapshot.
type StatusProvider interface {
	Status() domain.Status
}

// StatusHandler serves GET /api/status, polled by the dashboard every ~2s.
type StatusHandler struct {
	provider StatusProvider
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(provider StatusProvider) *StatusHandler {
	return &StatusHandler{provider: provider}
}

// GetStatus returns the current engine snapshot.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.provider.Status())
}
