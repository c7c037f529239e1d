package handler

import (
	"net/http"
	"strconv"

	"github.com/quantfold/windarb/internal/domain"
)

const defaultAlertLimit = 50

// AlertSource returns recent alerts, newest first.
type AlertSource interface {
	Recent(limit int) []domain.Alert
}

// AlertsHandler serves GET /api/alerts from the emitter's ring buffer.
type AlertsHandler struct {
	source AlertSource
}

// NewAlertsHandler creates an AlertsHandler.
func NewAlertsHandler(source AlertSource) *AlertsHandler {
	return &AlertsHandler{source: source}
}

// ListAlerts returns recent alerts. The limit query param caps the count.
func (h *AlertsHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := defaultAlertLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	alerts := h.source.Recent(limit)
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}
