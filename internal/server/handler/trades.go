package handler

import (
	"net/http"
	"strconv"

	"github.com/quantfold/windarb/internal/domain"
)

const defaultTradeLimit = 100

// TradeSource returns recent trades, newest first.
type TradeSource interface {
	Recent(limit int) []domain.Trade
}

// TradesHandler serves GET /api/trades from the recorder's in-memory
// journal.
type TradesHandler struct {
	source TradeSource
}

// NewTradesHandler creates a TradesHandler.
func NewTradesHandler(source TradeSource) *TradesHandler {
	return &TradesHandler{source: source}
}

// ListTrades returns recent trade records.
func (h *TradesHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	trades := h.source.Recent(limit)
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": trades,
		"count":  len(trades),
	})
}
