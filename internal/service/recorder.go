// Package service holds the application services that sit between the
// engine and the storage adapters.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfold/windarb/internal/domain"
)

const recentTradeLimit = 100

// TradeRecorder journals trade lifecycle events. Opens and settlements are
// written through to the store and mirrored in a bounded in-memory list so
// the status API never touches the database on its poll path.
//
// Persistence failures are logged and alerted but never propagated; losing
// a journal row must not take down the trading loop.
type TradeRecorder struct {
	store   domain.TradeStore
	alerter domain.AlertSink
	logger  *slog.Logger

	mu     sync.Mutex
	recent []domain.Trade // newest first
	open   map[string]int // trade ID -> index in recent
	stats  domain.TradeStats

	edgeSum    float64
	latencySum float64
	settled    int
}

// NewTradeRecorder creates a recorder over the given store. alerter may be
// nil.
func NewTradeRecorder(store domain.TradeStore, alerter domain.AlertSink, logger *slog.Logger) *TradeRecorder {
	return &TradeRecorder{
		store:   store,
		alerter: alerter,
		logger:  logger.With(slog.String("component", "recorder")),
		open:    make(map[string]int),
	}
}

// RecordOpen journals a freshly filled trade.
func (r *TradeRecorder) RecordOpen(ctx context.Context, t domain.Trade) {
	r.mu.Lock()
	r.push(t)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveTrade(ctx, t); err != nil {
			r.persistFailure(ctx, t, "save", err)
		}
	}
}

// RecordSettled journals a trade's final outcome and folds it into the
// running statistics.
func (r *TradeRecorder) RecordSettled(ctx context.Context, t domain.Trade) {
	r.mu.Lock()
	if idx, ok := r.open[t.ID]; ok {
		r.recent[idx] = t
		delete(r.open, t.ID)
	} else {
		r.push(t)
		delete(r.open, t.ID)
	}
	r.fold(t)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateTrade(ctx, t); err != nil {
			r.persistFailure(ctx, t, "update", err)
		}
	}
}

// Recent returns up to limit trades, newest first.
func (r *TradeRecorder) Recent(limit int) []domain.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.recent) {
		limit = len(r.recent)
	}
	out := make([]domain.Trade, limit)
	copy(out, r.recent[:limit])
	return out
}

// Stats returns the running settled-trade statistics plus the open count.
func (r *TradeRecorder) Stats() domain.TradeStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// OpenCount returns how many recorded trades are still unsettled.
func (r *TradeRecorder) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

// push inserts at the front and reindexes the open map. Caller holds mu.
func (r *TradeRecorder) push(t domain.Trade) {
	r.recent = append([]domain.Trade{t}, r.recent...)
	if len(r.recent) > recentTradeLimit {
		evicted := r.recent[recentTradeLimit:]
		r.recent = r.recent[:recentTradeLimit]
		for _, e := range evicted {
			delete(r.open, e.ID)
		}
	}
	for id := range r.open {
		r.open[id]++
	}
	if !t.Settled() {
		r.open[t.ID] = 0
	}
}

// fold adds a settled trade to the aggregate statistics. Caller holds mu.
func (r *TradeRecorder) fold(t domain.Trade) {
	r.settled++
	r.stats.Total = r.settled
	if t.PnL >= 0 && t.Shares > 0 {
		r.stats.Wins++
	} else if t.Shares > 0 {
		r.stats.Losses++
	}
	if decided := r.stats.Wins + r.stats.Losses; decided > 0 {
		r.stats.WinRate = float64(r.stats.Wins) / float64(decided)
	}
	r.stats.TotalPnL += t.PnL

	r.edgeSum += t.Edge
	r.stats.AvgEdge = r.edgeSum / float64(r.settled)
	if t.Shares > 0 {
		r.latencySum += float64(t.LatencyMs)
	}
	if filled := r.stats.Wins + r.stats.Losses; filled > 0 {
		r.stats.AvgLatencyMs = r.latencySum / float64(filled)
	}
}

func (r *TradeRecorder) persistFailure(ctx context.Context, t domain.Trade, op string, err error) {
	r.logger.Error("trade journal write failed",
		slog.String("op", op),
		slog.String("trade_id", t.ID),
		slog.String("error", err.Error()),
	)
	if r.alerter != nil {
		_ = r.alerter.Publish(ctx, domain.Alert{
			Timestamp: time.Now().UTC(),
			Severity:  domain.SeverityWarning,
			Category:  domain.CategorySystem,
			Asset:     t.Asset,
			Message:   "trade journal write failed: " + err.Error(),
			Data:      map[string]any{"trade_id": t.ID, "op": op},
		})
	}
}
