package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/windarb/internal/domain"
)

type memStore struct {
	saved   []domain.Trade
	updated []domain.Trade
	saveErr error
}

func (s *memStore) SaveTrade(_ context.Context, t domain.Trade) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saved = append(s.saved, t)
	return nil
}

func (s *memStore) UpdateTrade(_ context.Context, t domain.Trade) error {
	s.updated = append(s.updated, t)
	return nil
}

func (s *memStore) GetTrade(context.Context, string) (domain.Trade, error) {
	return domain.Trade{}, domain.ErrNotFound
}

func (s *memStore) ListRecentTrades(context.Context, int) ([]domain.Trade, error) { return nil, nil }
func (s *memStore) ListTradesSince(context.Context, time.Time) ([]domain.Trade, error) {
	return nil, nil
}

type memSink struct{ alerts []domain.Alert }

func (s *memSink) Publish(_ context.Context, a domain.Alert) error {
	s.alerts = append(s.alerts, a)
	return nil
}

func openTrade(id string) domain.Trade {
	return domain.Trade{
		ID:         id,
		Asset:      "BTC",
		Side:       domain.SideYes,
		EntryPrice: 0.41,
		Shares:     100,
		Risk:       41,
		Edge:       0.09,
		Outcome:    domain.OutcomeOpen,
		LatencyMs:  800,
		OpenedAt:   time.Now().UTC(),
	}
}

func settle(t domain.Trade, exit float64) domain.Trade {
	t.ExitPrice = exit
	t.PnL = (exit - t.EntryPrice) * t.Shares
	if t.PnL >= 0 {
		t.Outcome = domain.OutcomeConverged
	} else {
		t.Outcome = domain.OutcomeAdverse
	}
	t.SettledAt = t.OpenedAt.Add(5 * time.Minute)
	return t
}

func newTestRecorder(store domain.TradeStore, sink domain.AlertSink) *TradeRecorder {
	return NewTradeRecorder(store, sink, slog.New(slog.DiscardHandler))
}

func TestRecorderOpenThenSettle(t *testing.T) {
	store := &memStore{}
	r := newTestRecorder(store, nil)
	ctx := context.Background()

	tr := openTrade("t1")
	r.RecordOpen(ctx, tr)
	assert.Equal(t, 1, r.OpenCount())
	require.Len(t, store.saved, 1)

	r.RecordSettled(ctx, settle(tr, 1.0))
	assert.Equal(t, 0, r.OpenCount())
	require.Len(t, store.updated, 1)

	recent := r.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, domain.OutcomeConverged, recent[0].Outcome)
	assert.InDelta(t, 59.0, recent[0].PnL, 1e-9)
}

func TestRecorderStats(t *testing.T) {
	r := newTestRecorder(&memStore{}, nil)
	ctx := context.Background()

	t1 := openTrade("t1")
	r.RecordOpen(ctx, t1)
	r.RecordSettled(ctx, settle(t1, 1.0)) // +59

	t2 := openTrade("t2")
	t2.Edge = 0.05
	t2.LatencyMs = 1200
	r.RecordOpen(ctx, t2)
	r.RecordSettled(ctx, settle(t2, 0)) // -41

	stats := r.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.InDelta(t, 18.0, stats.TotalPnL, 1e-9)
	assert.InDelta(t, 0.07, stats.AvgEdge, 1e-9)
	assert.InDelta(t, 1000.0, stats.AvgLatencyMs, 1e-9)
}

func TestRecorderZeroSizeAdverseNotALoss(t *testing.T) {
	r := newTestRecorder(&memStore{}, nil)
	ctx := context.Background()

	// A rejected order settles adverse with zero size and zero pnl. It
	// counts toward the total but not the win rate.
	tr := openTrade("t1")
	tr.Shares = 0
	tr.Risk = 0
	tr.Outcome = domain.OutcomeAdverse
	tr.SettledAt = tr.OpenedAt
	r.RecordSettled(ctx, tr)

	stats := r.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 0, stats.Wins)
	assert.Equal(t, 0, stats.Losses)
	assert.Zero(t, stats.WinRate)
}

func TestRecorderRecentOrderAndBound(t *testing.T) {
	r := newTestRecorder(&memStore{}, nil)
	ctx := context.Background()

	for i := 0; i < recentTradeLimit+10; i++ {
		tr := openTrade(string(rune('a' + i%26)))
		tr.ID = time.Now().Format("150405.000000000") + "-" + tr.ID
		r.RecordSettled(ctx, settle(tr, 1.0))
	}

	recent := r.Recent(0)
	assert.Len(t, recent, recentTradeLimit)

	limited := r.Recent(5)
	assert.Len(t, limited, 5)
}

func TestRecorderPersistFailureAlerts(t *testing.T) {
	store := &memStore{saveErr: errors.New("connection refused")}
	sink := &memSink{}
	r := newTestRecorder(store, sink)

	r.RecordOpen(context.Background(), openTrade("t1"))

	require.Len(t, sink.alerts, 1)
	assert.Equal(t, domain.CategorySystem, sink.alerts[0].Category)
	assert.Equal(t, domain.SeverityWarning, sink.alerts[0].Severity)

	// The trade is still visible in memory despite the store failure.
	assert.Len(t, r.Recent(10), 1)
}
