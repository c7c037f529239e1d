package app

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/quantfold/windarb/internal/cache/redis"
	"github.com/quantfold/windarb/internal/domain"
)

// statusSource aggregates the live pipeline into the dashboard payload.
type statusSource struct {
	startedAt time.Time
	p         *pipeline
}

func newStatusSource(p *pipeline) *statusSource {
	return &statusSource{startedAt: time.Now().UTC(), p: p}
}

func (s *statusSource) Status() domain.Status {
	now := time.Now().UTC()

	assets := make([]string, 0, len(s.p.machines))
	for asset := range s.p.machines {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	windows := make([]domain.WindowStatus, 0, len(assets))
	for _, asset := range assets {
		windows = append(windows, s.p.machines[asset].Status())
	}

	st := domain.Status{
		GeneratedAt: now,
		Uptime:      now.Sub(s.startedAt).Seconds(),
		Paused:      s.p.pausedFn(),
		DryRun:      s.p.dryRun,
		Spot:        s.p.agg.Spot(),
		ImpliedVol:  s.p.agg.Vol(),
		Windows:     windows,
		Feeds:       s.p.agg.FeedStatuses(),
		Risk:        s.p.ledger.Snapshot(),
		Stats:       s.p.recorder.Stats(),
	}
	if s.p.fillsFn != nil {
		st.DryRunFills = s.p.fillsFn()
	}
	if s.p.redeemer != nil {
		st.PendingRedemptions = s.p.redeemer.PendingCount()
	}
	return st
}

// storedStatus is the server-mode placeholder: no engine is running, so
// only uptime is live.
type storedStatus struct {
	startedAt time.Time
}

func (s storedStatus) Status() domain.Status {
	now := time.Now().UTC()
	return domain.Status{
		GeneratedAt: now,
		Uptime:      now.Sub(s.startedAt).Seconds(),
	}
}

// streamAlertSource serves recent alerts out of the Redis stream when no
// in-process emitter exists.
type streamAlertSource struct {
	stream *redis.AlertStream
}

func (s streamAlertSource) Recent(limit int) []domain.Alert {
	if s.stream == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	alerts, err := s.stream.ReadRecent(ctx, limit)
	if err != nil {
		slog.Default().Warn("alert stream read failed", slog.Any("error", err))
		return nil
	}
	return alerts
}

// storeTradeSource serves recent trades straight from the store.
type storeTradeSource struct {
	store domain.TradeStore
}

func (s storeTradeSource) Recent(limit int) []domain.Trade {
	if s.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	trades, err := s.store.ListRecentTrades(ctx, limit)
	if err != nil {
		slog.Default().Warn("trade store read failed", slog.Any("error", err))
		return nil
	}
	return trades
}
