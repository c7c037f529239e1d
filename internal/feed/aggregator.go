// Package feed connects to upstream market data websockets and fans
// normalized ticks out to the window machines.
package feed

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quantfold/windarb/internal/domain"
)

// Sink receives conflated market data. Each window machine is a sink.
type Sink interface {
	DeliverTick(t domain.Tick)
	DeliverVol(v domain.VolSnapshot)
}

// Aggregator normalizes feed output: it rejects stale ticks, keeps the
// latest observation per asset, mirrors them into the price cache, and
// fans them out to the registered sinks.
type Aggregator struct {
	mu     sync.Mutex
	ticks  map[string]domain.Tick
	vols   map[string]domain.VolSnapshot
	sinks  map[string][]Sink
	health map[string]*feedHealth

	// volProxy maps an asset to the asset whose implied vol it borrows.
	// Deribit only quotes BTC and ETH vol, so SOL and XRP proxy to BTC.
	volProxy map[string]string

	cache   domain.PriceCache
	maxAge  time.Duration
	dropped uint64
	now     func() time.Time
	logger  *slog.Logger
}

type feedHealth struct {
	connected bool
	lastMsgAt time.Time
	latencyMs int64
}

// NewAggregator creates an aggregator. cache may be nil. maxAge bounds the
// accepted tick age relative to the exchange event time.
func NewAggregator(cache domain.PriceCache, maxAge time.Duration, volProxy map[string]string, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		ticks:    make(map[string]domain.Tick),
		vols:     make(map[string]domain.VolSnapshot),
		sinks:    make(map[string][]Sink),
		health:   make(map[string]*feedHealth),
		volProxy: volProxy,
		cache:    cache,
		maxAge:   maxAge,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "feed")),
	}
}

// Register attaches a sink for one asset's market data.
func (a *Aggregator) Register(asset string, s Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sinks[asset] = append(a.sinks[asset], s)
}

// HandleTick ingests one spot tick. Ticks older than maxAge (by exchange
// event time) are dropped.
func (a *Aggregator) HandleTick(ctx context.Context, t domain.Tick) {
	now := a.now()
	if t.ObservedAt.IsZero() {
		t.ObservedAt = now
	}
	if a.maxAge > 0 && !t.EventTime.IsZero() && now.Sub(t.EventTime) > a.maxAge {
		a.mu.Lock()
		a.dropped++
		n := a.dropped
		a.mu.Unlock()
		if n%100 == 1 {
			a.logger.Warn("stale tick dropped",
				slog.String("asset", t.Asset),
				slog.Duration("age", now.Sub(t.EventTime)),
				slog.Uint64("dropped_total", n))
		}
		return
	}

	a.mu.Lock()
	a.ticks[t.Asset] = t
	a.touchLocked(t.Source, now)
	if lat := t.Latency(); lat > 0 {
		a.healthLocked(t.Source).latencyMs = lat.Milliseconds()
	}
	sinks := a.sinks[t.Asset]
	a.mu.Unlock()

	for _, s := range sinks {
		s.DeliverTick(t)
	}

	if a.cache != nil {
		if err := a.cache.SetTick(ctx, t); err != nil {
			a.logger.Debug("price cache write failed", slog.Any("error", err))
		}
	}
}

// HandleVol ingests one implied-vol snapshot and forwards it to every
// asset that uses this asset's vol, directly or via proxy.
func (a *Aggregator) HandleVol(ctx context.Context, v domain.VolSnapshot) {
	now := a.now()
	if v.ObservedAt.IsZero() {
		v.ObservedAt = now
	}

	a.mu.Lock()
	a.vols[v.Asset] = v
	a.touchLocked(v.Source, now)
	targets := make(map[string][]Sink)
	if sinks, ok := a.sinks[v.Asset]; ok {
		targets[v.Asset] = sinks
	}
	for asset, proxy := range a.volProxy {
		if proxy == v.Asset {
			targets[asset] = a.sinks[asset]
		}
	}
	a.mu.Unlock()

	for asset, sinks := range targets {
		fv := v
		fv.Asset = asset
		for _, s := range sinks {
			s.DeliverVol(fv)
		}
	}

	if a.cache != nil {
		if err := a.cache.SetVol(ctx, v); err != nil {
			a.logger.Debug("vol cache write failed", slog.Any("error", err))
		}
	}
}

// SetConnected records a feed's connection state for the dashboard.
func (a *Aggregator) SetConnected(feed string, up bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.healthLocked(feed)
	h.connected = up
}

// Spot returns the latest accepted tick price per asset.
func (a *Aggregator) Spot() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.ticks))
	for asset, t := range a.ticks {
		out[asset] = t.Price
	}
	return out
}

// Vol returns the latest implied vol per asset.
func (a *Aggregator) Vol() map[string]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]float64, len(a.vols))
	for asset, v := range a.vols {
		out[asset] = v.ImpliedVol
	}
	return out
}

// FeedStatuses returns the dashboard view of every known feed.
func (a *Aggregator) FeedStatuses() []domain.FeedStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	out := make([]domain.FeedStatus, 0, len(a.health))
	for name, h := range a.health {
		out = append(out, domain.FeedStatus{
			Name:      name,
			Connected: h.connected,
			LastMsgAt: h.lastMsgAt,
			LatencyMs: h.latencyMs,
			Stale:     a.maxAge > 0 && (h.lastMsgAt.IsZero() || now.Sub(h.lastMsgAt) > a.maxAge),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a *Aggregator) touchLocked(feed string, at time.Time) {
	h := a.healthLocked(feed)
	h.lastMsgAt = at
	h.connected = true
}

func (a *Aggregator) healthLocked(feed string) *feedHealth {
	h, ok := a.health[feed]
	if !ok {
		h = &feedHealth{}
		a.health[feed] = h
	}
	return h
}
