package market

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/windarb/internal/domain"
)

// WindowSink receives discovered windows and post-expiry resolutions.
// Satisfied by engine.Machine.
type WindowSink interface {
	OpenWindow(w domain.MarketWindow)
	DeliverResolution(conditionID string, res domain.Resolution)
}

// PlannerConfig controls the window cadence for every tracked asset.
type PlannerConfig struct {
	Duration       time.Duration // window length, slots align to UTC multiples
	PreDiscover    time.Duration // how long before a slot discovery starts
	RetryInterval  time.Duration // discovery retry spacing inside the lead
	SettleGrace    time.Duration // how long after expiry to poll for resolution
	ResolutionPoll time.Duration // resolution poll spacing inside the grace
}

// Planner drives the window lifecycle: ahead of each UTC-aligned slot it
// discovers the matching market, hands it to the asset's machine at the slot
// boundary, and after expiry polls for the venue resolution within the
// settle grace.
type Planner struct {
	discovery domain.MarketDiscovery
	sinks     map[string]WindowSink // by asset
	cfg       PlannerConfig
	now       func() time.Time
	logger    *slog.Logger
}

// NewPlanner creates a Planner over the given per-asset sinks.
func NewPlanner(discovery domain.MarketDiscovery, sinks map[string]WindowSink, cfg PlannerConfig, logger *slog.Logger) *Planner {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.ResolutionPoll <= 0 {
		cfg.ResolutionPoll = 2 * time.Second
	}
	return &Planner{
		discovery: discovery,
		sinks:     sinks,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "planner")),
	}
}

// Run supervises one scheduling loop per asset until the context ends.
func (p *Planner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for asset, sink := range p.sinks {
		g.Go(func() error {
			return p.runAsset(ctx, asset, sink)
		})
	}
	return g.Wait()
}

func (p *Planner) runAsset(ctx context.Context, asset string, sink WindowSink) error {
	log := p.logger.With(slog.String("asset", asset))
	log.Info("planner started", slog.Duration("window", p.cfg.Duration))

	for {
		slot := nextSlot(p.now(), p.cfg.Duration)
		if err := sleepUntil(ctx, slot.Add(-p.cfg.PreDiscover), p.now); err != nil {
			return err
		}

		w, err := p.discoverUntil(ctx, asset, slot)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Warn("no window for slot",
				slog.Time("slot", slot),
				slog.String("error", err.Error()),
			)
			// Wait out the slot boundary so the next iteration targets a
			// fresh slot instead of re-discovering the same one.
			if err := sleepUntil(ctx, slot, p.now); err != nil {
				return err
			}
			continue
		}

		if err := sleepUntil(ctx, slot, p.now); err != nil {
			return err
		}
		sink.OpenWindow(w)
		log.Info("window opened", slog.String("slug", w.Slug), slog.Time("expires", w.ExpiresAt()))

		if err := p.pollResolution(ctx, w, sink, log); err != nil {
			return err
		}
	}
}

// discoverUntil retries discovery for the slot until it succeeds or the slot
// boundary passes.
func (p *Planner) discoverUntil(ctx context.Context, asset string, slot time.Time) (domain.MarketWindow, error) {
	var lastErr error
	for {
		if !p.now().Before(slot) {
			if lastErr == nil {
				lastErr = domain.ErrNotFound
			}
			return domain.MarketWindow{}, lastErr
		}
		w, err := p.discovery.FindWindow(ctx, asset, slot, p.cfg.Duration)
		if err == nil {
			return w, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return domain.MarketWindow{}, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return domain.MarketWindow{}, ctx.Err()
		case <-time.After(p.cfg.RetryInterval):
		}
	}
}

// pollResolution waits for the window to expire, then polls the venue for an
// official resolution until it arrives or the settle grace runs out. The
// machine falls back to the last book mid when no resolution shows up.
func (p *Planner) pollResolution(ctx context.Context, w domain.MarketWindow, sink WindowSink, log *slog.Logger) error {
	expiry := w.ExpiresAt()
	if err := sleepUntil(ctx, expiry, p.now); err != nil {
		return err
	}
	deadline := expiry.Add(p.cfg.SettleGrace)

	for p.now().Before(deadline) {
		res, err := p.discovery.Resolution(ctx, w.ConditionID)
		if err == nil && res.Resolved {
			sink.DeliverResolution(w.ConditionID, res)
			log.Info("window resolved",
				slog.String("slug", w.Slug),
				slog.Bool("yes_won", res.YesWon),
			)
			return nil
		}
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.ResolutionPoll):
		}
	}

	log.Warn("no venue resolution within grace", slog.String("slug", w.Slug))
	return nil
}

// nextSlot returns the next boundary after now on the UTC duration grid.
func nextSlot(now time.Time, d time.Duration) time.Time {
	return now.UTC().Truncate(d).Add(d)
}

// sleepUntil blocks until the target instant or context cancellation. A
// target already in the past returns immediately.
func sleepUntil(ctx context.Context, target time.Time, now func() time.Time) error {
	wait := target.Sub(now())
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
