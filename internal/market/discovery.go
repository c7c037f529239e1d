// Package market finds tradeable Polymarket windows and schedules their
// lifecycle against the engine.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quantfold/windarb/internal/domain"
	"github.com/quantfold/windarb/internal/platform/polymarket"
)

// expiryTolerance is how far a market's end date may drift from the ideal
// slot boundary and still be accepted as that slot's window.
const expiryTolerance = 30 * time.Second

// eventLister is the slice of the Gamma client discovery needs.
type eventLister interface {
	ListActiveEvents(ctx context.Context, maxEvents int) ([]polymarket.APIEvent, error)
	Resolution(ctx context.Context, conditionID string) (domain.Resolution, error)
}

// feeRater checks maker/taker fees for a token.
type feeRater interface {
	FeeRate(ctx context.Context, tokenID string) (maker, taker float64, err error)
}

// DefaultKeywords maps tracked assets to the terms that identify their
// up-or-down events in Gamma titles and slugs.
func DefaultKeywords() map[string][]string {
	return map[string][]string{
		"BTC": {"bitcoin", "btc"},
		"ETH": {"ethereum", "eth"},
		"SOL": {"solana", "sol"},
		"XRP": {"xrp"},
	}
}

// Discovery locates short-window up-or-down markets via the Gamma API and
// filters out anything that charges trading fees.
type Discovery struct {
	gamma     eventLister
	clob      feeRater
	keywords  map[string][]string
	maxEvents int
	logger    *slog.Logger

	mu       sync.Mutex
	feeCache map[string]bool // tokenID -> fee free
}

// NewDiscovery creates a Discovery. keywords may be nil to use the defaults.
func NewDiscovery(gamma *polymarket.GammaClient, clob *polymarket.ClobClient, keywords map[string][]string, logger *slog.Logger) *Discovery {
	if keywords == nil {
		keywords = DefaultKeywords()
	}
	return &Discovery{
		gamma:     gamma,
		clob:      clob,
		keywords:  keywords,
		maxEvents: 500,
		logger:    logger.With(slog.String("component", "discovery")),
		feeCache:  make(map[string]bool),
	}
}

// FindWindow returns the up-or-down market for the given asset whose expiry
// lands at openAt+duration. ErrNotFound when no acceptable market exists.
func (d *Discovery) FindWindow(ctx context.Context, asset string, openAt time.Time, duration time.Duration) (domain.MarketWindow, error) {
	keywords, ok := d.keywords[asset]
	if !ok {
		return domain.MarketWindow{}, fmt.Errorf("market: no keywords configured for asset %s: %w", asset, domain.ErrNotFound)
	}

	events, err := d.gamma.ListActiveEvents(ctx, d.maxEvents)
	if err != nil {
		return domain.MarketWindow{}, fmt.Errorf("market: list events: %w", err)
	}

	target := openAt.Add(duration)
	best, bestDrift, found := d.scanEvents(events, keywords, target)
	if !found {
		return domain.MarketWindow{}, fmt.Errorf("market: no %s window expiring near %s: %w",
			asset, target.UTC().Format(time.RFC3339), domain.ErrNotFound)
	}

	ids := best.market.TokenIDs()
	if !d.feeFree(ctx, ids[0]) {
		return domain.MarketWindow{}, fmt.Errorf("market: %s window %s charges fees: %w",
			asset, best.market.Slug, domain.ErrNotFound)
	}

	w := domain.MarketWindow{
		Asset:       asset,
		ConditionID: best.market.ConditionID,
		Slug:        best.slug,
		Question:    best.market.Question,
		YesTokenID:  ids[0],
		NoTokenID:   ids[1],
		OpenedAt:    openAt,
		Duration:    duration,
		NegRisk:     best.market.NegRisk,
	}
	d.logger.Info("window discovered",
		slog.String("asset", asset),
		slog.String("slug", w.Slug),
		slog.String("condition_id", w.ConditionID),
		slog.Duration("expiry_drift", bestDrift),
	)
	return w, nil
}

// Resolution reports the venue resolution for a condition.
func (d *Discovery) Resolution(ctx context.Context, conditionID string) (domain.Resolution, error) {
	return d.gamma.Resolution(ctx, conditionID)
}

type candidate struct {
	market polymarket.APIMarket
	slug   string
}

// scanEvents picks the matching market whose expiry is closest to target.
func (d *Discovery) scanEvents(events []polymarket.APIEvent, keywords []string, target time.Time) (candidate, time.Duration, bool) {
	var (
		best      candidate
		bestDrift time.Duration
		found     bool
	)
	for _, ev := range events {
		if !matchesAny(ev.Title+" "+ev.Slug, keywords) {
			continue
		}
		for _, m := range ev.Markets {
			if bool(m.Closed) || !isUpOrDown(m.Question+" "+m.Slug) {
				continue
			}
			if len(m.TokenIDs()) < 2 {
				continue
			}
			expiry := m.Expiry()
			if expiry.IsZero() {
				continue
			}
			drift := expiry.Sub(target)
			if drift < 0 {
				drift = -drift
			}
			if drift > expiryTolerance {
				continue
			}
			if !found || drift < bestDrift {
				slug := m.Slug
				if slug == "" {
					slug = ev.Slug
				}
				best = candidate{market: m, slug: slug}
				bestDrift = drift
				found = true
			}
		}
	}
	return best, bestDrift, found
}

// feeFree checks (with a per-token cache) that a token trades without fees.
// A fee-rate lookup failure counts as not fee free for this attempt but is
// not cached, so a transient API error does not poison the token.
func (d *Discovery) feeFree(ctx context.Context, tokenID string) bool {
	d.mu.Lock()
	cached, ok := d.feeCache[tokenID]
	d.mu.Unlock()
	if ok {
		return cached
	}

	maker, taker, err := d.clob.FeeRate(ctx, tokenID)
	if err != nil {
		d.logger.Warn("fee rate check failed", slog.String("token", tokenID), slog.String("error", err.Error()))
		return false
	}
	free := maker == 0 && taker == 0

	d.mu.Lock()
	d.feeCache[tokenID] = free
	d.mu.Unlock()
	return free
}

func matchesAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// isUpOrDown recognizes the up-or-down question and slug variants.
func isUpOrDown(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "up or down") || strings.Contains(lower, "up-or-down")
}
