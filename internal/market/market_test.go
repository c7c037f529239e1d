package market

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/windarb/internal/domain"
	"github.com/quantfold/windarb/internal/platform/polymarket"
)

type fakeGamma struct {
	events  []polymarket.APIEvent
	listErr error
	res     domain.Resolution
	resErr  error
}

func (f *fakeGamma) ListActiveEvents(context.Context, int) ([]polymarket.APIEvent, error) {
	return f.events, f.listErr
}

func (f *fakeGamma) Resolution(context.Context, string) (domain.Resolution, error) {
	return f.res, f.resErr
}

type fakeFees struct {
	mu    sync.Mutex
	taker map[string]float64 // tokenID -> taker fee, missing means fee free
	calls int
}

func (f *fakeFees) FeeRate(_ context.Context, tokenID string) (float64, float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 0, f.taker[tokenID], nil
}

func upDownEvent(asset, slug, endDate string) polymarket.APIEvent {
	return polymarket.APIEvent{
		Title: asset + " Up or Down",
		Slug:  slug,
		Markets: []polymarket.APIMarket{{
			ConditionID:  "cond-" + slug,
			Question:     asset + " up or down?",
			Slug:         slug,
			EndDate:      endDate,
			ClobTokenIDs: `["yes-` + slug + `","no-` + slug + `"]`,
		}},
	}
}

func newTestDiscovery(gamma eventLister, fees feeRater) *Discovery {
	return &Discovery{
		gamma:     gamma,
		clob:      fees,
		keywords:  DefaultKeywords(),
		maxEvents: 500,
		logger:    slog.New(slog.DiscardHandler),
		feeCache:  make(map[string]bool),
	}
}

func TestFindWindowMatchesSlot(t *testing.T) {
	openAt := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	expiry := openAt.Add(5 * time.Minute).Format(time.RFC3339)

	gamma := &fakeGamma{events: []polymarket.APIEvent{
		upDownEvent("Solana", "solana-up-or-down-aug-29", expiry), // wrong asset
		upDownEvent("Bitcoin", "bitcoin-up-or-down-aug-29-1100", openAt.Format(time.RFC3339)), // wrong slot
		upDownEvent("Bitcoin", "bitcoin-up-or-down-aug-29-1205", expiry),
	}}
	d := newTestDiscovery(gamma, &fakeFees{})

	w, err := d.FindWindow(context.Background(), "BTC", openAt, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "BTC", w.Asset)
	assert.Equal(t, "bitcoin-up-or-down-aug-29-1205", w.Slug)
	assert.Equal(t, "cond-bitcoin-up-or-down-aug-29-1205", w.ConditionID)
	assert.Equal(t, "yes-bitcoin-up-or-down-aug-29-1205", w.YesTokenID)
	assert.Equal(t, "no-bitcoin-up-or-down-aug-29-1205", w.NoTokenID)
	assert.Equal(t, openAt, w.OpenedAt)
	assert.Equal(t, 5*time.Minute, w.Duration)
}

func TestFindWindowToleratesExpiryDrift(t *testing.T) {
	openAt := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	// 20s past the ideal boundary, inside tolerance.
	expiry := openAt.Add(5*time.Minute + 20*time.Second).Format(time.RFC3339)

	gamma := &fakeGamma{events: []polymarket.APIEvent{
		upDownEvent("Bitcoin", "bitcoin-up-or-down", expiry),
	}}
	d := newTestDiscovery(gamma, &fakeFees{})

	_, err := d.FindWindow(context.Background(), "BTC", openAt, 5*time.Minute)
	assert.NoError(t, err)
}

func TestFindWindowNoMatch(t *testing.T) {
	openAt := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	gamma := &fakeGamma{events: []polymarket.APIEvent{
		upDownEvent("Bitcoin", "bitcoin-up-or-down", openAt.Add(time.Hour).Format(time.RFC3339)),
	}}
	d := newTestDiscovery(gamma, &fakeFees{})

	_, err := d.FindWindow(context.Background(), "BTC", openAt, 5*time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = d.FindWindow(context.Background(), "DOGE", openAt, 5*time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindWindowRejectsFeeCharging(t *testing.T) {
	openAt := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	expiry := openAt.Add(5 * time.Minute).Format(time.RFC3339)
	gamma := &fakeGamma{events: []polymarket.APIEvent{
		upDownEvent("Bitcoin", "bitcoin-up-or-down", expiry),
	}}
	fees := &fakeFees{taker: map[string]float64{"yes-bitcoin-up-or-down": 0.02}}
	d := newTestDiscovery(gamma, fees)

	_, err := d.FindWindow(context.Background(), "BTC", openAt, 5*time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// Second attempt hits the cache, not the API.
	_, err = d.FindWindow(context.Background(), "BTC", openAt, 5*time.Minute)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, fees.calls)
}

func TestNextSlot(t *testing.T) {
	d := 5 * time.Minute

	at := time.Date(2026, 8, 29, 12, 3, 17, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 29, 12, 5, 0, 0, time.UTC), nextSlot(at, d))

	// Exactly on a boundary schedules the next one.
	at = time.Date(2026, 8, 29, 12, 5, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 29, 12, 10, 0, 0, time.UTC), nextSlot(at, d))
}

type recordingSink struct {
	mu       sync.Mutex
	windows  []domain.MarketWindow
	resolved []string
}

func (s *recordingSink) OpenWindow(w domain.MarketWindow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, w)
}

func (s *recordingSink) DeliverResolution(conditionID string, _ domain.Resolution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, conditionID)
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows), len(s.resolved)
}

type scriptedDiscovery struct {
	mu    sync.Mutex
	finds int
	res   domain.Resolution
}

func (f *scriptedDiscovery) FindWindow(_ context.Context, asset string, openAt time.Time, d time.Duration) (domain.MarketWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finds++
	return domain.MarketWindow{
		Asset:       asset,
		ConditionID: "cond-1",
		Slug:        "slot-window",
		YesTokenID:  "y",
		NoTokenID:   "n",
		OpenedAt:    openAt,
		Duration:    d,
	}, nil
}

func (f *scriptedDiscovery) Resolution(context.Context, string) (domain.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.res, nil
}

func TestPlannerOpensAndResolvesWindows(t *testing.T) {
	disc := &scriptedDiscovery{res: domain.Resolution{Resolved: true, YesWon: true}}
	sink := &recordingSink{}

	p := NewPlanner(disc, map[string]WindowSink{"BTC": sink}, PlannerConfig{
		Duration:       50 * time.Millisecond,
		PreDiscover:    20 * time.Millisecond,
		RetryInterval:  5 * time.Millisecond,
		SettleGrace:    30 * time.Millisecond,
		ResolutionPoll: 5 * time.Millisecond,
	}, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled))

	windows, resolved := sink.counts()
	assert.GreaterOrEqual(t, windows, 1, "at least one slot should have opened")
	assert.GreaterOrEqual(t, resolved, 1, "at least one window should have resolved")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, w := range sink.windows {
		assert.Equal(t, "BTC", w.Asset)
		assert.Zero(t, w.OpenedAt.UnixNano()%int64(50*time.Millisecond), "windows open on slot boundaries")
	}
}
