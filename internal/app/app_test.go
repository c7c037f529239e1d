package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/windarb/internal/chain"
	"github.com/quantfold/windarb/internal/crypto"
	"github.com/quantfold/windarb/internal/domain"
	"github.com/quantfold/windarb/internal/engine"
	"github.com/quantfold/windarb/internal/event"
	"github.com/quantfold/windarb/internal/executor"
	"github.com/quantfold/windarb/internal/feed"
	"github.com/quantfold/windarb/internal/risk"
	"github.com/quantfold/windarb/internal/service"
)

func TestNormalizeAssets(t *testing.T) {
	got := normalizeAssets([]string{" btc", "ETH", "btc", "", "sol "})
	assert.Equal(t, []string{"BTC", "ETH", "SOL"}, got)
}

func TestVolSources(t *testing.T) {
	proxy := map[string]string{"SOL": "BTC", "XRP": "BTC"}
	got := volSources([]string{"BTC", "ETH", "SOL", "XRP"}, proxy)
	assert.Equal(t, []string{"BTC", "ETH"}, got)

	// No proxying configured: every asset subscribes directly.
	got = volSources([]string{"BTC", "ETH"}, nil)
	assert.Equal(t, []string{"BTC", "ETH"}, got)
}

func testPipeline() *pipeline {
	logger := slog.New(slog.DiscardHandler)
	return &pipeline{
		machines: map[string]*engine.Machine{},
		agg:      feed.NewAggregator(nil, 5*time.Second, nil, logger),
		ledger:   risk.NewLedger(risk.Config{Bankroll: 1000, DailyLossCap: 100}, logger),
		emitter:  event.NewEmitter(16, logger),
		recorder: service.NewTradeRecorder(nil, nil, logger),
		dryRun:   true,
		pausedFn: func() bool { return false },
	}
}

func TestStatusSourceRiskFields(t *testing.T) {
	p := testPipeline()
	require.NoError(t, p.ledger.TryReserve("t1", 20))
	require.NoError(t, p.ledger.Settle("t1", -15))

	st := newStatusSource(p).Status()
	assert.Equal(t, 1000.0, st.Risk.Seed)
	assert.Equal(t, 985.0, st.Risk.Balance)
	assert.Equal(t, -15.0, st.Risk.TotalPnL)
}

func TestStatusSourceDryRunFills(t *testing.T) {
	p := testPipeline()

	updates := make(chan domain.OrderUpdate, 1)
	dry := executor.NewDryRun(func(u domain.OrderUpdate) { updates <- u }, slog.New(slog.DiscardHandler))
	p.fillsFn = dry.Fills

	err := dry.Submit(context.Background(), domain.OrderRequest{
		TradeID: "t1", Asset: "BTC", ConditionID: "c1", TokenID: "tok",
		Side: domain.SideYes, Price: 0.4, Size: 10,
	})
	require.NoError(t, err)
	<-updates

	st := newStatusSource(p).Status()
	assert.Equal(t, int64(1), st.DryRunFills)
	assert.Equal(t, 0, st.PendingRedemptions, "no redeemer in dry-run")
}

func TestRedeemTeeTracksFills(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	signer, err := crypto.NewSigner("59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d", 137)
	require.NoError(t, err)

	rec := service.NewTradeRecorder(nil, nil, logger)
	red := chain.NewRedeemer(nil, signer, nil, logger)
	tee := redeemTee{TradeRecorder: rec, redeemer: red}

	tee.RecordOpen(context.Background(), domain.Trade{
		ID:          "t1",
		Asset:       "BTC",
		ConditionID: "0xabc",
		Slug:        "btc-up-5m",
		Side:        domain.SideYes,
		EntryPrice:  0.4,
		Risk:        40,
	})

	assert.Equal(t, 1, red.PendingCount())
	require.Len(t, rec.Recent(0), 1)

	p := testPipeline()
	p.redeemer = red
	assert.Equal(t, 1, newStatusSource(p).Status().PendingRedemptions)
}
