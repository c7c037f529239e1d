package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/windarb/internal/chain"
	"github.com/quantfold/windarb/internal/crypto"
	"github.com/quantfold/windarb/internal/domain"
	"github.com/quantfold/windarb/internal/engine"
	"github.com/quantfold/windarb/internal/event"
	"github.com/quantfold/windarb/internal/executor"
	"github.com/quantfold/windarb/internal/feed"
	"github.com/quantfold/windarb/internal/market"
	"github.com/quantfold/windarb/internal/model"
	"github.com/quantfold/windarb/internal/platform/polymarket"
	"github.com/quantfold/windarb/internal/risk"
	"github.com/quantfold/windarb/internal/server"
	"github.com/quantfold/windarb/internal/server/handler"
	"github.com/quantfold/windarb/internal/service"
)

const (
	// alertRingSize bounds the in-memory alert history served by the API.
	alertRingSize = 256

	// Implied vol clamps handed to the pricing model. Outside this band the
	// feed data is treated as broken rather than believed.
	minImpliedVol = 0.10
	maxImpliedVol = 5.0

	// archiveHour is the UTC hour at which the previous day is archived.
	archiveHour = 0
	archiveMin  = 5
)

// pipeline groups the live trading components a mode hands to the status API.
type pipeline struct {
	machines map[string]*engine.Machine
	agg      *feed.Aggregator
	ledger   *risk.Ledger
	emitter  *event.Emitter
	recorder *service.TradeRecorder
	redeemer *chain.Redeemer // nil in dry-run
	dryRun   bool
	fillsFn  func() int64 // nil unless dry-run
	pausedFn func() bool
}

// TradeMode runs the full trading pipeline plus the status API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	g, ctx := errgroup.WithContext(ctx)
	p, err := a.startTrading(ctx, g, deps, false)
	if err != nil {
		return err
	}
	a.startServer(ctx, g, deps, p)
	return g.Wait()
}

// MonitorMode runs the same pipeline with order submission forced into
// dry-run, regardless of configuration. No wallet is required.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	p, err := a.startTrading(ctx, g, deps, true)
	if err != nil {
		return err
	}
	a.startServer(ctx, g, deps, p)
	return g.Wait()
}

// ServerMode serves the API over stored data only; no feeds, no engine.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	if !a.cfg.Server.Enabled {
		return fmt.Errorf("app: server mode requires server.enabled")
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps, nil)
	return g.Wait()
}

// FullMode is TradeMode plus the nightly archive job.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	p, err := a.startTrading(ctx, g, deps, false)
	if err != nil {
		return err
	}
	a.startServer(ctx, g, deps, p)

	if deps.Archiver != nil && deps.SettledTrades != nil {
		g.Go(func() error {
			return a.runArchiveJob(ctx, deps)
		})
	} else {
		a.logger.InfoContext(ctx, "archive job disabled",
			slog.Bool("s3", deps.Archiver != nil),
			slog.Bool("postgres", deps.SettledTrades != nil),
		)
	}

	return g.Wait()
}

// startTrading assembles feeds, machines, discovery, and execution, and
// registers their goroutines on g.
func (a *App) startTrading(ctx context.Context, g *errgroup.Group, deps *Dependencies, forceDryRun bool) (*pipeline, error) {
	cfg := a.cfg
	dryRun := cfg.Strategy.DryRun || forceDryRun
	assets := normalizeAssets(cfg.Strategy.Assets)

	// Risk ledger and alert plumbing.
	ledger := risk.NewLedger(risk.Config{
		Bankroll:     cfg.Strategy.SeedUSD,
		DailyLossCap: cfg.Strategy.DailyCapUSD,
		MaxOpen:      cfg.Strategy.MaxOpenPositions,
		MaxPerTrade:  cfg.Strategy.SizeUSD,
	}, a.logger)

	var emitterOpts []event.Option
	if deps.AlertStream != nil {
		emitterOpts = append(emitterOpts, event.WithSink(deps.AlertStream))
	}
	if deps.Notifier != nil {
		emitterOpts = append(emitterOpts, event.WithSink(deps.Notifier))
	}
	emitter := event.NewEmitter(alertRingSize, a.logger, emitterOpts...)

	recorder := service.NewTradeRecorder(deps.TradeStore, emitterSink{emitter}, a.logger)

	// Market data.
	agg := feed.NewAggregator(deps.PriceCache, cfg.Strategy.StaleTick.Duration, cfg.Feeds.VolProxy, a.logger)

	// Exchange clients. The signer and HMAC credentials are only needed
	// when real orders go out.
	var signer *crypto.Signer
	if !dryRun {
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: load wallet key: %w", err)
		}
		signer, err = crypto.NewSigner(key, cfg.Polymarket.ChainID)
		if err != nil {
			return nil, fmt.Errorf("app: signer: %w", err)
		}
	}

	clob := polymarket.NewClobClient(cfg.Polymarket.ClobHost, signer, nil)
	if !dryRun {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, fmt.Errorf("app: derive clob api key: %w", err)
		}
	}
	gamma := polymarket.NewGammaClient(cfg.Discovery.GammaHost)

	books := polymarket.NewBookClient(strings.TrimRight(cfg.Polymarket.WsHost, "/")+"/ws/market", a.logger)
	router := newBookRouter(books)
	books.OnBookTop(router.route)

	// Order execution. Updates are routed back to the asset's machine; the
	// machines map is filled in below, before any order can be submitted.
	machines := make(map[string]*engine.Machine, len(assets))
	route := func(u domain.OrderUpdate) {
		if m, ok := machines[u.Asset]; ok {
			m.DeliverOrderUpdate(u)
		} else {
			a.logger.Warn("order update for unknown asset", slog.String("asset", u.Asset))
		}
	}

	var (
		orders   domain.OrderClient
		redeemer *chain.Redeemer
		fillsFn  func() int64
	)
	if dryRun {
		dry := executor.NewDryRun(route, a.logger)
		orders = dry
		fillsFn = dry.Fills
	} else {
		live := executor.NewLive(clob, signer, route, a.logger)
		orders = live
		g.Go(func() error {
			return live.Run(ctx)
		})

		// Live fills leave conditional tokens in the wallet; the redeemer
		// converts resolved positions back into collateral.
		rpc, err := chain.Dial(ctx, cfg.Polymarket.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		redeemer = chain.NewRedeemer(rpc, signer, emitterSink{emitter}, a.logger)
		g.Go(func() error {
			return redeemer.Run(ctx)
		})
	}

	var rec engine.TradeRecorder = recorder
	if redeemer != nil {
		rec = redeemTee{TradeRecorder: recorder, redeemer: redeemer}
	}

	// Per-asset window machines.
	paused := func() bool {
		return a.paused.Load() || ledger.KillSwitch()
	}
	engCfg := engine.Config{
		SoftEdge:        cfg.Strategy.SoftEdge,
		HardEdge:        cfg.Strategy.HardEdge,
		EdgeHysteresis:  cfg.Strategy.EdgeHysteresis,
		MinSustained:    cfg.Strategy.MinSustained.Duration,
		LateWindowGuard: cfg.Strategy.LateWindowGuard.Duration,
		SettleGrace:     cfg.Discovery.SettleGrace.Duration,
		MaxTickAge:      cfg.Strategy.StaleTick.Duration,
		MaxVolAge:       cfg.Strategy.StaleVol.Duration,
		PairSumMin:      cfg.Strategy.PairSumMin,
		PairSumMax:      cfg.Strategy.PairSumMax,
		MinRisk:         cfg.Strategy.MinSizeUSD,
		MaxRisk:         cfg.Strategy.SizeUSD,
		KellyFraction:   cfg.Strategy.KellyFraction,
		OrderDeadline:   cfg.Strategy.OrderTimeout.Duration,
	}
	pricer := model.NewFairValue(minImpliedVol, maxImpliedVol)

	sinks := make(map[string]market.WindowSink, len(assets))
	for _, asset := range assets {
		m := engine.NewMachine(asset, engCfg, engine.Deps{
			Model:    pricer,
			Ledger:   ledger,
			Emitter:  emitter,
			Orders:   orders,
			Recorder: rec,
			Paused:   paused,
			DryRun:   dryRun,
			Logger:   a.logger,
		})
		machines[asset] = m
		agg.Register(asset, m)
		sinks[asset] = windowSink{asset: asset, machine: m, router: router}
		g.Go(func() error {
			return m.Run(ctx)
		})
	}

	// Upstream feeds. Binance is the primary spot source; the other
	// exchanges run in parallel so one outage never stalls the ticks.
	binance := feed.NewBinanceFeed(feed.BinanceURLs(cfg.Feeds.BinanceHosts, assets), agg, a.logger)
	deribit := feed.NewDeribitFeed(cfg.Feeds.DeribitWS, volSources(assets, cfg.Feeds.VolProxy), agg, a.logger)
	g.Go(func() error {
		return binance.Run(ctx)
	})
	g.Go(func() error {
		return deribit.Run(ctx)
	})
	if url := cfg.Feeds.CoinbaseWS; url != "" {
		coinbase := feed.NewCoinbaseFeed(url, assets, agg, a.logger)
		g.Go(func() error {
			return coinbase.Run(ctx)
		})
	}
	if url := cfg.Feeds.KrakenWS; url != "" {
		kraken := feed.NewKrakenFeed(url, assets, agg, a.logger)
		g.Go(func() error {
			return kraken.Run(ctx)
		})
	}
	if url := cfg.Feeds.OKXWS; url != "" {
		okx := feed.NewOKXFeed(url, assets, agg, a.logger)
		g.Go(func() error {
			return okx.Run(ctx)
		})
	}
	g.Go(func() error {
		return books.Run(ctx)
	})

	// Window discovery and scheduling.
	discovery := market.NewDiscovery(gamma, clob, market.DefaultKeywords(), a.logger)
	planner := market.NewPlanner(discovery, sinks, market.PlannerConfig{
		Duration:       cfg.Discovery.WindowDuration.Duration,
		PreDiscover:    cfg.Discovery.PreDiscover.Duration,
		RetryInterval:  cfg.Discovery.RetryInterval.Duration,
		SettleGrace:    cfg.Discovery.SettleGrace.Duration,
		ResolutionPoll: cfg.Discovery.ResolutionPoll.Duration,
	}, a.logger)
	g.Go(func() error {
		return planner.Run(ctx)
	})

	return &pipeline{
		machines: machines,
		agg:      agg,
		ledger:   ledger,
		emitter:  emitter,
		recorder: recorder,
		redeemer: redeemer,
		dryRun:   dryRun,
		fillsFn:  fillsFn,
		pausedFn: paused,
	}, nil
}

// startServer registers the API goroutines when the server is enabled.
// p may be nil (server mode); stored data then backs every endpoint.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, p *pipeline) {
	if !a.cfg.Server.Enabled {
		return
	}

	var (
		status handler.StatusProvider
		alerts handler.AlertSource
		trades handler.TradeSource
	)
	if p != nil {
		status = newStatusSource(p)
		alerts = p.emitter
		trades = p.recorder
	} else {
		status = storedStatus{startedAt: time.Now()}
		alerts = streamAlertSource{stream: deps.AlertStream}
		trades = storeTradeSource{store: deps.TradeStore}
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health: handler.NewHealthHandler(version),
		Status: handler.NewStatusHandler(status),
		Alerts: handler.NewAlertsHandler(alerts),
		Trades: handler.NewTradesHandler(trades),
	}, deps.Limiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// runArchiveJob writes the previous UTC day's settled trades and alerts to
// object storage shortly after each midnight. Archival is idempotent, so a
// restart mid-day just re-checks and moves on.
func (a *App) runArchiveJob(ctx context.Context, deps *Dependencies) error {
	logger := a.logger.With(slog.String("component", "archive_job"))
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), archiveHour, archiveMin, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next.Sub(now)):
		}

		day := next.Add(-24 * time.Hour).Format("2006-01-02")
		if err := a.archiveDay(ctx, deps, day); err != nil {
			logger.Error("archive failed", slog.String("day", day), slog.Any("error", err))
		}
	}
}

func (a *App) archiveDay(ctx context.Context, deps *Dependencies, day string) error {
	done, err := deps.Archiver.Archived(ctx, day)
	if err != nil {
		return fmt.Errorf("app: check archive %s: %w", day, err)
	}
	if done {
		return nil
	}

	trades, err := deps.SettledTrades.ListSettledOn(ctx, day)
	if err != nil {
		return fmt.Errorf("app: list settled %s: %w", day, err)
	}
	if err := deps.Archiver.ArchiveTrades(ctx, day, trades); err != nil {
		return fmt.Errorf("app: archive trades %s: %w", day, err)
	}

	if deps.AlertStream != nil {
		recent, err := deps.AlertStream.ReadRecent(ctx, 1000)
		if err != nil {
			return fmt.Errorf("app: read alerts %s: %w", day, err)
		}
		var alerts []domain.Alert
		for _, al := range recent {
			if al.Timestamp.UTC().Format("2006-01-02") == day {
				alerts = append(alerts, al)
			}
		}
		if err := deps.Archiver.ArchiveAlerts(ctx, day, alerts); err != nil {
			return fmt.Errorf("app: archive alerts %s: %w", day, err)
		}
	}
	return nil
}

// normalizeAssets upper-cases and de-duplicates the configured asset list.
func normalizeAssets(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// volSources returns the distinct assets whose implied vol must be
// subscribed, replacing proxied assets with their source.
func volSources(assets []string, proxy map[string]string) []string {
	seen := make(map[string]bool, len(assets))
	out := make([]string, 0, len(assets))
	for _, a := range assets {
		src := a
		if p, ok := proxy[a]; ok && p != "" {
			src = strings.ToUpper(p)
		}
		if seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, src)
	}
	return out
}

// emitterSink adapts the emitter's fire-and-forget Emit to the AlertSink
// the recorder expects.
type emitterSink struct {
	e *event.Emitter
}

func (s emitterSink) Publish(ctx context.Context, a domain.Alert) error {
	s.e.Emit(ctx, a)
	return nil
}

// redeemTee forwards trade lifecycle events to the recorder and registers
// live fills with the on-chain redeemer.
type redeemTee struct {
	*service.TradeRecorder
	redeemer *chain.Redeemer
}

func (t redeemTee) RecordOpen(ctx context.Context, tr domain.Trade) {
	t.TradeRecorder.RecordOpen(ctx, tr)
	t.redeemer.Track(chain.Position{
		ConditionID: tr.ConditionID,
		Asset:       tr.Asset,
		Slug:        tr.Slug,
		Side:        tr.Side,
		EntryPrice:  tr.EntryPrice,
		SizeUSD:     tr.Risk,
	})
}

// windowSink hands discovered windows to the asset's machine and keeps the
// book subscription in step.
type windowSink struct {
	asset   string
	machine *engine.Machine
	router  *bookRouter
}

func (s windowSink) OpenWindow(w domain.MarketWindow) {
	s.router.open(s.asset, s.machine, w)
	s.machine.OpenWindow(w)
}

func (s windowSink) DeliverResolution(conditionID string, res domain.Resolution) {
	s.machine.DeliverResolution(conditionID, res)
}

// bookRouter maps outcome tokens to machines and maintains the combined
// watch list across all assets' current windows.
type bookRouter struct {
	books *polymarket.BookClient

	mu      sync.Mutex
	byToken map[string]*engine.Machine
	tokens  map[string][]string // asset -> its current window's tokens
}

func newBookRouter(books *polymarket.BookClient) *bookRouter {
	return &bookRouter{
		books:   books,
		byToken: make(map[string]*engine.Machine),
		tokens:  make(map[string][]string),
	}
}

// open replaces the asset's tracked tokens and resubscribes the union.
func (r *bookRouter) open(asset string, m *engine.Machine, w domain.MarketWindow) {
	r.mu.Lock()
	for _, t := range r.tokens[asset] {
		delete(r.byToken, t)
	}
	toks := []string{w.YesTokenID, w.NoTokenID}
	r.tokens[asset] = toks
	for _, t := range toks {
		r.byToken[t] = m
	}
	watch := make([]string, 0, 2*len(r.tokens))
	for _, ts := range r.tokens {
		watch = append(watch, ts...)
	}
	r.mu.Unlock()

	r.books.Watch(watch)
}

func (r *bookRouter) route(top domain.BookTop) {
	r.mu.Lock()
	m := r.byToken[top.TokenID]
	r.mu.Unlock()
	if m != nil {
		m.DeliverBook(top)
	}
}
