// Package engine runs one window state machine per underlying asset. Each
// machine owns its state on a single goroutine; market data is delivered
// through a conflated mailbox and discrete events through a command channel,
// so superseded ticks are discarded instead of queued.
package engine

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/windarb/internal/domain"
	"github.com/quantfold/windarb/internal/event"
	"github.com/quantfold/windarb/internal/model"
	"github.com/quantfold/windarb/internal/risk"
)

// TradeRecorder receives trade lifecycle notifications from the machines.
type TradeRecorder interface {
	RecordOpen(ctx context.Context, t domain.Trade)
	RecordSettled(ctx context.Context, t domain.Trade)
}

// Config holds the per-machine strategy parameters.
type Config struct {
	SoftEdge        float64       // open a divergence episode at this |edge|
	HardEdge        float64       // execution requires the episode to reach this |edge|
	EdgeHysteresis  float64       // episode closes below SoftEdge - EdgeHysteresis
	MinSustained    time.Duration // episode must persist this long before executing
	LateWindowGuard time.Duration // never execute with less than this time remaining
	SettleGrace     time.Duration // wait this long after expiry for a venue resolution
	MaxTickAge      time.Duration // spot ticks older than this are stale
	MaxVolAge       time.Duration // vol snapshots older than this are stale
	PairSumMin      float64       // YES+NO mid sum sanity band
	PairSumMax      float64
	MinRisk         float64 // smallest trade worth placing, in USD
	MaxRisk         float64 // per-trade USD cap handed to the sizer
	KellyFraction   float64 // damping applied to the Kelly sizer
	OrderDeadline   time.Duration
	EvalInterval    time.Duration // periodic re-evaluation cadence
}

// Deps are the machine's collaborators.
type Deps struct {
	Model    *model.FairValue
	Ledger   *risk.Ledger
	Emitter  *event.Emitter
	Orders   domain.OrderClient
	Recorder TradeRecorder
	Paused   func() bool
	DryRun   bool
	Logger   *slog.Logger
}

type command struct {
	window     *domain.MarketWindow
	order      *domain.OrderUpdate
	resolution *resolutionEvent
}

type resolutionEvent struct {
	conditionID string
	res         domain.Resolution
}

// Machine is the window state machine for one asset.
type Machine struct {
	asset string
	cfg   Config
	deps  Deps

	// Conflated mailbox. Writers overwrite; the loop drains on kick.
	mu          sync.Mutex
	pendingTick *domain.Tick
	pendingVol  *domain.VolSnapshot
	pendingBook map[string]domain.BookTop // token ID -> latest top
	kick        chan struct{}

	inbox chan command

	// Loop-owned state. Only the run goroutine touches these.
	state     domain.WindowState
	window    *domain.MarketWindow
	lastTick  *domain.Tick
	lastVol   *domain.VolSnapshot
	books     domain.BookPair
	lastQuote *domain.QuoteSnapshot
	episode   *episode
	openTrade *domain.Trade
	gradAt    time.Time // when the episode graduated to execution
	staleWarn bool

	statusMu sync.Mutex
	status   domain.WindowStatus

	now    func() time.Time
	logger *slog.Logger
}

// NewMachine creates a machine for the given asset. Call Run to start it.
func NewMachine(asset string, cfg Config, deps Deps) *Machine {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 250 * time.Millisecond
	}
	if deps.Paused == nil {
		deps.Paused = func() bool { return false }
	}
	m := &Machine{
		asset:       asset,
		cfg:         cfg,
		deps:        deps,
		pendingBook: make(map[string]domain.BookTop),
		kick:        make(chan struct{}, 1),
		inbox:       make(chan command, 16),
		state:       domain.WindowIdle,
		now:         time.Now,
		logger:      deps.Logger.With(slog.String("component", "engine"), slog.String("asset", asset)),
	}
	m.status = domain.WindowStatus{Asset: asset, State: m.state.String()}
	return m
}

// Run drives the machine until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.EvalInterval)
	defer ticker.Stop()

	m.logger.Info("machine started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("machine stopped")
			return ctx.Err()
		case <-m.kick:
			m.consumePending()
			m.evaluate(ctx)
		case cmd := <-m.inbox:
			m.handleCommand(ctx, cmd)
			m.evaluate(ctx)
		case <-ticker.C:
			m.evaluate(ctx)
		}
	}
}

// DeliverTick hands the machine a spot tick. Never blocks; a newer tick
// replaces an unconsumed older one.
func (m *Machine) DeliverTick(t domain.Tick) {
	m.mu.Lock()
	m.pendingTick = &t
	m.mu.Unlock()
	m.wake()
}

// DeliverVol hands the machine an implied-vol snapshot.
func (m *Machine) DeliverVol(v domain.VolSnapshot) {
	m.mu.Lock()
	m.pendingVol = &v
	m.mu.Unlock()
	m.wake()
}

// DeliverBook hands the machine a book top for one outcome token.
func (m *Machine) DeliverBook(b domain.BookTop) {
	m.mu.Lock()
	m.pendingBook[b.TokenID] = b
	m.mu.Unlock()
	m.wake()
}

// OpenWindow delivers a newly discovered market window.
func (m *Machine) OpenWindow(w domain.MarketWindow) {
	m.inbox <- command{window: &w}
}

// DeliverOrderUpdate routes an executor update to the machine.
func (m *Machine) DeliverOrderUpdate(u domain.OrderUpdate) {
	m.inbox <- command{order: &u}
}

// DeliverResolution routes a venue resolution to the machine.
func (m *Machine) DeliverResolution(conditionID string, res domain.Resolution) {
	m.inbox <- command{resolution: &resolutionEvent{conditionID: conditionID, res: res}}
}

// Status returns the machine's latest dashboard snapshot.
func (m *Machine) Status() domain.WindowStatus {
	m.statusMu.Lock()
	defer m.statusMu.Unlock()
	return m.status
}

func (m *Machine) wake() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Machine) consumePending() {
	m.mu.Lock()
	tick, vol := m.pendingTick, m.pendingVol
	m.pendingTick, m.pendingVol = nil, nil
	var yesBook, noBook *domain.BookTop
	if m.window != nil {
		if b, ok := m.pendingBook[m.window.YesTokenID]; ok {
			yesBook = &b
			delete(m.pendingBook, m.window.YesTokenID)
		}
		if b, ok := m.pendingBook[m.window.NoTokenID]; ok {
			noBook = &b
			delete(m.pendingBook, m.window.NoTokenID)
		}
	}
	m.mu.Unlock()

	if tick != nil {
		m.lastTick = tick
	}
	if vol != nil {
		m.lastVol = vol
	}
	if yesBook != nil {
		m.books.Yes = *yesBook
	}
	if noBook != nil {
		m.books.No = *noBook
	}
}

func (m *Machine) handleCommand(ctx context.Context, cmd command) {
	switch {
	case cmd.window != nil:
		m.handleWindow(ctx, *cmd.window)
	case cmd.order != nil:
		m.handleOrderUpdate(ctx, *cmd.order)
	case cmd.resolution != nil:
		m.handleResolution(ctx, *cmd.resolution)
	}
}

func (m *Machine) handleWindow(ctx context.Context, w domain.MarketWindow) {
	if m.state != domain.WindowIdle {
		m.logger.Warn("window delivered while busy, dropping",
			slog.String("state", m.state.String()), slog.String("slug", w.Slug))
		return
	}
	m.consumePending()
	if m.lastTick == nil || m.stale(m.lastTick.ObservedAt, m.cfg.MaxTickAge) {
		m.emit(ctx, domain.SeverityWarning, domain.CategoryFeedStale,
			"no fresh spot at window open, skipping window", nil)
		return
	}

	w.OpenPrice = m.lastTick.Price
	m.window = &w
	m.books = domain.BookPair{}
	m.episode = nil
	m.lastQuote = nil
	m.openTrade = nil
	m.setState(domain.WindowMonitoring)

	m.emit(ctx, domain.SeverityInfo, domain.CategoryWindowOpen, "window open", map[string]any{
		"slug":       w.Slug,
		"open_price": w.OpenPrice,
		"expires_at": w.ExpiresAt(),
	})
}

func (m *Machine) handleOrderUpdate(ctx context.Context, u domain.OrderUpdate) {
	if m.openTrade == nil || m.openTrade.ID != u.TradeID {
		m.logger.Warn("order update for unknown trade", slog.String("trade_id", u.TradeID))
		return
	}
	if m.state != domain.WindowExecuting {
		return
	}

	switch u.Status {
	case domain.OrderStatusFilled:
		m.openTrade.EntryPrice = u.FilledPrice
		if u.FilledSize > 0 {
			m.openTrade.Shares = u.FilledSize
		}
		m.openTrade.Risk = m.openTrade.EntryPrice * m.openTrade.Shares
		m.openTrade.LatencyMs = m.now().Sub(m.gradAt).Milliseconds()
		m.setState(domain.WindowFilled)
		m.emit(ctx, domain.SeverityInfo, domain.CategoryFill, "order filled", map[string]any{
			"trade_id":   u.TradeID,
			"price":      u.FilledPrice,
			"shares":     m.openTrade.Shares,
			"latency_ms": m.openTrade.LatencyMs,
		})
		if m.deps.Recorder != nil {
			m.deps.Recorder.RecordOpen(ctx, *m.openTrade)
		}

	case domain.OrderStatusRejected, domain.OrderStatusExpired:
		m.deps.Ledger.Release(u.TradeID)
		t := *m.openTrade
		t.Outcome = domain.OutcomeAdverse
		t.Shares = 0
		t.Risk = 0
		t.PnL = 0
		t.SettledAt = m.now()
		m.openTrade = &t
		m.setState(domain.WindowSettled)
		m.emit(ctx, domain.SeverityWarning, domain.CategoryAdverse, "order not filled", map[string]any{
			"trade_id": u.TradeID,
			"status":   string(u.Status),
			"error":    errString(u.Err),
		})
		if m.deps.Recorder != nil {
			m.deps.Recorder.RecordSettled(ctx, t)
		}
	}
}

func (m *Machine) handleResolution(ctx context.Context, ev resolutionEvent) {
	if m.window == nil || m.window.ConditionID != ev.conditionID || !ev.res.Resolved {
		return
	}
	if m.state != domain.WindowFilled {
		return
	}
	exit := 0.0
	won := ev.res.YesWon == (m.openTrade.Side == domain.SideYes)
	if won {
		exit = 1.0
	}
	m.settleTrade(ctx, exit, "resolution")
}

// evaluate is the heart of the machine: it advances the state given the
// latest market data and the clock.
func (m *Machine) evaluate(ctx context.Context) {
	defer m.publishStatus()

	now := m.now()

	if m.window == nil {
		return
	}

	expired := now.After(m.window.ExpiresAt())

	switch m.state {
	case domain.WindowMonitoring, domain.WindowDivergence:
		if expired {
			m.closeWindow(ctx, "expired without execution")
			return
		}
		m.evaluateQuote(ctx, now)

	case domain.WindowExecuting:
		// The executor enforces its own deadline and always delivers a
		// terminal update, so the machine just waits.

	case domain.WindowFilled:
		if !expired {
			return
		}
		if now.After(m.window.ExpiresAt().Add(m.cfg.SettleGrace)) {
			// No venue resolution within the grace period. Fall back to
			// the last midpoint of the held side.
			exit := m.heldSideMid()
			m.settleTrade(ctx, exit, "last_mid")
		}

	case domain.WindowSettled:
		if expired {
			m.closeWindow(ctx, "settled")
		}
	}
}

func (m *Machine) evaluateQuote(ctx context.Context, now time.Time) {
	tickStale := m.lastTick == nil || m.stale(m.lastTick.ObservedAt, m.cfg.MaxTickAge)
	volStale := m.lastVol == nil || m.stale(m.lastVol.ObservedAt, m.cfg.MaxVolAge)

	if tickStale || volStale {
		if m.state == domain.WindowDivergence {
			m.dropEpisode(ctx, "feed stale")
		}
		if !m.staleWarn {
			m.staleWarn = true
			m.emit(ctx, domain.SeverityWarning, domain.CategoryFeedStale, "market data stale", map[string]any{
				"tick_stale": tickStale,
				"vol_stale":  volStale,
			})
		}
		return
	}
	if m.staleWarn {
		m.staleWarn = false
		m.emit(ctx, domain.SeverityInfo, domain.CategoryFeedRestored, "market data restored", nil)
	}

	yesMid, noMid := m.books.Yes.Mid(), m.books.No.Mid()
	if yesMid <= 0 || noMid <= 0 {
		return
	}

	pairSum := yesMid + noMid
	if pairSum < m.cfg.PairSumMin || pairSum > m.cfg.PairSumMax {
		// Thin or crossed book. Freeze the episode rather than trade or
		// drop on bad quotes.
		m.emit(ctx, domain.SeverityWarning, domain.CategoryThinBook, "pair sum outside band", map[string]any{
			"pair_sum": pairSum,
		})
		return
	}

	timeLeft := m.window.TimeRemaining(now)
	fairYes, fairNo, err := m.deps.Model.PricePair(m.lastTick.Price, m.window.OpenPrice, m.lastVol.ImpliedVol, timeLeft)
	if err != nil {
		m.logger.Error("fair value failed", slog.Any("error", err))
		return
	}

	q := domain.QuoteSnapshot{
		Asset:      m.asset,
		Spot:       m.lastTick.Price,
		MovePct:    m.lastTick.Price/m.window.OpenPrice - 1,
		FairYes:    fairYes,
		FairNo:     fairNo,
		ClobYesMid: yesMid,
		ClobNoMid:  noMid,
		EdgeYes:    fairYes - yesMid,
		EdgeNo:     fairNo - noMid,
		PairSum:    pairSum,
		ImpliedVol: m.lastVol.ImpliedVol,
		ObservedAt: now,
	}
	m.lastQuote = &q

	side, edge := q.BestSide()
	absEdge := math.Abs(edge)

	switch {
	case m.episode == nil:
		if absEdge >= m.cfg.SoftEdge {
			m.episode = newEpisode(side, edge, now)
			m.setState(domain.WindowDivergence)
			m.emit(ctx, domain.SeverityInfo, domain.CategoryDivergence, "divergence episode opened", map[string]any{
				"side": string(side),
				"edge": edge,
			})
		}

	case absEdge < m.cfg.SoftEdge-m.cfg.EdgeHysteresis:
		m.dropEpisode(ctx, "edge collapsed")

	case m.episode.side != side:
		// The cheap side flipped; restart the episode clock.
		if absEdge >= m.cfg.SoftEdge {
			m.episode = newEpisode(side, edge, now)
		} else {
			m.dropEpisode(ctx, "side flipped below threshold")
		}

	default:
		m.episode.observe(edge)
		if m.readyToExecute(now, absEdge, timeLeft) {
			m.execute(ctx, q, side, edge, now)
		}
	}
}

func (m *Machine) readyToExecute(now time.Time, absEdge float64, timeLeft time.Duration) bool {
	if m.deps.Paused() || m.deps.Ledger.KillSwitch() {
		return false
	}
	if timeLeft <= m.cfg.LateWindowGuard {
		return false
	}
	if absEdge < m.cfg.HardEdge || m.episode.peak < m.cfg.HardEdge {
		return false
	}
	return m.episode.sustained(now) >= m.cfg.MinSustained
}

func (m *Machine) execute(ctx context.Context, q domain.QuoteSnapshot, side domain.Side, edge float64, now time.Time) {
	var top domain.BookTop
	if side == domain.SideYes {
		top = m.books.Yes
	} else {
		top = m.books.No
	}
	price := top.BestAsk
	if price <= 0 || price >= 1 {
		return
	}

	riskUSD := m.deps.Ledger.SizeOrder(edge, price, m.cfg.MinRisk, m.cfg.MaxRisk, m.cfg.KellyFraction)
	if riskUSD <= 0 {
		return
	}

	tradeID := uuid.NewString()
	if err := m.deps.Ledger.TryReserve(tradeID, riskUSD); err != nil {
		m.emit(ctx, domain.SeverityWarning, domain.CategoryRiskDenied, "risk reservation denied", map[string]any{
			"error": err.Error(),
			"risk":  riskUSD,
		})
		return
	}

	shares := riskUSD / price
	fair := q.FairYes
	if side == domain.SideNo {
		fair = q.FairNo
	}
	trade := domain.Trade{
		ID:          tradeID,
		Asset:       m.asset,
		ConditionID: m.window.ConditionID,
		Slug:        m.window.Slug,
		Side:        side,
		EntryPrice:  price,
		Shares:      shares,
		Risk:        riskUSD,
		Edge:        edge,
		MovePct:     q.MovePct,
		FairValue:   fair,
		Outcome:     domain.OutcomeOpen,
		DryRun:      m.deps.DryRun,
		OpenedAt:    now,
	}

	req := domain.OrderRequest{
		TradeID:     tradeID,
		Asset:       m.asset,
		ConditionID: m.window.ConditionID,
		TokenID:     side.Token(*m.window),
		Side:        side,
		Price:       price,
		Size:        shares,
		NegRisk:     m.window.NegRisk,
		Deadline:    minTime(now.Add(m.cfg.OrderDeadline), m.window.ExpiresAt().Add(-m.cfg.LateWindowGuard/2)),
	}

	if err := m.deps.Orders.Submit(ctx, req); err != nil {
		m.deps.Ledger.Release(tradeID)
		m.emit(ctx, domain.SeverityCritical, domain.CategorySystem, "order submit failed", map[string]any{
			"trade_id": tradeID,
			"error":    err.Error(),
		})
		return
	}

	m.openTrade = &trade
	m.gradAt = now
	m.setState(domain.WindowExecuting)
	m.emit(ctx, domain.SeverityInfo, domain.CategoryExecution, "executing", map[string]any{
		"trade_id": tradeID,
		"side":     string(side),
		"price":    price,
		"shares":   shares,
		"edge":     edge,
	})
}

func (m *Machine) settleTrade(ctx context.Context, exitPrice float64, via string) {
	t := m.openTrade
	t.ExitPrice = exitPrice
	t.PnL = (exitPrice - t.EntryPrice) * t.Shares
	if t.PnL >= 0 {
		t.Outcome = domain.OutcomeConverged
	} else {
		t.Outcome = domain.OutcomeAdverse
	}
	t.SettledAt = m.now()

	if err := m.deps.Ledger.Settle(t.ID, t.PnL); err != nil {
		m.logger.Error("settle failed", slog.String("trade_id", t.ID), slog.Any("error", err))
	}

	cat := domain.CategoryConverged
	sev := domain.SeverityInfo
	if t.Outcome == domain.OutcomeAdverse {
		cat = domain.CategoryAdverse
		sev = domain.SeverityWarning
	}
	m.emit(ctx, sev, cat, "trade settled", map[string]any{
		"trade_id": t.ID,
		"pnl":      t.PnL,
		"exit":     exitPrice,
		"via":      via,
	})
	if m.deps.Recorder != nil {
		m.deps.Recorder.RecordSettled(ctx, *t)
	}
	m.setState(domain.WindowSettled)
}

func (m *Machine) closeWindow(ctx context.Context, reason string) {
	m.emit(ctx, domain.SeverityInfo, domain.CategoryWindowClose, "window closed", map[string]any{
		"slug":   m.window.Slug,
		"reason": reason,
	})
	m.window = nil
	m.episode = nil
	m.lastQuote = nil
	m.openTrade = nil
	m.setState(domain.WindowIdle)
}

func (m *Machine) dropEpisode(ctx context.Context, reason string) {
	m.episode = nil
	m.setState(domain.WindowMonitoring)
	m.logger.Debug("episode dropped", slog.String("reason", reason))
}

func (m *Machine) heldSideMid() float64 {
	if m.openTrade == nil {
		return 0
	}
	if m.openTrade.Side == domain.SideNo {
		return m.books.No.Mid()
	}
	return m.books.Yes.Mid()
}

func (m *Machine) setState(s domain.WindowState) {
	if s == m.state {
		return
	}
	m.logger.Info("state transition",
		slog.String("from", m.state.String()),
		slog.String("to", s.String()))
	m.state = s
}

func (m *Machine) stale(at time.Time, maxAge time.Duration) bool {
	return maxAge > 0 && m.now().Sub(at) > maxAge
}

func (m *Machine) emit(ctx context.Context, sev domain.AlertSeverity, cat domain.AlertCategory, msg string, data map[string]any) {
	m.deps.Emitter.Emit(ctx, domain.Alert{
		Timestamp: m.now(),
		Severity:  sev,
		Category:  cat,
		Asset:     m.asset,
		Message:   msg,
		Data:      data,
	})
}

func (m *Machine) publishStatus() {
	st := domain.WindowStatus{
		Asset: m.asset,
		State: m.state.String(),
	}
	if m.lastTick != nil {
		st.Spot = m.lastTick.Price
		st.LastTickAt = m.lastTick.ObservedAt
	}
	if m.window != nil {
		st.Slug = m.window.Slug
		st.ConditionID = m.window.ConditionID
		st.OpenPrice = m.window.OpenPrice
		st.SecondsLeft = m.window.TimeRemaining(m.now()).Seconds()
	}
	if m.lastQuote != nil {
		st.MovePct = m.lastQuote.MovePct
		st.FairYes = m.lastQuote.FairYes
		st.FairNo = m.lastQuote.FairNo
		st.ClobYesMid = m.lastQuote.ClobYesMid
		st.ClobNoMid = m.lastQuote.ClobNoMid
		st.EdgeYes = m.lastQuote.EdgeYes
		st.EdgeNo = m.lastQuote.EdgeNo
		st.PairSum = m.lastQuote.PairSum
	}
	if !m.books.Yes.UpdatedAt.IsZero() {
		st.LastBookAt = m.books.Yes.UpdatedAt
	}
	if m.episode != nil {
		st.EpisodeOpen = true
		st.EpisodePeak = m.episode.peak
		st.EpisodeSince = m.episode.openedAt
	}
	if m.openTrade != nil {
		st.OpenTradeID = m.openTrade.ID
		st.OpenTradeSide = m.openTrade.Side
	}

	m.statusMu.Lock()
	m.status = st
	m.statusMu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
