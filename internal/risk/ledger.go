// Package risk enforces bankroll and daily-loss limits across all window
// machines. The ledger is the single authority on whether capital may be
// committed; every reservation and settlement passes through one mutex so
// concurrent machines never overcommit.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfold/windarb/internal/domain"
)

// Config holds the ledger's limits.
type Config struct {
	Bankroll     float64 // starting balance in USD
	DailyLossCap float64 // max realized loss per UTC day before the kill switch trips
	MaxOpen      int     // max simultaneous open reservations
	MaxPerTrade  float64 // max USD risk per single trade
}

// Ledger tracks balance, open reservations, and realized PnL.
type Ledger struct {
	mu sync.Mutex

	balance    float64
	seed       float64
	sessionPnL float64
	dailyPnL   float64
	reserved   float64
	day        string // UTC day the daily figures cover, e.g. "2026-08-29"

	cfg Config

	open    map[string]float64 // trade ID -> reserved risk
	settled map[string]bool    // trade IDs already settled

	now    func() time.Time
	logger *slog.Logger
}

// NewLedger creates a ledger seeded with cfg.Bankroll.
func NewLedger(cfg Config, logger *slog.Logger) *Ledger {
	now := time.Now
	return &Ledger{
		balance: cfg.Bankroll,
		seed:    cfg.Bankroll,
		day:     utcDay(now()),
		cfg:     cfg,
		open:    make(map[string]float64),
		settled: make(map[string]bool),
		now:     now,
		logger:  logger.With(slog.String("component", "risk")),
	}
}

// TryReserve atomically reserves risk USD for the given trade ID. It
// returns an error wrapping domain.ErrRiskDenied when any limit would be
// breached; on denial nothing is reserved.
func (l *Ledger) TryReserve(tradeID string, risk float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked()

	if risk <= 0 {
		return fmt.Errorf("risk: non-positive reservation %.2f: %w", risk, domain.ErrRiskDenied)
	}
	if _, ok := l.open[tradeID]; ok {
		return fmt.Errorf("risk: trade %s already reserved: %w", tradeID, domain.ErrRiskDenied)
	}
	if l.cfg.MaxPerTrade > 0 && risk > l.cfg.MaxPerTrade {
		return fmt.Errorf("risk: %.2f exceeds per-trade limit %.2f: %w", risk, l.cfg.MaxPerTrade, domain.ErrRiskDenied)
	}
	if l.cfg.MaxOpen > 0 && len(l.open) >= l.cfg.MaxOpen {
		return fmt.Errorf("risk: %d open trades at limit: %w", len(l.open), domain.ErrRiskDenied)
	}
	if risk > l.balance-l.reserved {
		return fmt.Errorf("risk: %.2f exceeds free balance %.2f: %w", risk, l.balance-l.reserved, domain.ErrRiskDenied)
	}

	// Daily loss cap counts realized losses plus everything currently at
	// risk, so a burst of simultaneous reservations cannot blow past it.
	lossSoFar := 0.0
	if l.dailyPnL < 0 {
		lossSoFar = -l.dailyPnL
	}
	if l.cfg.DailyLossCap > 0 && lossSoFar+l.reserved+risk > l.cfg.DailyLossCap {
		return fmt.Errorf("risk: daily cap %.2f would be exceeded (lost=%.2f reserved=%.2f ask=%.2f): %w",
			l.cfg.DailyLossCap, lossSoFar, l.reserved, risk, domain.ErrRiskDenied)
	}

	l.open[tradeID] = risk
	l.reserved += risk
	l.logger.Debug("reserved", slog.String("trade_id", tradeID), slog.Float64("risk", risk), slog.Float64("reserved_total", l.reserved))
	return nil
}

// Release frees a reservation without any PnL effect, used when an order
// never filled. Releasing an unknown trade ID is a no-op.
func (l *Ledger) Release(tradeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	risk, ok := l.open[tradeID]
	if !ok {
		return
	}
	delete(l.open, tradeID)
	l.reserved -= risk
	l.logger.Debug("released", slog.String("trade_id", tradeID), slog.Float64("risk", risk))
}

// Settle finalizes a trade: the reservation is freed and pnl is applied to
// the balance and daily figures. Settling the same trade ID twice returns
// domain.ErrDuplicateTrade and has no effect.
func (l *Ledger) Settle(tradeID string, pnl float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked()

	if l.settled[tradeID] {
		return fmt.Errorf("risk: trade %s: %w", tradeID, domain.ErrDuplicateTrade)
	}

	if risk, ok := l.open[tradeID]; ok {
		delete(l.open, tradeID)
		l.reserved -= risk
	}
	l.settled[tradeID] = true
	l.balance += pnl
	l.sessionPnL += pnl
	l.dailyPnL += pnl

	l.logger.Info("settled",
		slog.String("trade_id", tradeID),
		slog.Float64("pnl", pnl),
		slog.Float64("balance", l.balance),
		slog.Float64("daily_pnl", l.dailyPnL))
	return nil
}

// KillSwitch reports whether the daily loss cap has been reached. While
// tripped, TryReserve denies everything until the UTC day rolls over.
func (l *Ledger) KillSwitch() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollDayLocked()
	return l.killLocked()
}

func (l *Ledger) killLocked() bool {
	return l.cfg.DailyLossCap > 0 && -l.dailyPnL >= l.cfg.DailyLossCap
}

// Snapshot returns a consistent point-in-time view for the dashboard.
func (l *Ledger) Snapshot() domain.RiskSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollDayLocked()

	remaining := 0.0
	if l.cfg.DailyLossCap > 0 {
		lossSoFar := 0.0
		if l.dailyPnL < 0 {
			lossSoFar = -l.dailyPnL
		}
		remaining = l.cfg.DailyLossCap - lossSoFar - l.reserved
		if remaining < 0 {
			remaining = 0
		}
	}

	return domain.RiskSnapshot{
		Balance:     l.balance,
		Seed:        l.seed,
		TotalPnL:    l.balance - l.seed,
		SessionPnL:  l.sessionPnL,
		DailyPnL:    l.dailyPnL,
		Reserved:    l.reserved,
		DailyCap:    l.cfg.DailyLossCap,
		CapRemains:  remaining,
		OpenTrades:  len(l.open),
		KillSwitch:  l.killLocked(),
		Day:         l.day,
		GeneratedAt: l.now(),
	}
}

// rollDayLocked resets daily counters when the UTC day changes. Open
// reservations survive the rollover; only realized daily PnL resets.
func (l *Ledger) rollDayLocked() {
	today := utcDay(l.now())
	if today == l.day {
		return
	}
	l.logger.Info("utc day rollover", slog.String("from", l.day), slog.String("to", today), slog.Float64("daily_pnl", l.dailyPnL))
	l.day = today
	l.dailyPnL = 0
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
