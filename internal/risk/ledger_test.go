package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/windarb/internal/domain"
)

func testLedger(cfg Config) *Ledger {
	return NewLedger(cfg, slog.New(slog.DiscardHandler))
}

func TestTryReserveAndSettle(t *testing.T) {
	l := testLedger(Config{Bankroll: 1000, DailyLossCap: 200})

	require.NoError(t, l.TryReserve("t1", 50))

	snap := l.Snapshot()
	assert.Equal(t, 50.0, snap.Reserved)
	assert.Equal(t, 1, snap.OpenTrades)

	require.NoError(t, l.Settle("t1", -50))

	snap = l.Snapshot()
	assert.Equal(t, 0.0, snap.Reserved)
	assert.Equal(t, 950.0, snap.Balance)
	assert.Equal(t, -50.0, snap.DailyPnL)
}

func TestSnapshotSeedAndLifetimePnL(t *testing.T) {
	l := testLedger(Config{Bankroll: 1000, DailyLossCap: 200})

	snap := l.Snapshot()
	assert.Equal(t, 1000.0, snap.Seed)
	assert.Equal(t, 0.0, snap.TotalPnL)

	require.NoError(t, l.TryReserve("t1", 50))
	require.NoError(t, l.Settle("t1", 30))
	require.NoError(t, l.TryReserve("t2", 50))
	require.NoError(t, l.Settle("t2", -10))

	snap = l.Snapshot()
	assert.Equal(t, 1000.0, snap.Seed, "seed never changes after construction")
	assert.Equal(t, 1020.0, snap.Balance)
	assert.Equal(t, 20.0, snap.TotalPnL)

	// TotalPnL survives the day rollover that resets DailyPnL.
	l.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	snap = l.Snapshot()
	assert.Equal(t, 0.0, snap.DailyPnL)
	assert.Equal(t, 20.0, snap.TotalPnL)
}

func TestDailyCapDenial(t *testing.T) {
	l := testLedger(Config{Bankroll: 1000, DailyLossCap: 200})

	// Lose 150, then reserve 30: cap headroom is 20, so a 50 ask fails.
	require.NoError(t, l.TryReserve("t1", 150))
	require.NoError(t, l.Settle("t1", -150))
	require.NoError(t, l.TryReserve("t2", 30))

	err := l.TryReserve("t3", 50)
	require.ErrorIs(t, err, domain.ErrRiskDenied)

	// A smaller ask inside the headroom still works.
	require.NoError(t, l.TryReserve("t4", 20))
}

func TestKillSwitch(t *testing.T) {
	l := testLedger(Config{Bankroll: 1000, DailyLossCap: 200})

	require.NoError(t, l.TryReserve("t1", 200))
	require.NoError(t, l.Settle("t1", -200))

	assert.True(t, l.KillSwitch())
	assert.ErrorIs(t, l.TryReserve("t2", 1), domain.ErrRiskDenied)
}

func TestDayRolloverResetsDailyPnL(t *testing.T) {
	l := testLedger(Config{Bankroll: 1000, DailyLossCap: 200})

	clock := time.Date(2026, 8, 29, 23, 50, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }
	l.day = "2026-08-29"

	require.NoError(t, l.TryReserve("t1", 200))
	require.NoError(t, l.Settle("t1", -200))
	assert.True(t, l.KillSwitch())

	clock = clock.Add(20 * time.Minute) // past midnight UTC

	assert.False(t, l.KillSwitch())
	snap := l.Snapshot()
	assert.Equal(t, 0.0, snap.DailyPnL)
	assert.Equal(t, -200.0, snap.SessionPnL, "session PnL survives the rollover")
	require.NoError(t, l.TryReserve("t2", 50))
}

func TestSettleIdempotent(t *testing.T) {
	l := testLedger(Config{Bankroll: 1000})

	require.NoError(t, l.TryReserve("t1", 50))
	require.NoError(t, l.Settle("t1", 25))

	err := l.Settle("t1", 25)
	require.ErrorIs(t, err, domain.ErrDuplicateTrade)

	snap := l.Snapshot()
	assert.Equal(t, 1025.0, snap.Balance, "second settle must not double-apply")
}

func TestReleaseFreesWithoutPnL(t *testing.T) {
	l := testLedger(Config{Bankroll: 1000})

	require.NoError(t, l.TryReserve("t1", 100))
	l.Release("t1")
	l.Release("t1") // no-op

	snap := l.Snapshot()
	assert.Equal(t, 0.0, snap.Reserved)
	assert.Equal(t, 1000.0, snap.Balance)
}

func TestMaxOpenAndPerTradeLimits(t *testing.T) {
	l := testLedger(Config{Bankroll: 1000, MaxOpen: 2, MaxPerTrade: 100})

	assert.ErrorIs(t, l.TryReserve("big", 150), domain.ErrRiskDenied)

	require.NoError(t, l.TryReserve("t1", 50))
	require.NoError(t, l.TryReserve("t2", 50))
	assert.ErrorIs(t, l.TryReserve("t3", 50), domain.ErrRiskDenied)
}

func TestConcurrentReservationsNeverOvercommit(t *testing.T) {
	l := testLedger(Config{Bankroll: 1000, DailyLossCap: 200})

	var wg sync.WaitGroup
	granted := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			if l.TryReserve(id, 60) == nil {
				granted <- id
			}
		}(i)
	}
	wg.Wait()
	close(granted)

	var ids []string
	for id := range granted {
		ids = append(ids, id)
	}
	// 60 each against a 200 cap: at most 3 may be granted.
	assert.LessOrEqual(t, len(ids), 3)
	snap := l.Snapshot()
	assert.Equal(t, float64(len(ids))*60, snap.Reserved)
	assert.LessOrEqual(t, snap.Reserved, 200.0)
}

func TestSizeOrder(t *testing.T) {
	l := testLedger(Config{Bankroll: 1000})

	// 5 cent edge buying at 0.50 with quarter Kelly.
	risk := l.SizeOrder(0.05, 0.50, 1, 50, 0.25)
	assert.InDelta(t, 25.0, risk, 1e-9)

	// Clamped by maxRisk.
	risk = l.SizeOrder(0.20, 0.50, 1, 50, 1.0)
	assert.Equal(t, 50.0, risk)

	// Below minRisk rounds to zero.
	risk = l.SizeOrder(0.001, 0.50, 5, 50, 0.25)
	assert.Equal(t, 0.0, risk)

	// Degenerate prices never size.
	assert.Equal(t, 0.0, l.SizeOrder(0.05, 0, 1, 50, 0.25))
	assert.Equal(t, 0.0, l.SizeOrder(0.05, 1, 1, 50, 0.25))
}
