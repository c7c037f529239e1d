package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfold/windarb/internal/domain"
)

// TradeStore implements domain.TradeStore on PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, asset, condition_id, slug, side, entry_price,
	exit_price, shares, risk_usd, edge, move_pct, fair_value, outcome, pnl,
	latency_ms, dry_run, opened_at, settled_at`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var (
		t         domain.Trade
		settledAt *time.Time
	)
	err := row.Scan(
		&t.ID, &t.Asset, &t.ConditionID, &t.Slug, &t.Side, &t.EntryPrice,
		&t.ExitPrice, &t.Shares, &t.Risk, &t.Edge, &t.MovePct, &t.FairValue,
		&t.Outcome, &t.PnL, &t.LatencyMs, &t.DryRun, &t.OpenedAt, &settledAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	if settledAt != nil {
		t.SettledAt = *settledAt
	}
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// SaveTrade inserts a new trade row.
func (s *TradeStore) SaveTrade(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, asset, condition_id, slug, side, entry_price, exit_price,
			shares, risk_usd, edge, move_pct, fair_value, outcome, pnl,
			latency_ms, dry_run, opened_at, settled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18
		) ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Asset, t.ConditionID, t.Slug, t.Side, t.EntryPrice, t.ExitPrice,
		t.Shares, t.Risk, t.Edge, t.MovePct, t.FairValue, t.Outcome, t.PnL,
		t.LatencyMs, t.DryRun, t.OpenedAt, nullableTime(t.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: save trade %s: %w", t.ID, err)
	}
	return nil
}

// UpdateTrade writes the settlement fields of an existing trade. A missing
// row is upserted so settlement survives a journal miss at open time.
func (s *TradeStore) UpdateTrade(ctx context.Context, t domain.Trade) error {
	const query = `
		UPDATE trades SET
			exit_price = $2, shares = $3, outcome = $4, pnl = $5,
			latency_ms = $6, settled_at = $7
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		t.ID, t.ExitPrice, t.Shares, t.Outcome, t.PnL,
		t.LatencyMs, nullableTime(t.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: update trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.SaveTrade(ctx, t)
	}
	return nil
}

// GetTrade fetches one trade by ID.
func (s *TradeStore) GetTrade(ctx context.Context, id string) (domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE id = $1`

	t, err := scanTrade(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Trade{}, fmt.Errorf("postgres: trade %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Trade{}, fmt.Errorf("postgres: get trade %s: %w", id, err)
	}
	return t, nil
}

// ListRecentTrades returns the newest trades first.
func (s *TradeStore) ListRecentTrades(ctx context.Context, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + tradeSelectCols + ` FROM trades ORDER BY opened_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent trades: %w", err)
	}
	return trades, nil
}

// ListTradesSince returns trades opened at or after the given instant,
// oldest first.
func (s *TradeStore) ListTradesSince(ctx context.Context, since time.Time) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE opened_at >= $1 ORDER BY opened_at ASC`

	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades since: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades since: %w", err)
	}
	return trades, nil
}

// ListSettledOn returns settled trades whose settlement falls on the given
// UTC day (YYYY-MM-DD), for archival.
func (s *TradeStore) ListSettledOn(ctx context.Context, day string) ([]domain.Trade, error) {
	start, err := time.Parse("2006-01-02", day)
	if err != nil {
		return nil, fmt.Errorf("postgres: bad day %q: %w", day, err)
	}
	end := start.Add(24 * time.Hour)

	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE settled_at >= $1 AND settled_at < $2 ORDER BY settled_at ASC`

	rows, err := s.pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled on %s: %w", day, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan settled on %s: %w", day, err)
	}
	return trades, nil
}
