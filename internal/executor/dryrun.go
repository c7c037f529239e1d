package executor

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/quantfold/windarb/internal/domain"
)

// DryRun simulates execution without touching the exchange: every valid
// order fills immediately at its limit price. Used for paper trading and for
// exercising the full pipeline in development.
type DryRun struct {
	handler UpdateHandler
	logger  *slog.Logger
	seq     atomic.Int64
}

// NewDryRun creates a paper-trading executor.
func NewDryRun(handler UpdateHandler, logger *slog.Logger) *DryRun {
	return &DryRun{
		handler: handler,
		logger:  logger.With(slog.String("component", "executor"), slog.Bool("dry_run", true)),
	}
}

// Submit validates the request and reports an immediate full fill at the
// requested limit price.
func (e *DryRun) Submit(ctx context.Context, req domain.OrderRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}

	orderID := "dry-" + req.TradeID
	e.seq.Add(1)
	e.logger.Info("simulated fill",
		slog.String("trade_id", req.TradeID),
		slog.String("asset", req.Asset),
		slog.String("side", string(req.Side)),
		slog.Float64("price", req.Price),
		slog.Float64("size", req.Size),
	)

	// Deliver asynchronously so Submit never re-enters the caller's loop.
	go e.handler(domain.OrderUpdate{
		TradeID:     req.TradeID,
		Asset:       req.Asset,
		OrderID:     orderID,
		Status:      domain.OrderStatusFilled,
		FilledPrice: req.Price,
		FilledSize:  req.Size,
	})
	return nil
}

// Fills returns the number of simulated fills so far.
func (e *DryRun) Fills() int64 {
	return e.seq.Load()
}
