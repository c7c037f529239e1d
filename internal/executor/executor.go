// Package executor turns engine order requests into signed CLOB orders and
// reports fill progress back through an UpdateHandler.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/quantfold/windarb/internal/crypto"
	"github.com/quantfold/windarb/internal/domain"
	"github.com/quantfold/windarb/internal/platform/polymarket"
)

const (
	// USDC and CTF share tokens both use 6 decimals on Polygon.
	usdcDecimals = 1e6

	zeroAddress = "0x0000000000000000000000000000000000000000"

	defaultPollInterval = 500 * time.Millisecond
	defaultQueueSize    = 16
)

// UpdateHandler receives order updates as they happen. Handlers must not
// block; the engine side buffers its inbox.
type UpdateHandler func(domain.OrderUpdate)

// clobAPI is the slice of the CLOB client the live executor needs.
type clobAPI interface {
	PostOrder(ctx context.Context, payload crypto.OrderPayload, signature, orderType string) (polymarket.APIOrderResult, error)
	GetOrder(ctx context.Context, orderID string) (polymarket.APIOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// orderSigner signs EIP-712 order payloads.
type orderSigner interface {
	SignOrder(order crypto.OrderPayload, negRisk bool) (string, error)
}

// Live is the real-money order client. Submit enqueues a request; a worker
// per order signs it, posts it as GTC, then polls the CLOB until the order
// fills, is cancelled, or passes its deadline (at which point the executor
// cancels it).
type Live struct {
	clob    clobAPI
	signer  orderSigner
	maker   string // funding wallet, also the EIP-712 signer address
	handler UpdateHandler

	queue        chan domain.OrderRequest
	pollInterval time.Duration
	now          func() time.Time
	logger       *slog.Logger

	wg sync.WaitGroup
}

// NewLive creates a live executor. maker is the wallet address that funds
// and signs orders.
func NewLive(clob *polymarket.ClobClient, signer *crypto.Signer, handler UpdateHandler, logger *slog.Logger) *Live {
	return &Live{
		clob:         clob,
		signer:       signer,
		maker:        signer.Address().Hex(),
		handler:      handler,
		queue:        make(chan domain.OrderRequest, defaultQueueSize),
		pollInterval: defaultPollInterval,
		now:          time.Now,
		logger:       logger.With(slog.String("component", "executor")),
	}
}

// Submit enqueues an order request for execution. It returns an error only
// when the request is malformed or the executor is backed up.
func (e *Live) Submit(ctx context.Context, req domain.OrderRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	select {
	case e.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("executor: queue full, dropping order for %s: %w", req.Asset, domain.ErrInvalidOrder)
	}
}

// Run processes queued orders until the context is cancelled, then waits for
// in-flight workers to finish.
func (e *Live) Run(ctx context.Context) error {
	e.logger.Info("executor started", slog.String("maker", e.maker))
	defer e.logger.Info("executor stopped")

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			return ctx.Err()
		case req := <-e.queue:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.place(ctx, req)
			}()
		}
	}
}

// place runs one order through sign, post, and poll-until-terminal.
func (e *Live) place(ctx context.Context, req domain.OrderRequest) {
	log := e.logger.With(
		slog.String("trade_id", req.TradeID),
		slog.String("asset", req.Asset),
		slog.String("side", string(req.Side)),
	)

	payload, err := buildPayload(e.maker, req)
	if err != nil {
		e.deliver(domain.OrderUpdate{TradeID: req.TradeID, Asset: req.Asset, Status: domain.OrderStatusRejected, Err: err})
		return
	}

	signature, err := e.signer.SignOrder(payload, req.NegRisk)
	if err != nil {
		log.Error("order signing failed", slog.String("error", err.Error()))
		e.deliver(domain.OrderUpdate{TradeID: req.TradeID, Asset: req.Asset, Status: domain.OrderStatusRejected,
			Err: fmt.Errorf("executor: sign order: %w", err)})
		return
	}

	result, err := e.clob.PostOrder(ctx, payload, signature, "GTC")
	if err != nil {
		log.Error("order post failed", slog.String("error", err.Error()))
		e.deliver(domain.OrderUpdate{TradeID: req.TradeID, Asset: req.Asset, Status: domain.OrderStatusRejected,
			Err: fmt.Errorf("executor: post order: %w", err)})
		return
	}
	if !result.Success {
		log.Warn("order rejected by exchange", slog.String("message", result.ErrorMsg))
		e.deliver(domain.OrderUpdate{TradeID: req.TradeID, Asset: req.Asset, OrderID: result.OrderID,
			Status: domain.OrderStatusRejected,
			Err:    fmt.Errorf("executor: exchange rejected order: %s", result.ErrorMsg)})
		return
	}

	log.Info("order placed",
		slog.String("order_id", result.OrderID),
		slog.Float64("price", req.Price),
		slog.Float64("size", req.Size),
	)
	e.pollUntilTerminal(ctx, req, result.OrderID, log)
}

// pollUntilTerminal watches an accepted order until it fills, the exchange
// cancels it, or the request deadline passes.
func (e *Live) pollUntilTerminal(ctx context.Context, req domain.OrderRequest, orderID string, log *slog.Logger) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.cancelOrder(orderID, log)
			e.deliver(domain.OrderUpdate{TradeID: req.TradeID, Asset: req.Asset, OrderID: orderID,
				Status: domain.OrderStatusExpired, Err: ctx.Err()})
			return
		case <-ticker.C:
		}

		if e.now().After(req.Deadline) {
			e.cancelOrder(orderID, log)
			e.finishExpired(ctx, req, orderID, log)
			return
		}

		order, err := e.clob.GetOrder(ctx, orderID)
		if err != nil {
			// Transient lookup failures are retried on the next tick.
			log.Warn("order poll failed", slog.String("order_id", orderID), slog.String("error", err.Error()))
			continue
		}

		switch order.Status {
		case "MATCHED", "FILLED":
			log.Info("order filled",
				slog.String("order_id", orderID),
				slog.Float64("filled_price", order.FilledPrice()),
				slog.Float64("filled_size", order.FilledSize()),
			)
			e.deliver(domain.OrderUpdate{TradeID: req.TradeID, Asset: req.Asset, OrderID: orderID,
				Status: domain.OrderStatusFilled, FilledPrice: order.FilledPrice(), FilledSize: order.FilledSize()})
			return
		case "CANCELED", "CANCELLED":
			log.Warn("order cancelled by exchange", slog.String("order_id", orderID))
			e.deliver(domain.OrderUpdate{TradeID: req.TradeID, Asset: req.Asset, OrderID: orderID,
				Status: domain.OrderStatusRejected})
			return
		}
	}
}

// finishExpired reports the final state after a deadline cancel. A partial
// fill that happened before the cancel still counts as a fill.
func (e *Live) finishExpired(ctx context.Context, req domain.OrderRequest, orderID string, log *slog.Logger) {
	if order, err := e.clob.GetOrder(ctx, orderID); err == nil && order.FilledSize() > 0 {
		log.Info("order partially filled before deadline",
			slog.String("order_id", orderID),
			slog.Float64("filled_size", order.FilledSize()),
		)
		e.deliver(domain.OrderUpdate{TradeID: req.TradeID, Asset: req.Asset, OrderID: orderID,
			Status: domain.OrderStatusFilled, FilledPrice: order.FilledPrice(), FilledSize: order.FilledSize()})
		return
	}
	log.Warn("order deadline passed, cancelled", slog.String("order_id", orderID))
	e.deliver(domain.OrderUpdate{TradeID: req.TradeID, Asset: req.Asset, OrderID: orderID,
		Status: domain.OrderStatusExpired})
}

// cancelOrder is best effort; a short background context keeps shutdown from
// hanging on the exchange.
func (e *Live) cancelOrder(orderID string, log *slog.Logger) {
	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.clob.CancelOrder(cancelCtx, orderID); err != nil {
		log.Warn("order cancel failed", slog.String("order_id", orderID), slog.String("error", err.Error()))
	}
}

func (e *Live) deliver(u domain.OrderUpdate) {
	if e.handler != nil {
		e.handler(u)
	}
}

// buildPayload converts an order request into the EIP-712 payload for a BUY
// of req.Size shares at limit price req.Price. Amounts are fixed point with
// 6 decimals: makerAmount is the USDC spent, takerAmount the shares bought.
func buildPayload(maker string, req domain.OrderRequest) (crypto.OrderPayload, error) {
	makerAmount := int64(math.Round(req.Price * req.Size * usdcDecimals))
	takerAmount := int64(math.Round(req.Size * usdcDecimals))
	if makerAmount <= 0 || takerAmount <= 0 {
		return crypto.OrderPayload{}, fmt.Errorf("executor: degenerate order amounts: %w", domain.ErrInvalidOrder)
	}
	return crypto.OrderPayload{
		Salt:          strconv.FormatInt(rand.Int63(), 10),
		Maker:         maker,
		Signer:        maker,
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   strconv.FormatInt(makerAmount, 10),
		TakerAmount:   strconv.FormatInt(takerAmount, 10),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          0, // BUY
		SignatureType: 0, // EOA
	}, nil
}

func validateRequest(req domain.OrderRequest) error {
	if req.TokenID == "" || req.TradeID == "" {
		return fmt.Errorf("executor: missing token or trade id: %w", domain.ErrInvalidOrder)
	}
	if req.Price <= 0 || req.Price >= 1 {
		return fmt.Errorf("executor: price %.4f outside (0,1): %w", req.Price, domain.ErrInvalidOrder)
	}
	if req.Size <= 0 {
		return fmt.Errorf("executor: non-positive size %.4f: %w", req.Size, domain.ErrInvalidOrder)
	}
	return nil
}
