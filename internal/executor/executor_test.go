package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/windarb/internal/crypto"
	"github.com/quantfold/windarb/internal/domain"
	"github.com/quantfold/windarb/internal/platform/polymarket"
)

type fakeClob struct {
	mu         sync.Mutex
	postResult polymarket.APIOrderResult
	postErr    error
	orders     []polymarket.APIOrder // returned in sequence, last repeats
	getCalls   int
	cancelled  []string
}

func (f *fakeClob) PostOrder(_ context.Context, _ crypto.OrderPayload, _, _ string) (polymarket.APIOrderResult, error) {
	return f.postResult, f.postErr
}

func (f *fakeClob) GetOrder(_ context.Context, _ string) (polymarket.APIOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.orders) == 0 {
		return polymarket.APIOrder{}, domain.ErrNotFound
	}
	i := f.getCalls
	if i >= len(f.orders) {
		i = len(f.orders) - 1
	}
	f.getCalls++
	return f.orders[i], nil
}

func (f *fakeClob) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeClob) cancelledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

type fakeSigner struct{ err error }

func (s fakeSigner) SignOrder(crypto.OrderPayload, bool) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "0xsignature", nil
}

func newTestLive(clob clobAPI, handler UpdateHandler) *Live {
	return &Live{
		clob:         clob,
		signer:       fakeSigner{},
		maker:        "0x00000000000000000000000000000000000000aa",
		handler:      handler,
		queue:        make(chan domain.OrderRequest, defaultQueueSize),
		pollInterval: 5 * time.Millisecond,
		now:          time.Now,
		logger:       slog.New(slog.DiscardHandler),
	}
}

func testRequest() domain.OrderRequest {
	return domain.OrderRequest{
		TradeID:  "trade-1",
		Asset:    "BTC",
		TokenID:  "7000",
		Side:     domain.SideYes,
		Price:    0.41,
		Size:     100,
		Deadline: time.Now().Add(2 * time.Second),
	}
}

func collectUpdates() (UpdateHandler, chan domain.OrderUpdate) {
	ch := make(chan domain.OrderUpdate, 8)
	return func(u domain.OrderUpdate) { ch <- u }, ch
}

func waitUpdate(t *testing.T, ch chan domain.OrderUpdate) domain.OrderUpdate {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for order update")
		return domain.OrderUpdate{}
	}
}

func TestBuildPayloadAmounts(t *testing.T) {
	req := testRequest()
	payload, err := buildPayload("0xmaker", req)
	require.NoError(t, err)

	// 0.41 * 100 shares = 41 USDC spent for 100 shares, both in 1e6 units.
	assert.Equal(t, "41000000", payload.MakerAmount)
	assert.Equal(t, "100000000", payload.TakerAmount)
	assert.Equal(t, "0xmaker", payload.Maker)
	assert.Equal(t, "0xmaker", payload.Signer)
	assert.Equal(t, zeroAddress, payload.Taker)
	assert.Equal(t, "7000", payload.TokenID)
	assert.Equal(t, 0, payload.Side)
	assert.NotEmpty(t, payload.Salt)

	req.Size = 0.0000001
	_, err = buildPayload("0xmaker", req)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
}

func TestValidateRequest(t *testing.T) {
	req := testRequest()
	assert.NoError(t, validateRequest(req))

	bad := req
	bad.Price = 1.2
	assert.ErrorIs(t, validateRequest(bad), domain.ErrInvalidOrder)

	bad = req
	bad.Size = 0
	assert.ErrorIs(t, validateRequest(bad), domain.ErrInvalidOrder)

	bad = req
	bad.TokenID = ""
	assert.ErrorIs(t, validateRequest(bad), domain.ErrInvalidOrder)
}

func TestLiveOrderFills(t *testing.T) {
	clob := &fakeClob{
		postResult: polymarket.APIOrderResult{Success: true, OrderID: "ord-1"},
		orders: []polymarket.APIOrder{
			{ID: "ord-1", Status: "LIVE", Price: "0.41", SizeMatched: "0"},
			{ID: "ord-1", Status: "MATCHED", Price: "0.41", SizeMatched: "100"},
		},
	}
	handler, updates := collectUpdates()
	exec := newTestLive(clob, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)

	require.NoError(t, exec.Submit(ctx, testRequest()))

	u := waitUpdate(t, updates)
	assert.Equal(t, domain.OrderStatusFilled, u.Status)
	assert.Equal(t, "ord-1", u.OrderID)
	assert.Equal(t, "trade-1", u.TradeID)
	assert.InDelta(t, 0.41, u.FilledPrice, 1e-9)
	assert.InDelta(t, 100.0, u.FilledSize, 1e-9)
	assert.Empty(t, clob.cancelledIDs())
}

func TestLiveDeadlineCancelsOrder(t *testing.T) {
	clob := &fakeClob{
		postResult: polymarket.APIOrderResult{Success: true, OrderID: "ord-2"},
		orders: []polymarket.APIOrder{
			{ID: "ord-2", Status: "LIVE", Price: "0.41", SizeMatched: "0"},
		},
	}
	handler, updates := collectUpdates()
	exec := newTestLive(clob, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)

	req := testRequest()
	req.Deadline = time.Now().Add(-time.Second)
	require.NoError(t, exec.Submit(ctx, req))

	u := waitUpdate(t, updates)
	assert.Equal(t, domain.OrderStatusExpired, u.Status)
	assert.Equal(t, []string{"ord-2"}, clob.cancelledIDs())
}

func TestLivePartialFillAtDeadline(t *testing.T) {
	clob := &fakeClob{
		postResult: polymarket.APIOrderResult{Success: true, OrderID: "ord-3"},
		orders: []polymarket.APIOrder{
			{ID: "ord-3", Status: "LIVE", Price: "0.41", SizeMatched: "40"},
		},
	}
	handler, updates := collectUpdates()
	exec := newTestLive(clob, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)

	req := testRequest()
	req.Deadline = time.Now().Add(-time.Second)
	require.NoError(t, exec.Submit(ctx, req))

	u := waitUpdate(t, updates)
	assert.Equal(t, domain.OrderStatusFilled, u.Status)
	assert.InDelta(t, 40.0, u.FilledSize, 1e-9)
	assert.Equal(t, []string{"ord-3"}, clob.cancelledIDs())
}

func TestLiveExchangeReject(t *testing.T) {
	clob := &fakeClob{
		postResult: polymarket.APIOrderResult{Success: false, ErrorMsg: "not enough balance"},
	}
	handler, updates := collectUpdates()
	exec := newTestLive(clob, handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)

	require.NoError(t, exec.Submit(ctx, testRequest()))

	u := waitUpdate(t, updates)
	assert.Equal(t, domain.OrderStatusRejected, u.Status)
	require.Error(t, u.Err)
	assert.Contains(t, u.Err.Error(), "not enough balance")
}

func TestLiveSigningFailureRejects(t *testing.T) {
	handler, updates := collectUpdates()
	exec := newTestLive(&fakeClob{}, handler)
	exec.signer = fakeSigner{err: errors.New("no key")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go exec.Run(ctx)

	require.NoError(t, exec.Submit(ctx, testRequest()))

	u := waitUpdate(t, updates)
	assert.Equal(t, domain.OrderStatusRejected, u.Status)
	assert.Error(t, u.Err)
}

func TestLiveSubmitRejectsInvalidRequest(t *testing.T) {
	handler, _ := collectUpdates()
	exec := newTestLive(&fakeClob{}, handler)

	req := testRequest()
	req.Price = 0
	assert.ErrorIs(t, exec.Submit(context.Background(), req), domain.ErrInvalidOrder)
}

func TestDryRunFillsImmediately(t *testing.T) {
	handler, updates := collectUpdates()
	exec := NewDryRun(handler, slog.New(slog.DiscardHandler))

	require.NoError(t, exec.Submit(context.Background(), testRequest()))

	u := waitUpdate(t, updates)
	assert.Equal(t, domain.OrderStatusFilled, u.Status)
	assert.Equal(t, "dry-trade-1", u.OrderID)
	assert.InDelta(t, 0.41, u.FilledPrice, 1e-9)
	assert.InDelta(t, 100.0, u.FilledSize, 1e-9)
	assert.Equal(t, int64(1), exec.Fills())

	bad := testRequest()
	bad.Size = -1
	assert.ErrorIs(t, exec.Submit(context.Background(), bad), domain.ErrInvalidOrder)
}
