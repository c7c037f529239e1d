package chain

import (
	"context"
	"encoding/hex"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/windarb/internal/crypto"
	"github.com/quantfold/windarb/internal/domain"
)

const testKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// fakeRPC answers payoutNumerators calls from a fixed table and accepts
// any transaction as immediately mined.
type fakeRPC struct {
	mu      sync.Mutex
	payouts map[int64]byte // index -> last byte of the returned word
	sent    []*types.Transaction
	callErr error
}

func (f *fakeRPC) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	index := new(big.Int).SetBytes(msg.Data[len(msg.Data)-32:]).Int64()
	out := make([]byte, 32)
	f.mu.Lock()
	out[31] = f.payouts[index]
	f.mu.Unlock()
	return out, nil
}

func (f *fakeRPC) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }

func (f *fakeRPC) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(40_000_000_000), nil
}

func (f *fakeRPC) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeRPC) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

type captureSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (c *captureSink) Publish(_ context.Context, a domain.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func newTestRedeemer(t *testing.T, rpc RPCClient, sink domain.AlertSink) *Redeemer {
	t.Helper()
	signer, err := crypto.NewSigner(testKey, 137)
	require.NoError(t, err)
	return NewRedeemer(rpc, signer, sink, slog.New(slog.DiscardHandler))
}

func TestTrackDeduplicates(t *testing.T) {
	r := newTestRedeemer(t, &fakeRPC{}, nil)

	r.Track(Position{ConditionID: "0xabc", Asset: "BTC", Side: domain.SideYes, EntryPrice: 0.4, SizeUSD: 50})
	r.Track(Position{ConditionID: "0xabc", Asset: "BTC", Side: domain.SideNo, EntryPrice: 0.6, SizeUSD: 10})
	r.Track(Position{ConditionID: "0xdef", Asset: "ETH", Side: domain.SideNo, EntryPrice: 0.5, SizeUSD: 20})

	assert.Equal(t, 2, r.PendingCount())
	assert.Equal(t, domain.SideYes, r.pending["0xabc"].Side, "first tracked entry wins")
}

func TestSweepRedeemsResolvedPosition(t *testing.T) {
	rpc := &fakeRPC{payouts: map[int64]byte{0: 1}} // YES slot paid out
	sink := &captureSink{}
	r := newTestRedeemer(t, rpc, sink)
	r.Track(Position{ConditionID: "0xabc", Asset: "BTC", Slug: "btc-up-5m", Side: domain.SideYes, EntryPrice: 0.4, SizeUSD: 40})

	r.sweep(context.Background())

	assert.Equal(t, 0, r.PendingCount())
	require.Len(t, rpc.sent, 1)
	assert.Equal(t, common.HexToAddress(CTFAddress), *rpc.sent[0].To())

	require.Len(t, sink.alerts, 1)
	al := sink.alerts[0]
	assert.Equal(t, domain.CategoryRedemption, al.Category)
	assert.Equal(t, domain.SeverityInfo, al.Severity)
	assert.Equal(t, true, al.Data["won"])
	// 40 USD at 0.40 per share buys 100 shares paying 1.00 each.
	assert.InDelta(t, 60.0, al.Data["pnl"].(float64), 1e-9)
}

func TestSweepLeavesUnresolvedPending(t *testing.T) {
	rpc := &fakeRPC{payouts: map[int64]byte{}}
	r := newTestRedeemer(t, rpc, nil)
	r.Track(Position{ConditionID: "0xabc", Asset: "BTC", Side: domain.SideYes, EntryPrice: 0.4, SizeUSD: 40})

	r.sweep(context.Background())

	assert.Equal(t, 1, r.PendingCount())
	assert.Empty(t, rpc.sent)
}

func TestSweepLosingSideAlertsWarning(t *testing.T) {
	rpc := &fakeRPC{payouts: map[int64]byte{1: 1}} // NO slot paid out
	sink := &captureSink{}
	r := newTestRedeemer(t, rpc, sink)
	r.Track(Position{ConditionID: "0xabc", Asset: "BTC", Side: domain.SideYes, EntryPrice: 0.4, SizeUSD: 40})

	r.sweep(context.Background())

	require.Len(t, sink.alerts, 1)
	assert.Equal(t, domain.SeverityWarning, sink.alerts[0].Severity)
	assert.InDelta(t, -40.0, sink.alerts[0].Data["pnl"].(float64), 1e-9)
}

func TestRedemptionWon(t *testing.T) {
	resolved := func(yesWon bool) domain.Resolution { return domain.Resolution{Resolved: true, YesWon: yesWon} }

	assert.True(t, redemptionWon(domain.SideYes, resolved(true)))
	assert.False(t, redemptionWon(domain.SideYes, resolved(false)))
	assert.True(t, redemptionWon(domain.SideNo, resolved(false)))
	assert.False(t, redemptionWon(domain.SideNo, resolved(true)))
	assert.False(t, redemptionWon(domain.SideYes, domain.Resolution{}))
}

func TestPayoutCalldata(t *testing.T) {
	cid := common.HexToHash("0xabc")
	data := payoutCalldata(cid, 1)

	require.Len(t, data, 4+64)
	assert.Equal(t, "da3550f7", hex.EncodeToString(data[:4]))
	assert.Equal(t, cid.Bytes(), data[4:36])
	assert.Equal(t, int64(1), new(big.Int).SetBytes(data[36:]).Int64())
}

func TestRedeemCalldataLayout(t *testing.T) {
	cid := common.HexToHash("0x1234")
	data := redeemCalldata(cid)

	require.Len(t, data, 4+7*32)
	assert.Equal(t, "01b7037c", hex.EncodeToString(data[:4]))

	words := data[4:]
	assert.Equal(t, common.HexToAddress(USDCAddress).Bytes(), words[12:32], "collateral token")
	assert.Equal(t, make([]byte, 32), words[32:64], "parent collection id is zero")
	assert.Equal(t, cid.Bytes(), words[64:96])
	assert.Equal(t, int64(0x80), new(big.Int).SetBytes(words[96:128]).Int64(), "indexSets offset")
	assert.Equal(t, int64(2), new(big.Int).SetBytes(words[128:160]).Int64(), "indexSets length")
	assert.Equal(t, int64(1), new(big.Int).SetBytes(words[160:192]).Int64())
	assert.Equal(t, int64(2), new(big.Int).SetBytes(words[192:224]).Int64())
}
