// Package chain handles the on-chain leg of settlement: after a market
// resolves, winning conditional-token positions must be redeemed against
// the ConditionalTokens contract to turn them back into collateral.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/quantfold/windarb/internal/crypto"
	"github.com/quantfold/windarb/internal/domain"
)

// Polygon mainnet contracts: the Gnosis ConditionalTokens framework and
// the USDC.e collateral it pays out in.
const (
	CTFAddress  = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	USDCAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
)

const (
	redeemGasLimit     = 500_000
	receiptPollEvery   = 3 * time.Second
	receiptWait        = 2 * time.Minute
	defaultSweepPeriod = 30 * time.Second
)

var (
	// payoutNumerators(bytes32,uint256)
	payoutNumeratorsSelector = []byte{0xda, 0x35, 0x50, 0xf7}

	// redeemPositions(address,bytes32,bytes32,uint256[])
	redeemPositionsSelector = []byte{0x01, 0xb7, 0x03, 0x7c}
)

// Position is one filled trade awaiting on-chain redemption.
type Position struct {
	ConditionID string
	Asset       string
	Slug        string
	Side        domain.Side
	EntryPrice  float64
	SizeUSD     float64
}

// RPCClient is the subset of ethclient.Client the redeemer uses.
type RPCClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Dial connects to a JSON-RPC endpoint for the redeemer.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return client, nil
}

// Redeemer tracks filled positions and periodically sweeps them: once the
// condition reports a payout on chain, it submits a redeemPositions
// transaction and retires the position. A failed redemption stays pending
// and is retried on the next sweep.
type Redeemer struct {
	client  RPCClient
	signer  *crypto.Signer
	alerter domain.AlertSink
	period  time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]Position // condition ID -> position
}

// NewRedeemer creates a redeemer over an already-dialed RPC client.
func NewRedeemer(client RPCClient, signer *crypto.Signer, alerter domain.AlertSink, logger *slog.Logger) *Redeemer {
	return &Redeemer{
		client:  client,
		signer:  signer,
		alerter: alerter,
		period:  defaultSweepPeriod,
		logger:  logger.With(slog.String("component", "redeemer")),
		pending: make(map[string]Position),
	}
}

// Track registers a filled position for redemption after resolution.
// Tracking the same condition twice keeps the first entry.
func (r *Redeemer) Track(pos Position) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[pos.ConditionID]; ok {
		return
	}
	r.pending[pos.ConditionID] = pos
	r.logger.Info("tracking position for redemption",
		slog.String("condition_id", pos.ConditionID),
		slog.String("asset", pos.Asset),
		slog.String("side", string(pos.Side)))
}

// PendingCount returns how many positions await redemption.
func (r *Redeemer) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run sweeps pending positions until ctx is cancelled.
func (r *Redeemer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Redeemer) sweep(ctx context.Context) {
	r.mu.Lock()
	snapshot := make([]Position, 0, len(r.pending))
	for _, pos := range r.pending {
		snapshot = append(snapshot, pos)
	}
	r.mu.Unlock()

	for _, pos := range snapshot {
		if ctx.Err() != nil {
			return
		}
		res, err := r.resolution(ctx, pos.ConditionID)
		if err != nil {
			r.logger.Warn("resolution query failed",
				slog.String("condition_id", pos.ConditionID), slog.Any("error", err))
			continue
		}
		if !res.Resolved {
			continue
		}

		txHash, err := r.redeem(ctx, pos.ConditionID)
		if err != nil {
			r.logger.Warn("redemption failed, will retry",
				slog.String("condition_id", pos.ConditionID), slog.Any("error", err))
			continue
		}

		won := redemptionWon(pos.Side, res)
		pnl := redemptionPnL(won, pos.EntryPrice, pos.SizeUSD)
		r.logger.Info("position redeemed",
			slog.String("condition_id", pos.ConditionID),
			slog.String("asset", pos.Asset),
			slog.Bool("won", won),
			slog.Float64("pnl", pnl),
			slog.String("tx", txHash))
		r.alert(ctx, pos, won, pnl, txHash)

		r.mu.Lock()
		delete(r.pending, pos.ConditionID)
		r.mu.Unlock()
	}
}

// resolution reads the condition's payout numerators. A resolved UP/DOWN
// market sets exactly one of the two slots nonzero.
func (r *Redeemer) resolution(ctx context.Context, conditionID string) (domain.Resolution, error) {
	ctf := common.HexToAddress(CTFAddress)
	cid := common.HexToHash(conditionID)

	yes, err := r.payoutNonzero(ctx, ctf, cid, 0)
	if err != nil {
		return domain.Resolution{}, err
	}
	if yes {
		return domain.Resolution{Resolved: true, YesWon: true}, nil
	}
	no, err := r.payoutNonzero(ctx, ctf, cid, 1)
	if err != nil {
		return domain.Resolution{}, err
	}
	return domain.Resolution{Resolved: no, YesWon: false}, nil
}

func (r *Redeemer) payoutNonzero(ctx context.Context, ctf common.Address, cid common.Hash, index int64) (bool, error) {
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &ctf,
		Data: payoutCalldata(cid, index),
	}, nil)
	if err != nil {
		return false, fmt.Errorf("chain: payoutNumerators[%d]: %w", index, err)
	}
	for _, b := range out {
		if b != 0 {
			return true, nil
		}
	}
	return false, nil
}

// redeem submits a redeemPositions transaction for both outcome slots and
// waits for the receipt.
func (r *Redeemer) redeem(ctx context.Context, conditionID string) (string, error) {
	from := r.signer.Address()
	nonce, err := r.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("chain: nonce: %w", err)
	}
	gasPrice, err := r.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: gas price: %w", err)
	}

	ctf := common.HexToAddress(CTFAddress)
	tx := types.NewTransaction(nonce, ctf, big.NewInt(0), redeemGasLimit, gasPrice,
		redeemCalldata(common.HexToHash(conditionID)))
	signed, err := r.signer.SignTx(tx)
	if err != nil {
		return "", fmt.Errorf("chain: %w", err)
	}
	if err := r.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("chain: send redeem tx: %w", err)
	}

	hash := signed.Hash()
	if err := r.waitMined(ctx, hash); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (r *Redeemer) waitMined(ctx context.Context, hash common.Hash) error {
	deadline := time.Now().Add(receiptWait)
	for {
		receipt, err := r.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("chain: redeem tx %s reverted", hash.Hex())
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("chain: redeem tx %s not mined within %s", hash.Hex(), receiptWait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(receiptPollEvery):
		}
	}
}

func (r *Redeemer) alert(ctx context.Context, pos Position, won bool, pnl float64, txHash string) {
	if r.alerter == nil {
		return
	}
	sev := domain.SeverityInfo
	if !won {
		sev = domain.SeverityWarning
	}
	_ = r.alerter.Publish(ctx, domain.Alert{
		Timestamp: time.Now().UTC(),
		Severity:  sev,
		Category:  domain.CategoryRedemption,
		Asset:     pos.Asset,
		Message:   fmt.Sprintf("redeemed %s %s position, pnl %.2f", pos.Asset, pos.Side, pnl),
		Data: map[string]any{
			"condition_id": pos.ConditionID,
			"slug":         pos.Slug,
			"side":         string(pos.Side),
			"entry_price":  pos.EntryPrice,
			"size_usd":     pos.SizeUSD,
			"won":          won,
			"pnl":          pnl,
			"tx_hash":      txHash,
		},
	})
}

// redemptionWon reports whether the position paid out.
func redemptionWon(side domain.Side, res domain.Resolution) bool {
	if !res.Resolved {
		return false
	}
	return (side == domain.SideYes) == res.YesWon
}

// redemptionPnL is the realized result of redeeming a binary position: a
// winning share pays 1, a losing share pays 0.
func redemptionPnL(won bool, entryPrice, sizeUSD float64) float64 {
	if !won {
		return -sizeUSD
	}
	if entryPrice <= 0 {
		return 0
	}
	return sizeUSD * (1/entryPrice - 1)
}

// payoutCalldata encodes payoutNumerators(conditionId, index).
func payoutCalldata(cid common.Hash, index int64) []byte {
	data := make([]byte, 0, 4+2*32)
	data = append(data, payoutNumeratorsSelector...)
	data = append(data, cid.Bytes()...)
	data = append(data, common.LeftPadBytes(big.NewInt(index).Bytes(), 32)...)
	return data
}

// redeemCalldata encodes redeemPositions(collateral, parentCollectionId,
// conditionId, indexSets) with a zero parent collection and both outcome
// slots [1, 2].
func redeemCalldata(cid common.Hash) []byte {
	data := make([]byte, 0, 4+7*32)
	data = append(data, redeemPositionsSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(USDCAddress).Bytes(), 32)...)
	data = append(data, make([]byte, 32)...) // parentCollectionId = bytes32(0)
	data = append(data, cid.Bytes()...)
	data = append(data, common.LeftPadBytes(big.NewInt(0x80).Bytes(), 32)...) // offset of indexSets
	data = append(data, common.LeftPadBytes(big.NewInt(2).Bytes(), 32)...)    // len(indexSets)
	data = append(data, common.LeftPadBytes(big.NewInt(1).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(big.NewInt(2).Bytes(), 32)...)
	return data
}
