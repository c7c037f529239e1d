package domain

import "time"

// Trade is one executed (or simulated) position in a market window, from
// entry through settlement.
type Trade struct {
	ID          string  `json:"id"`
	Asset       string  `json:"asset"`
	ConditionID string  `json:"condition_id"`
	Slug        string  `json:"slug"`
	Side        Side    `json:"side"`
	EntryPrice  float64 `json:"entry_price"` // price paid per share
	ExitPrice   float64 `json:"exit_price"`  // settlement price per share
	Shares      float64 `json:"shares"`
	Risk        float64 `json:"risk"` // USD at risk = EntryPrice * Shares
	Edge        float64 `json:"edge"` // model edge at entry
	MovePct     float64 `json:"move_pct"`
	FairValue   float64 `json:"fair_value"`
	Outcome     Outcome `json:"outcome"`
	PnL         float64 `json:"pnl"`
	LatencyMs   int64   `json:"latency_ms"` // divergence graduation to fill
	DryRun      bool    `json:"dry_run"`

	OpenedAt  time.Time `json:"opened_at"`
	SettledAt time.Time `json:"settled_at,omitempty"`
}

// Settled reports whether the trade has a final outcome.
func (t Trade) Settled() bool {
	return t.Outcome != OutcomeOpen && t.Outcome != ""
}

// OrderRequest is an instruction to buy shares of one outcome token.
type OrderRequest struct {
	TradeID     string
	Asset       string
	ConditionID string
	TokenID     string
	Side        Side
	Price       float64 // limit price per share
	Size        float64 // shares
	NegRisk     bool
	Deadline    time.Time // give up and cancel after this instant
}

// OrderStatus is the terminal (or in-flight) status of a submitted order.
type OrderStatus string

const (
	OrderStatusLive     OrderStatus = "live"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusExpired  OrderStatus = "expired"
)

// OrderUpdate reports progress on a submitted order back to the engine.
type OrderUpdate struct {
	TradeID     string
	Asset       string
	OrderID     string
	Status      OrderStatus
	FilledPrice float64
	FilledSize  float64
	Err         error
}

// Terminal reports whether no further updates will follow for this order.
func (u OrderUpdate) Terminal() bool {
	return u.Status == OrderStatusFilled || u.Status == OrderStatusRejected || u.Status == OrderStatusExpired
}
