package domain

import "time"

// Tick is a single spot price observation for an underlying asset.
type Tick struct {
	Asset      string    // e.g. "BTC", "ETH"
	Price      float64   // last trade price in USD
	ObservedAt time.Time // local receive time
	EventTime  time.Time // exchange-reported event time, zero if absent
	Source     string    // feed name, e.g. "binance"
}

// Latency is the local receive delay relative to the exchange event time.
// Returns zero when the feed did not report an event time.
func (t Tick) Latency() time.Duration {
	if t.EventTime.IsZero() {
		return 0
	}
	return t.ObservedAt.Sub(t.EventTime)
}

// VolSnapshot is an implied volatility observation for an asset, expressed
// as an annualized fraction (0.65 means 65% annualized vol).
type VolSnapshot struct {
	Asset      string
	ImpliedVol float64
	ObservedAt time.Time
	Source     string // e.g. "deribit"
}

// BookTop is the best bid/ask of a single outcome token's order book.
type BookTop struct {
	TokenID   string
	BestBid   float64
	BestAsk   float64
	UpdatedAt time.Time
}

// Mid returns the bid/ask midpoint, or 0 when either side is empty.
func (b BookTop) Mid() float64 {
	if b.BestBid <= 0 || b.BestAsk <= 0 {
		return 0
	}
	return (b.BestBid + b.BestAsk) / 2
}

// Spread returns ask minus bid, or 0 when either side is empty.
func (b BookTop) Spread() float64 {
	if b.BestBid <= 0 || b.BestAsk <= 0 {
		return 0
	}
	return b.BestAsk - b.BestBid
}

// BookPair is the paired YES/NO book state for one market window.
type BookPair struct {
	Yes BookTop
	No  BookTop
}

// PairSum is the sum of the YES and NO midpoints. In a healthy market it
// sits near 1.0; values outside the configured band mark the book as thin.
func (p BookPair) PairSum() float64 {
	return p.Yes.Mid() + p.No.Mid()
}
