package domain

import (
	"context"
	"time"
)

// OrderClient submits orders for execution. Submit returns once the order
// is accepted for processing; progress arrives through the update callback
// the client was constructed with.
type OrderClient interface {
	Submit(ctx context.Context, req OrderRequest) error
}

// TradeStore persists trades.
type TradeStore interface {
	SaveTrade(ctx context.Context, t Trade) error
	UpdateTrade(ctx context.Context, t Trade) error
	GetTrade(ctx context.Context, id string) (Trade, error)
	ListRecentTrades(ctx context.Context, limit int) ([]Trade, error)
	ListTradesSince(ctx context.Context, since time.Time) ([]Trade, error)
}

// PriceCache stores the latest spot and vol observations for fast reads.
type PriceCache interface {
	SetTick(ctx context.Context, t Tick) error
	GetTick(ctx context.Context, asset string) (Tick, error)
	SetVol(ctx context.Context, v VolSnapshot) error
	GetVol(ctx context.Context, asset string) (VolSnapshot, error)
}

// AlertSink receives alerts. Implementations must not block the caller for
// long; slow transports buffer or drop.
type AlertSink interface {
	Publish(ctx context.Context, a Alert) error
}

// MarketDiscovery finds the market window for an asset and duration, and
// reports its resolution after expiry.
type MarketDiscovery interface {
	FindWindow(ctx context.Context, asset string, openAt time.Time, duration time.Duration) (MarketWindow, error)
	Resolution(ctx context.Context, conditionID string) (Resolution, error)
}

// Resolution is a market's post-expiry settlement state.
type Resolution struct {
	Resolved bool
	YesWon   bool
}

// TradeArchiver writes settled trades and alert batches to long-term storage.
type TradeArchiver interface {
	ArchiveTrades(ctx context.Context, day string, trades []Trade) error
	ArchiveAlerts(ctx context.Context, day string, alerts []Alert) error
}
