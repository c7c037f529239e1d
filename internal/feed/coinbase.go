package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/windarb/internal/domain"
)

// CoinbaseFeed streams spot trades from the Coinbase Exchange matches
// channel. It runs alongside Binance so a single exchange outage never
// stalls the tick stream.
type CoinbaseFeed struct {
	url    string
	assets []string
	agg    *Aggregator
	logger *slog.Logger
}

// NewCoinbaseFeed creates a feed that delivers ticks into agg.
func NewCoinbaseFeed(url string, assets []string, agg *Aggregator, logger *slog.Logger) *CoinbaseFeed {
	return &CoinbaseFeed{
		url:    url,
		assets: assets,
		agg:    agg,
		logger: logger.With(slog.String("component", "feed"), slog.String("feed", "coinbase")),
	}
}

// Run connects and re-connects until ctx is cancelled.
func (f *CoinbaseFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		f.logger.Info("connecting", slog.String("url", f.url))
		err := f.stream(ctx)
		f.agg.SetConnected("coinbase", false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("stream ended, reconnecting", slog.Any("error", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *CoinbaseFeed) stream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed/coinbase: connect: %w", err)
	}
	defer conn.Close()

	products := make([]string, 0, len(f.assets))
	for _, a := range f.assets {
		products = append(products, strings.ToUpper(a)+"-USD")
	}
	sub := map[string]any{
		"type":        "subscribe",
		"product_ids": products,
		"channels":    []string{"matches"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed/coinbase: subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	f.agg.SetConnected("coinbase", true)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var count uint64
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed/coinbase: read: %w", domain.ErrWSDisconnect)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		tick, ok := parseCoinbaseMatch(raw)
		if !ok {
			continue
		}
		count++
		if count == 1 {
			f.logger.Info("first tick", slog.String("asset", tick.Asset), slog.Float64("price", tick.Price))
		}
		f.agg.HandleTick(ctx, tick)
	}
}

// coinbaseMatch is a single executed trade on the matches channel.
type coinbaseMatch struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"` // e.g. "BTC-USD"
	Price     string `json:"price"`
	Time      string `json:"time"` // RFC 3339
}

func parseCoinbaseMatch(raw []byte) (domain.Tick, bool) {
	var msg coinbaseMatch
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Tick{}, false
	}
	if msg.Type != "match" && msg.Type != "last_match" {
		return domain.Tick{}, false
	}
	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil || price <= 0 {
		return domain.Tick{}, false
	}
	asset, _, ok := strings.Cut(strings.ToUpper(msg.ProductID), "-")
	if !ok || asset == "" {
		return domain.Tick{}, false
	}

	var eventTime time.Time
	if ts, err := time.Parse(time.RFC3339Nano, msg.Time); err == nil {
		eventTime = ts
	}
	return domain.Tick{
		Asset:      asset,
		Price:      price,
		ObservedAt: time.Now(),
		EventTime:  eventTime,
		Source:     "coinbase",
	}, true
}
