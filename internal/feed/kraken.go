package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/windarb/internal/domain"
)

// KrakenFeed streams spot trades from Kraken's v2 websocket trade channel.
type KrakenFeed struct {
	url    string
	assets []string
	agg    *Aggregator
	logger *slog.Logger
}

// NewKrakenFeed creates a feed that delivers ticks into agg.
func NewKrakenFeed(url string, assets []string, agg *Aggregator, logger *slog.Logger) *KrakenFeed {
	return &KrakenFeed{
		url:    url,
		assets: assets,
		agg:    agg,
		logger: logger.With(slog.String("component", "feed"), slog.String("feed", "kraken")),
	}
}

// Run connects and re-connects until ctx is cancelled.
func (f *KrakenFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		f.logger.Info("connecting", slog.String("url", f.url))
		err := f.stream(ctx)
		f.agg.SetConnected("kraken", false)
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

func (f *KrakenFeed) stream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed/kraken: connect: %w", err)
	}
	defer conn.Close()

	symbols := make([]string, 0, len(f.assets))
	for _, a := range f.assets {
		symbols = append(symbols, strings.ToUpper(a)+"/USD")
	}
	sub := map[string]any{
		"method": "subscribe",
		"params": map[string]any{
			"channel": "trade",
			"symbol":  symbols,
		},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed/kraken: subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	f.agg.SetConnected("kraken", true)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var count uint64
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed/kraken: read: %w", domain.ErrWSDisconnect)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		for _, tick := range parseKrakenTrades(raw) {
			count++
			if count == 1 {
				f.logger.Info("first tick", slog.String("asset", tick.Asset), slog.Float64("price", tick.Price))
			}
			f.agg.HandleTick(ctx, tick)
		}
	}
}

// krakenTradeMsg is the v2 trade channel envelope. Heartbeats and method
// acks carry a different channel and decode to zero trades.
type krakenTradeMsg struct {
	Channel string `json:"channel"`
	Data    []struct {
		Symbol    string  `json:"symbol"` // e.g. "BTC/USD"
		Price     float64 `json:"price"`
		Timestamp string  `json:"timestamp"` // RFC 3339
	} `json:"data"`
}

func parseKrakenTrades(raw []byte) []domain.Tick {
	var msg krakenTradeMsg
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Channel != "trade" {
		return nil
	}

	ticks := make([]domain.Tick, 0, len(msg.Data))
	for _, tr := range msg.Data {
		if tr.Price <= 0 {
			continue
		}
		asset, _, ok := strings.Cut(strings.ToUpper(tr.Symbol), "/")
		if !ok || asset == "" {
			continue
		}
		if asset == "XBT" {
			asset = "BTC"
		}
		var eventTime time.Time
		if ts, err := time.Parse(time.RFC3339Nano, tr.Timestamp); err == nil {
			eventTime = ts
		}
		ticks = append(ticks, domain.Tick{
			Asset:      asset,
			Price:      tr.Price,
			ObservedAt: time.Now(),
			EventTime:  eventTime,
			Source:     "kraken",
		})
	}
	return ticks
}
