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

const (
	// readWait is the idle deadline for a feed connection. Binance trade
	// streams are chatty, so a quiet minute means the connection is dead.
	readWait = 60 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 30 * time.Second

	handshakeTimeout = 15 * time.Second
)

// BinanceFeed streams spot trades from Binance's combined trade stream.
// It tries each configured URL in order, so the .us endpoint can serve as
// a fallback for the global one.
type BinanceFeed struct {
	urls   []string
	agg    *Aggregator
	logger *slog.Logger
}

// BinanceURLs builds the combined-stream URLs for the given assets, e.g.
// assets ["BTC","ETH"] yields ".../stream?streams=btcusdt@trade/ethusdt@trade".
func BinanceURLs(hosts []string, assets []string) []string {
	streams := make([]string, 0, len(assets))
	for _, a := range assets {
		streams = append(streams, strings.ToLower(a)+"usdt@trade")
	}
	path := "/stream?streams=" + strings.Join(streams, "/")
	urls := make([]string, 0, len(hosts))
	for _, h := range hosts {
		urls = append(urls, h+path)
	}
	return urls
}

// NewBinanceFeed creates a feed that delivers ticks into agg.
func NewBinanceFeed(urls []string, agg *Aggregator, logger *slog.Logger) *BinanceFeed {
	return &BinanceFeed{
		urls:   urls,
		agg:    agg,
		logger: logger.With(slog.String("component", "feed"), slog.String("feed", "binance")),
	}
}

// Run connects and re-connects until ctx is cancelled.
func (f *BinanceFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		for _, url := range f.urls {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Info("connecting", slog.String("url", url))
			err := f.stream(ctx, url)
			f.agg.SetConnected("binance", false)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("stream ended, trying next endpoint", slog.String("url", url), slog.Any("error", err))
		}
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

func (f *BinanceFeed) stream(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("feed/binance: connect: %w", err)
	}
	defer conn.Close()

	// Binance pings the client; gorilla answers automatically, we only
	// need to keep extending the read deadline.
	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	f.agg.SetConnected("binance", true)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var count uint64
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed/binance: read: %w", domain.ErrWSDisconnect)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		tick, ok := parseBinanceTrade(raw)
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

// binanceTrade is the combined-stream envelope: {"stream":"...","data":{...}}.
type binanceTrade struct {
	Data struct {
		Symbol    string `json:"s"`
		Price     string `json:"p"`
		TradeTime int64  `json:"T"` // epoch millis
	} `json:"data"`
}

func parseBinanceTrade(raw []byte) (domain.Tick, bool) {
	var msg binanceTrade
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Tick{}, false
	}
	price, err := strconv.ParseFloat(msg.Data.Price, 64)
	if err != nil || price <= 0 {
		return domain.Tick{}, false
	}
	asset := assetFromSymbol(msg.Data.Symbol)
	if asset == "" {
		return domain.Tick{}, false
	}
	return domain.Tick{
		Asset:      asset,
		Price:      price,
		ObservedAt: time.Now(),
		EventTime:  time.UnixMilli(msg.Data.TradeTime),
		Source:     "binance",
	}, true
}

func assetFromSymbol(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, quote) {
			return strings.TrimSuffix(s, quote)
		}
	}
	return ""
}
