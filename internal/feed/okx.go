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

// okxPingInterval keeps the OKX connection alive; the server drops clients
// that stay silent for 30 seconds.
const okxPingInterval = 20 * time.Second

// OKXFeed streams spot trades from OKX's public trades channel.
type OKXFeed struct {
	url    string
	assets []string
	agg    *Aggregator
	logger *slog.Logger
}

// NewOKXFeed creates a feed that delivers ticks into agg.
func NewOKXFeed(url string, assets []string, agg *Aggregator, logger *slog.Logger) *OKXFeed {
	return &OKXFeed{
		url:    url,
		assets: assets,
		agg:    agg,
		logger: logger.With(slog.String("component", "feed"), slog.String("feed", "okx")),
	}
}

// Run connects and re-connects until ctx is cancelled.
func (f *OKXFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		f.logger.Info("connecting", slog.String("url", f.url))
		err := f.stream(ctx)
		f.agg.SetConnected("okx", false)
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

func (f *OKXFeed) stream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed/okx: connect: %w", err)
	}
	defer conn.Close()

	args := make([]map[string]string, 0, len(f.assets))
	for _, a := range f.assets {
		args = append(args, map[string]string{
			"channel": "trades",
			"instId":  strings.ToUpper(a) + "-USDT",
		})
	}
	sub := map[string]any{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed/okx: subscribe: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(readWait))
	f.agg.SetConnected("okx", true)

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(okxPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				conn.Close()
				return
			case <-ticker.C:
				// OKX uses an application-level text ping, not a WS control frame.
				if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
					return
				}
			}
		}
	}()

	var count uint64
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed/okx: read: %w", domain.ErrWSDisconnect)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		if string(raw) == "pong" {
			continue
		}
		tick, ok := parseOKXTrade(raw)
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

// okxTradeMsg is the trades channel envelope; the newest trade sits last
// in data.
type okxTradeMsg struct {
	Arg struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data []struct {
		InstID string `json:"instId"` // e.g. "BTC-USDT"
		Price  string `json:"px"`
		TsMs   string `json:"ts"` // epoch millis as string
	} `json:"data"`
}

func parseOKXTrade(raw []byte) (domain.Tick, bool) {
	var msg okxTradeMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.Tick{}, false
	}
	if msg.Arg.Channel != "trades" || len(msg.Data) == 0 {
		return domain.Tick{}, false
	}
	tr := msg.Data[len(msg.Data)-1]
	price, err := strconv.ParseFloat(tr.Price, 64)
	if err != nil || price <= 0 {
		return domain.Tick{}, false
	}
	asset, _, ok := strings.Cut(strings.ToUpper(tr.InstID), "-")
	if !ok || asset == "" {
		return domain.Tick{}, false
	}

	var eventTime time.Time
	if ms, err := strconv.ParseInt(tr.TsMs, 10, 64); err == nil && ms > 0 {
		eventTime = time.UnixMilli(ms)
	}
	return domain.Tick{
		Asset:      asset,
		Price:      price,
		ObservedAt: time.Now(),
		EventTime:  eventTime,
		Source:     "okx",
	}, true
}
