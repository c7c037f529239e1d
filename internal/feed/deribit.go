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

// DeribitFeed streams implied volatility from Deribit. It subscribes to
// the perpetual ticker per asset and reads the mark_iv field, which is
// quoted in percent.
type DeribitFeed struct {
	url    string
	assets []string
	agg    *Aggregator
	logger *slog.Logger
}

// NewDeribitFeed creates a feed for the given assets (e.g. BTC, ETH).
func NewDeribitFeed(url string, assets []string, agg *Aggregator, logger *slog.Logger) *DeribitFeed {
	return &DeribitFeed{
		url:    url,
		assets: assets,
		agg:    agg,
		logger: logger.With(slog.String("component", "feed"), slog.String("feed", "deribit")),
	}
}

// Run connects and re-connects until ctx is cancelled.
func (f *DeribitFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := f.stream(ctx)
		f.agg.SetConnected("deribit", false)
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

type deribitRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int            `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
}

func (f *DeribitFeed) stream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("feed/deribit: connect: %w", err)
	}
	defer conn.Close()

	channels := make([]string, 0, len(f.assets))
	for _, a := range f.assets {
		channels = append(channels, "ticker."+strings.ToUpper(a)+"-PERPETUAL.raw")
	}
	sub := deribitRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "public/subscribe",
		Params:  map[string]any{"channels": channels},
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed/deribit: subscribe: %w", err)
	}

	f.agg.SetConnected("deribit", true)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("feed/deribit: read: %w", domain.ErrWSDisconnect)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))

		if vol, ok := parseDeribitTicker(raw); ok {
			f.agg.HandleVol(ctx, vol)
		}
	}
}

type deribitNotification struct {
	Params struct {
		Channel string `json:"channel"`
		Data    struct {
			MarkIV    float64 `json:"mark_iv"`
			Timestamp int64   `json:"timestamp"` // epoch millis
		} `json:"data"`
	} `json:"params"`
}

func parseDeribitTicker(raw []byte) (domain.VolSnapshot, bool) {
	var msg deribitNotification
	if err := json.Unmarshal(raw, &msg); err != nil {
		return domain.VolSnapshot{}, false
	}
	ch := msg.Params.Channel
	if !strings.HasPrefix(ch, "ticker.") || msg.Params.Data.MarkIV <= 0 {
		return domain.VolSnapshot{}, false
	}

	// Channel is "ticker.BTC-PERPETUAL.raw".
	instrument := strings.TrimPrefix(ch, "ticker.")
	asset, _, ok := strings.Cut(instrument, "-")
	if !ok {
		return domain.VolSnapshot{}, false
	}

	observed := time.Now()
	if ts := msg.Params.Data.Timestamp; ts > 0 {
		observed = time.UnixMilli(ts)
	}
	return domain.VolSnapshot{
		Asset:      strings.ToUpper(asset),
		ImpliedVol: msg.Params.Data.MarkIV / 100,
		ObservedAt: observed,
		Source:     "deribit",
	}, true
}
