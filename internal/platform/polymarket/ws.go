package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/windarb/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// BookTopHandler is called with the updated top of book for one token.
type BookTopHandler func(domain.BookTop)

// BookClient streams order book tops from the Polymarket CLOB market
// channel. It keeps per-token best bid/ask state so "best_bid_ask" deltas
// can be merged with full snapshots, and replays subscriptions after a
// reconnect.
type BookClient struct {
	wsURL  string
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	tokenIDs  []string
	tops      map[string]domain.BookTop
	connected bool

	handlerMu sync.RWMutex
	handlers  []BookTopHandler
}

// NewBookClient creates a client for the given WebSocket URL, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func NewBookClient(wsURL string, logger *slog.Logger) *BookClient {
	return &BookClient{
		wsURL:  wsURL,
		tops:   make(map[string]domain.BookTop),
		logger: logger.With(slog.String("component", "clob_ws")),
	}
}

// OnBookTop registers a handler called for every top-of-book change.
func (b *BookClient) OnBookTop(h BookTopHandler) {
	b.handlerMu.Lock()
	defer b.handlerMu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Watch replaces the watched token set. The connection is cycled so the
// subscription matches; Run picks the new set up on reconnect.
func (b *BookClient) Watch(tokenIDs []string) {
	b.mu.Lock()
	b.tokenIDs = append([]string(nil), tokenIDs...)
	conn := b.conn
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// Run connects and re-connects until ctx is cancelled.
func (b *BookClient) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		b.mu.Lock()
		tokens := append([]string(nil), b.tokenIDs...)
		b.mu.Unlock()

		if len(tokens) == 0 {
			// Nothing to watch yet; discovery will call Watch.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		err := b.stream(ctx, tokens)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("book stream ended", slog.Any("error", err))

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

func (b *BookClient) stream(ctx context.Context, tokens []string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.connected = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.connected = false
		b.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(wsCommand{AssetIDs: tokens, Type: "market"}); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	b.logger.Info("subscribed", slog.Int("tokens", len(tokens)))

	pingDone := make(chan struct{})
	defer close(pingDone)
	go b.pingLoop(conn, pingDone)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-pingDone:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("polymarket/ws: read: %w", domain.ErrWSDisconnect)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		b.handleMessage(raw)
	}
}

func (b *BookClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a market channel frame and publishes the resulting
// top of book. The market channel delivers frames both as single objects
// and as arrays of objects.
func (b *BookClient) handleMessage(raw []byte) {
	if len(raw) > 0 && raw[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(raw, &batch); err != nil {
			return
		}
		for _, item := range batch {
			b.handleFrame(item)
		}
		return
	}
	b.handleFrame(raw)
}

func (b *BookClient) handleFrame(raw []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.AssetID == "" {
		return
	}

	switch env.EventType {
	case "book", "price_change":
		var msg bookMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		top := bookTopFromLevels(&msg, time.Now())
		if top.BestBid <= 0 && top.BestAsk <= 0 {
			return
		}
		b.publish(top)

	case "best_bid_ask":
		var msg bestBidAskMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		bid, errB := strconv.ParseFloat(msg.BestBid, 64)
		ask, errA := strconv.ParseFloat(msg.BestAsk, 64)
		if errB != nil || errA != nil {
			return
		}
		b.publish(domain.BookTop{
			TokenID:   msg.AssetID,
			BestBid:   bid,
			BestAsk:   ask,
			UpdatedAt: time.Now(),
		})
	}
}

func (b *BookClient) publish(top domain.BookTop) {
	b.mu.Lock()
	b.tops[top.TokenID] = top
	b.mu.Unlock()

	b.handlerMu.RLock()
	handlers := b.handlers
	b.handlerMu.RUnlock()

	for _, h := range handlers {
		h(top)
	}
}

// Top returns the last seen top of book for a token.
func (b *BookClient) Top(tokenID string) (domain.BookTop, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	top, ok := b.tops[tokenID]
	return top, ok
}

// Connected reports whether the stream is currently up.
func (b *BookClient) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}
