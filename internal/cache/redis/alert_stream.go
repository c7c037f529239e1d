package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/quantfold/windarb/internal/domain"
)

const (
	alertStreamKey = "windarb:alerts"

	// Approximate cap enforced via XADD MAXLEN ~.
	alertStreamMaxLen int64 = 10000
)

// AlertStream is a durable alert log on a Redis stream. It implements
// domain.AlertSink; the in-memory ring in the emitter serves the API, this
// stream survives restarts.
type AlertStream struct {
	rdb    *redis.Client
	stream string
}

// NewAlertStream creates an AlertStream backed by the given Client.
func NewAlertStream(c *Client) *AlertStream {
	return &AlertStream{rdb: c.Underlying(), stream: alertStreamKey}
}

// Publish appends one alert to the stream as a JSON payload.
func (as *AlertStream) Publish(ctx context.Context, a domain.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("redis: marshal alert: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: as.stream,
		MaxLen: alertStreamMaxLen,
		Approx: true,
		Values: map[string]any{
			"severity": string(a.Severity),
			"category": string(a.Category),
			"payload":  payload,
		},
	}
	if err := as.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: append alert: %w", err)
	}
	return nil
}

// ReadRecent returns up to count alerts from the stream, newest first.
func (as *AlertStream) ReadRecent(ctx context.Context, count int) ([]domain.Alert, error) {
	if count <= 0 {
		count = 100
	}
	msgs, err := as.rdb.XRevRangeN(ctx, as.stream, "+", "-", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read alerts: %w", err)
	}

	alerts := make([]domain.Alert, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var a domain.Alert
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			continue
		}
		alerts = append(alerts, a)
	}
	return alerts, nil
}

// Compile-time interface check.
var _ domain.AlertSink = (*AlertStream)(nil)
