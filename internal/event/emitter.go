// Package event routes alerts from the engine to the dashboard ring
// buffer, external sinks, and the structured log.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quantfold/windarb/internal/domain"
)

// defaultRateWindow is the minimum spacing between alerts of the same
// category and asset. Executions and settlements are never suppressed.
const defaultRateWindow = 10 * time.Second

// Emitter fans alerts out to registered sinks and keeps a bounded ring of
// recent alerts for the dashboard API.
type Emitter struct {
	mu       sync.Mutex
	ring     []domain.Alert
	head     int
	count    int
	lastSent map[string]time.Time // category|asset -> last emit

	sinks      []domain.AlertSink
	rateWindow time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithRateWindow overrides the per-category suppression window.
func WithRateWindow(d time.Duration) Option {
	return func(e *Emitter) { e.rateWindow = d }
}

// WithSink attaches an additional alert sink.
func WithSink(s domain.AlertSink) Option {
	return func(e *Emitter) { e.sinks = append(e.sinks, s) }
}

// NewEmitter creates an emitter with a ring of capacity ringSize.
func NewEmitter(ringSize int, logger *slog.Logger, opts ...Option) *Emitter {
	if ringSize <= 0 {
		ringSize = 256
	}
	e := &Emitter{
		ring:       make([]domain.Alert, ringSize),
		lastSent:   make(map[string]time.Time),
		rateWindow: defaultRateWindow,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "event")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit records the alert and forwards it to all sinks, subject to the
// per-category rate limit. Suppressed alerts are dropped entirely. Sink
// failures are logged and never propagate to the caller.
func (e *Emitter) Emit(ctx context.Context, a domain.Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = e.now()
	}

	e.mu.Lock()
	if e.suppressLocked(a) {
		e.mu.Unlock()
		return
	}
	e.pushLocked(a)
	sinks := make([]domain.AlertSink, len(e.sinks))
	copy(sinks, e.sinks)
	e.mu.Unlock()

	e.logger.LogAttrs(ctx, severityLevel(a.Severity), a.Message,
		slog.String("category", string(a.Category)),
		slog.String("asset", a.Asset))

	for _, s := range sinks {
		if err := s.Publish(ctx, a); err != nil {
			e.logger.Warn("sink publish failed", slog.String("category", string(a.Category)), slog.Any("error", err))
		}
	}
}

// Recent returns up to limit alerts, newest first.
func (e *Emitter) Recent(limit int) []domain.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := e.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.Alert, 0, n)
	for i := 0; i < n; i++ {
		idx := (e.head - 1 - i + len(e.ring)) % len(e.ring)
		out = append(out, e.ring[idx])
	}
	return out
}

func (e *Emitter) suppressLocked(a domain.Alert) bool {
	if !rateLimited(a.Category) {
		return false
	}
	key := string(a.Category) + "|" + a.Asset
	if last, ok := e.lastSent[key]; ok && a.Timestamp.Sub(last) < e.rateWindow {
		return true
	}
	e.lastSent[key] = a.Timestamp
	return false
}

func (e *Emitter) pushLocked(a domain.Alert) {
	e.ring[e.head] = a
	e.head = (e.head + 1) % len(e.ring)
	if e.count < len(e.ring) {
		e.count++
	}
}

// rateLimited reports whether a category is subject to suppression. Trade
// lifecycle alerts always go through.
func rateLimited(c domain.AlertCategory) bool {
	switch c {
	case domain.CategoryExecution, domain.CategoryFill, domain.CategoryConverged, domain.CategoryAdverse:
		return false
	}
	return true
}

func severityLevel(s domain.AlertSeverity) slog.Level {
	switch s {
	case domain.SeverityCritical:
		return slog.LevelError
	case domain.SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
