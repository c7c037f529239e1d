// Package notify fans alerts out to operator channels (Telegram, Discord).
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/quantfold/windarb/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier delivers alerts at or above a minimum severity to every
// registered sender. It implements domain.AlertSink, so it plugs straight
// into the emitter's fan-out; the emitter has already rate limited by then.
type Notifier struct {
	senders     []Sender
	minSeverity domain.AlertSeverity
	logger      *slog.Logger
}

// NewNotifier creates a Notifier. minSeverity filters what operators see;
// an empty value means everything.
func NewNotifier(senders []Sender, minSeverity domain.AlertSeverity, logger *slog.Logger) *Notifier {
	if minSeverity == "" {
		minSeverity = domain.SeverityInfo
	}
	return &Notifier{
		senders:     senders,
		minSeverity: minSeverity,
		logger:      logger.With(slog.String("component", "notifier")),
	}
}

// Publish formats the alert and dispatches it to all senders. A single
// sender failure does not block the others.
func (n *Notifier) Publish(ctx context.Context, a domain.Alert) error {
	if len(n.senders) == 0 || severityRank(a.Severity) < severityRank(n.minSeverity) {
		return nil
	}

	title, message := formatAlert(a)

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// formatAlert renders an alert as a title plus body. Data fields are sorted
// so messages are stable.
func formatAlert(a domain.Alert) (title, message string) {
	var b strings.Builder
	b.WriteString(strings.ToUpper(string(a.Severity)))
	b.WriteString(" ")
	b.WriteString(string(a.Category))
	if a.Asset != "" {
		b.WriteString(" ")
		b.WriteString(a.Asset)
	}
	title = b.String()

	if len(a.Data) == 0 {
		return title, a.Message
	}

	keys := make([]string, 0, len(a.Data))
	for k := range a.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var m strings.Builder
	m.WriteString(a.Message)
	for _, k := range keys {
		m.WriteString(fmt.Sprintf("\n%s: %v", k, a.Data[k]))
	}
	return title, m.String()
}

func severityRank(s domain.AlertSeverity) int {
	switch s {
	case domain.SeverityCritical:
		return 2
	case domain.SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Compile-time interface check.
var _ domain.AlertSink = (*Notifier)(nil)
