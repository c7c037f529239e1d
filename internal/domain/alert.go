package domain

import "time"

// AlertSeverity ranks alerts for notification routing.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// AlertCategory identifies the kind of event an alert reports. Rate
// limiting is applied per category.
type AlertCategory string

const (
	CategoryWindowOpen   AlertCategory = "window_open"
	CategoryWindowClose  AlertCategory = "window_close"
	CategoryDivergence   AlertCategory = "divergence"
	CategoryExecution    AlertCategory = "execution"
	CategoryFill         AlertCategory = "fill"
	CategoryConverged    AlertCategory = "converged"
	CategoryAdverse      AlertCategory = "adverse"
	CategoryRedemption   AlertCategory = "redemption"
	CategoryRiskDenied   AlertCategory = "risk_denied"
	CategoryFeedStale    AlertCategory = "feed_stale"
	CategoryFeedRestored AlertCategory = "feed_restored"
	CategoryThinBook     AlertCategory = "thin_book"
	CategorySystem       AlertCategory = "system"
)

// Alert is one operator-visible event.
type Alert struct {
	Timestamp time.Time      `json:"timestamp"`
	Severity  AlertSeverity  `json:"severity"`
	Category  AlertCategory  `json:"category"`
	Asset     string         `json:"asset,omitempty"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}
