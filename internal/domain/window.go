package domain

import "time"

// WindowState is the lifecycle state of a market window.
type WindowState int

const (
	// WindowIdle means no active window exists for the asset.
	WindowIdle WindowState = iota
	// WindowMonitoring means a window is open and quotes are being compared.
	WindowMonitoring
	// WindowDivergence means a divergence episode is open but has not yet
	// met the execution criteria.
	WindowDivergence
	// WindowExecuting means an order is in flight.
	WindowExecuting
	// WindowFilled means a position is held and awaiting settlement.
	WindowFilled
	// WindowSettled means the window resolved and the trade outcome is final.
	WindowSettled
)

// String returns the lowercase state name used in status payloads and logs.
func (s WindowState) String() string {
	switch s {
	case WindowIdle:
		return "idle"
	case WindowMonitoring:
		return "monitoring"
	case WindowDivergence:
		return "divergence"
	case WindowExecuting:
		return "executing"
	case WindowFilled:
		return "filled"
	case WindowSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// MarketWindow describes one short-duration binary market: "will <asset> be
// above the open price at expiry".
type MarketWindow struct {
	Asset       string
	ConditionID string
	Slug        string
	Question    string
	YesTokenID  string
	NoTokenID   string
	OpenedAt    time.Time
	Duration    time.Duration
	OpenPrice   float64 // spot price captured at window open
	NegRisk     bool
}

// ExpiresAt returns the window's expiry instant.
func (w MarketWindow) ExpiresAt() time.Time {
	return w.OpenedAt.Add(w.Duration)
}

// TimeRemaining returns the time left until expiry at the given instant.
// Negative values mean the window has expired.
func (w MarketWindow) TimeRemaining(now time.Time) time.Duration {
	return w.ExpiresAt().Sub(now)
}

// Side identifies the outcome token a trade targets.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Token returns the window's token ID for this side.
func (s Side) Token(w MarketWindow) string {
	if s == SideNo {
		return w.NoTokenID
	}
	return w.YesTokenID
}

// Outcome is the settlement result of a trade.
type Outcome string

const (
	OutcomeOpen      Outcome = "open"
	OutcomeConverged Outcome = "converged"
	OutcomeAdverse   Outcome = "adverse"
)
