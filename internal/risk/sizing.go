package risk

import "math"

// SizeOrder returns the USD risk for a trade with the given model edge,
// using a damped Kelly fraction against the current free balance. The
// result is clamped to [minRisk, maxRisk] and never exceeds the free
// balance; a zero return means the trade is not worth taking.
func (l *Ledger) SizeOrder(edge, price, minRisk, maxRisk, kellyFraction float64) float64 {
	if price <= 0 || price >= 1 || edge == 0 {
		return 0
	}

	l.mu.Lock()
	free := l.balance - l.reserved
	l.mu.Unlock()
	if free <= 0 {
		return 0
	}

	// Binary payout Kelly: f* = edge / (1 - price) for a buy at price with
	// win probability price+edge. Damped by kellyFraction.
	f := math.Abs(edge) / (1 - price) * kellyFraction
	risk := free * f

	if maxRisk > 0 && risk > maxRisk {
		risk = maxRisk
	}
	if risk > free {
		risk = free
	}
	if risk < minRisk {
		return 0
	}
	return risk
}
