// Package model prices short-window binary markets.
package model

import (
	"fmt"
	"math"
	"time"
)

const yearSeconds = 365.0 * 24 * 3600

// FairValue prices "will spot be above open at expiry" as a cash-or-nothing
// binary under lognormal drift-free dynamics.
type FairValue struct {
	// MinVol clamps implied vol from below so near-zero vol inputs do not
	// produce degenerate probabilities mid-window.
	MinVol float64
	// MaxVol clamps implied vol from above to reject bad feed data.
	MaxVol float64
}

// NewFairValue returns a model with the given vol clamps. Zero values
// disable the respective clamp.
func NewFairValue(minVol, maxVol float64) *FairValue {
	return &FairValue{MinVol: minVol, MaxVol: maxVol}
}

// Price returns the fair probability of the YES outcome given current spot,
// the window open price, annualized implied vol, and time remaining.
//
// Degenerate limits: as timeLeft approaches zero the probability collapses
// to 1 (spot above open), 0 (below), or 0.5 (exactly at open). Spot and
// open must be positive.
func (m *FairValue) Price(spot, open, vol float64, timeLeft time.Duration) (float64, error) {
	if spot <= 0 || open <= 0 {
		return 0, fmt.Errorf("model: non-positive price: spot=%v open=%v", spot, open)
	}
	if timeLeft <= 0 {
		switch {
		case spot > open:
			return 1, nil
		case spot < open:
			return 0, nil
		default:
			return 0.5, nil
		}
	}

	vol = m.clampVol(vol)
	if vol <= 0 {
		// No vol at all: the binary is a step function of the move.
		switch {
		case spot > open:
			return 1, nil
		case spot < open:
			return 0, nil
		default:
			return 0.5, nil
		}
	}

	t := timeLeft.Seconds() / yearSeconds
	sigmaSqrtT := vol * math.Sqrt(t)
	d2 := (math.Log(spot/open) - 0.5*vol*vol*t) / sigmaSqrtT
	return normCDF(d2), nil
}

// PricePair returns fair YES and NO probabilities. They always sum to 1.
func (m *FairValue) PricePair(spot, open, vol float64, timeLeft time.Duration) (yes, no float64, err error) {
	yes, err = m.Price(spot, open, vol, timeLeft)
	if err != nil {
		return 0, 0, err
	}
	return yes, 1 - yes, nil
}

func (m *FairValue) clampVol(vol float64) float64 {
	if m.MaxVol > 0 && vol > m.MaxVol {
		vol = m.MaxVol
	}
	if m.MinVol > 0 && vol < m.MinVol {
		vol = m.MinVol
	}
	return vol
}

// normCDF is the standard normal cumulative distribution function.
func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}
