package engine

import (
	"math"
	"time"

	"github.com/quantfold/windarb/internal/domain"
)

// episode tracks one open divergence: the side being watched, when it
// opened, and the peak absolute edge seen so far.
type episode struct {
	side     domain.Side
	openedAt time.Time
	peak     float64
	lastEdge float64
}

func newEpisode(side domain.Side, edge float64, now time.Time) *episode {
	return &episode{
		side:     side,
		openedAt: now,
		peak:     math.Abs(edge),
		lastEdge: edge,
	}
}

// observe records a fresh edge reading while the episode stays open.
func (e *episode) observe(edge float64) {
	e.lastEdge = edge
	if abs := math.Abs(edge); abs > e.peak {
		e.peak = abs
	}
}

// sustained returns how long the episode has been open.
func (e *episode) sustained(now time.Time) time.Duration {
	return now.Sub(e.openedAt)
}
