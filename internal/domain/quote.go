package domain

import (
	"math"
	"time"
)

// QuoteSnapshot is one joined observation of model fair value versus the
// market's quoted prices for a window.
type QuoteSnapshot struct {
	Asset      string
	Spot       float64
	MovePct    float64 // spot move since window open, as a fraction
	FairYes    float64
	FairNo     float64
	ClobYesMid float64
	ClobNoMid  float64
	EdgeYes    float64 // FairYes - ClobYesMid
	EdgeNo     float64 // FairNo - ClobNoMid
	PairSum    float64
	ImpliedVol float64
	ObservedAt time.Time
}

// BestSide returns the side with the larger absolute edge and that edge.
// YES wins exact ties.
func (q QuoteSnapshot) BestSide() (Side, float64) {
	if math.Abs(q.EdgeNo) > math.Abs(q.EdgeYes) {
		return SideNo, q.EdgeNo
	}
	return SideYes, q.EdgeYes
}
