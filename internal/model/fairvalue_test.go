package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceAtTheMoney(t *testing.T) {
	m := NewFairValue(0.05, 5.0)

	// Spot at open with meaningful time left prices near (just below,
	// because of the -0.5*sigma^2*t drift correction) one half.
	fv, err := m.Price(50000, 50000, 0.60, 10*time.Minute)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, fv, 0.01)
	assert.Less(t, fv, 0.5)
}

func TestPriceMonotoneInSpot(t *testing.T) {
	m := NewFairValue(0.05, 5.0)

	prev := 0.0
	for _, spot := range []float64{49000, 49500, 50000, 50500, 51000} {
		fv, err := m.Price(spot, 50000, 0.60, 10*time.Minute)
		require.NoError(t, err)
		assert.Greater(t, fv, prev, "fair value must rise with spot")
		prev = fv
	}
}

func TestPriceDegenerateExpiry(t *testing.T) {
	m := NewFairValue(0, 0)

	tests := []struct {
		name string
		spot float64
		want float64
	}{
		{"above open", 50100, 1},
		{"below open", 49900, 0},
		{"at open", 50000, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fv, err := m.Price(tt.spot, 50000, 0.60, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, fv)
		})
	}
}

func TestPriceCollapsesNearExpiry(t *testing.T) {
	m := NewFairValue(0.05, 5.0)

	// 0.4% above open with one second left is nearly certain.
	fv, err := m.Price(50200, 50000, 0.60, time.Second)
	require.NoError(t, err)
	assert.Greater(t, fv, 0.99)

	fv, err = m.Price(49800, 50000, 0.60, time.Second)
	require.NoError(t, err)
	assert.Less(t, fv, 0.01)
}

func TestPricePairSumsToOne(t *testing.T) {
	m := NewFairValue(0.05, 5.0)

	for _, spot := range []float64{48000, 50000, 52000} {
		yes, no, err := m.PricePair(spot, 50000, 0.65, 7*time.Minute)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, yes+no, 1e-12)
	}
}

func TestPriceRejectsBadInputs(t *testing.T) {
	m := NewFairValue(0.05, 5.0)

	_, err := m.Price(0, 50000, 0.60, time.Minute)
	assert.Error(t, err)

	_, err = m.Price(50000, -1, 0.60, time.Minute)
	assert.Error(t, err)
}

func TestVolClamp(t *testing.T) {
	m := NewFairValue(0.10, 2.0)

	// Absurd vol input is clamped, so the price stays sane instead of
	// saturating toward 0.5 everywhere.
	clamped, err := m.Price(50500, 50000, 50.0, 10*time.Minute)
	require.NoError(t, err)
	atCap, err := m.Price(50500, 50000, 2.0, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, atCap, clamped)

	// Zero vol with no clamp floor gives the step function.
	step := NewFairValue(0, 0)
	fv, err := step.Price(50001, 50000, 0, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1.0, fv)
}
