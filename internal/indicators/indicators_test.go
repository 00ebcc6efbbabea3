package indicators

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// TestSMA verifies the simple average over the trailing window.
func TestSMA(t *testing.T) {
	v, err := SMA([]float64{1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, v, 1e-9)

	_, err = SMA([]float64{1, 2}, 3)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

// TestEMA verifies the SMA seed and the exponential blend.
func TestEMA(t *testing.T) {
	// Seed (2+4)/2 = 3, then 6 blended at alpha 2/3 gives 5.
	v, err := EMA([]float64{2, 4, 6}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, v, 1e-9)

	_, err = EMA([]float64{1}, 2)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

// TestRSIBounds verifies the saturated one-sided cases.
func TestRSIBounds(t *testing.T) {
	up, err := RSI([]float64{1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, up, 1e-9)

	down, err := RSI([]float64{5, 4, 3, 2, 1}, 3)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, down, 1e-9)
}

// TestRSIMixed verifies a hand-computed mixed window.
func TestRSIMixed(t *testing.T) {
	// Last two changes are -0.5 and +1.0: rs = 0.5/0.25 = 2.
	v, err := RSI([]float64{1, 2, 1.5, 2.5}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 100-100.0/3, v, 1e-9)
}

// TestATRWilderSmoothing verifies the seeded average and the blend of
// later true ranges at weight 1/period.
func TestATRWilderSmoothing(t *testing.T) {
	candles := []types.Candle{
		{High: 2, Low: 1, Close: 1.5},
		{High: 2.5, Low: 1.5, Close: 2},   // TR 1.0
		{High: 3, Low: 2, Close: 2.5},     // TR 1.0
		{High: 4, Low: 2, Close: 3},       // TR 2.0
	}

	v, err := ATR(candles, 2)
	require.NoError(t, err)
	// Seed (1+1)/2 = 1, then (1*1 + 2)/2 = 1.5.
	assert.InDelta(t, 1.5, v, 1e-9)

	_, err = ATR(candles[:2], 2)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

// TestRangeExtremes verifies windowed highs/lows and the clamp when
// the window exceeds the data.
func TestRangeExtremes(t *testing.T) {
	candles := []types.Candle{
		{High: 5, Low: 1},
		{High: 3, Low: 2},
		{High: 4, Low: 0.5},
	}

	assert.InDelta(t, 4.0, HighestHigh(candles, 2), 1e-9)
	assert.InDelta(t, 0.5, LowestLow(candles, 2), 1e-9)
	assert.InDelta(t, 5.0, HighestHigh(candles, 10), 1e-9)
	assert.InDelta(t, 0.5, LowestLow(candles, 10), 1e-9)
	assert.Zero(t, HighestHigh(nil, 5))
}

// TestPercentChange verifies lagged close-to-close changes.
func TestPercentChange(t *testing.T) {
	closes := []float64{100, 105, 110}

	assert.InDelta(t, 110.0/105*100-100, PercentChange(closes, 1), 1e-9)
	assert.InDelta(t, 10.0, PercentChange(closes, 2), 1e-9)
	assert.Zero(t, PercentChange(closes, 5))
}
