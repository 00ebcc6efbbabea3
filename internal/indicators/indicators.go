// Package indicators computes the technical values the engine feeds
// into analysis prompts and trailing-stop decisions. All functions are
// one-shot computations over a candle window, oldest first.
package indicators

import (
	"errors"
	"math"

	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// ErrInsufficientData is returned when the candle window is shorter
// than the requested period.
var ErrInsufficientData = errors.New("insufficient data points")

// Closes extracts the close prices of a candle window.
func Closes(candles []types.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// SMA computes the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 || len(values) < period {
		return 0, ErrInsufficientData
	}
	sum := 0.0
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return sum / float64(period), nil
}

// EMA computes an exponential moving average over the full window,
// seeded with the SMA of the first period values.
func EMA(values []float64, period int) (float64, error) {
	if period <= 0 || len(values) < period {
		return 0, ErrInsufficientData
	}

	seed := 0.0
	for _, v := range values[:period] {
		seed += v
	}
	ema := seed / float64(period)

	alpha := 2.0 / float64(period+1)
	for _, v := range values[period:] {
		ema = v*alpha + ema*(1-alpha)
	}
	return ema, nil
}

// RSI computes the Relative Strength Index from close prices, using
// the average gain and loss over the last period changes.
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 || len(closes) < period+1 {
		return 0, ErrInsufficientData
	}

	changes := make([]float64, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		changes[i-1] = closes[i] - closes[i-1]
	}

	var avgGain, avgLoss float64
	for _, change := range changes[len(changes)-period:] {
		if change > 0 {
			avgGain += change
		} else {
			avgLoss += -change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), nil
}

// ATR computes the Average True Range with Wilder smoothing: the first
// value is the simple average of the first period true ranges, then
// each subsequent range is blended in at weight 1/period.
func ATR(candles []types.Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period+1 {
		return 0, ErrInsufficientData
	}

	ranges := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		ranges = append(ranges, trueRange(candles[i], candles[i-1].Close))
	}

	atr := 0.0
	for _, tr := range ranges[:period] {
		atr += tr
	}
	atr /= float64(period)

	for _, tr := range ranges[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
	}
	return atr, nil
}

// trueRange is max(high-low, |high-prevClose|, |low-prevClose|).
func trueRange(c types.Candle, prevClose float64) float64 {
	hl := c.High - c.Low
	hc := math.Abs(c.High - prevClose)
	lc := math.Abs(c.Low - prevClose)
	return math.Max(hl, math.Max(hc, lc))
}

// HighestHigh returns the highest high of the last window candles.
func HighestHigh(candles []types.Candle, window int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if window <= 0 || window > len(candles) {
		window = len(candles)
	}
	high := candles[len(candles)-window].High
	for _, c := range candles[len(candles)-window:] {
		if c.High > high {
			high = c.High
		}
	}
	return high
}

// LowestLow returns the lowest low of the last window candles.
func LowestLow(candles []types.Candle, window int) float64 {
	if len(candles) == 0 {
		return 0
	}
	if window <= 0 || window > len(candles) {
		window = len(candles)
	}
	low := candles[len(candles)-window].Low
	for _, c := range candles[len(candles)-window:] {
		if c.Low < low {
			low = c.Low
		}
	}
	return low
}

// PercentChange returns the close-to-close change over lag candles, in
// percent. Zero when the window is too short.
func PercentChange(closes []float64, lag int) float64 {
	if lag <= 0 || len(closes) < lag+1 {
		return 0
	}
	base := closes[len(closes)-1-lag]
	if base == 0 {
		return 0
	}
	return (closes[len(closes)-1] - base) / base * 100
}
