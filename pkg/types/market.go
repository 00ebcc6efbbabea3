package types

import "time"

// Quote is the latest bid/ask for a symbol.
type Quote struct {
	Symbol string
	Bid    float64
	Ask    float64
	Time   time.Time
}

// Mid returns the bid/ask midpoint.
func (q Quote) Mid() float64 { return (q.Bid + q.Ask) / 2 }

// Spread returns the ask-bid distance in price units.
func (q Quote) Spread() float64 { return q.Ask - q.Bid }

// SpreadPoints returns the spread expressed in points of the given size.
func (q Quote) SpreadPoints(point float64) float64 {
	if point <= 0 {
		return 0
	}
	return (q.Ask - q.Bid) / point
}

// Candle is one OHLC bar.
type Candle struct {
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Timestamp time.Time
}

// SymbolSpec carries the broker-reported trading parameters of a symbol.
type SymbolSpec struct {
	Symbol       string
	Digits       int
	Point        float64 // smallest price increment
	VolumeMin    float64
	VolumeMax    float64
	VolumeStep   float64
	ContractSize float64
	// UnitValue is the account-currency value of a one price-unit move
	// of a 1.0 lot position: risk = stop_distance * UnitValue * volume.
	UnitValue float64
	// StopsLevelPoints is the broker's minimum distance between the
	// current price and any stop order, in points.
	StopsLevelPoints float64
}

// MinStopDistance returns the broker's minimum stop distance in price units.
func (s SymbolSpec) MinStopDistance() float64 {
	return s.StopsLevelPoints * s.Point
}

// AccountInfo is a snapshot of the trading account.
type AccountInfo struct {
	Balance    float64
	Equity     float64
	Margin     float64
	FreeMargin float64
	Currency   string
}

// MarketSnapshot bundles everything known about one symbol at analysis
// time. It is assembled once per cycle and passed read-only to the
// signal source and the lifecycle evaluation.
type MarketSnapshot struct {
	Symbol  string
	Quote   Quote
	Spec    SymbolSpec
	Candles []Candle // oldest first
}
