package types

import "time"

// Direction is the side of a signal or position.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionNone  Direction = "NONE"
)

// Sign returns +1 for long, -1 for short and 0 otherwise, so that
// favorable price movement is always sign*(price-entry) > 0.
func (d Direction) Sign() float64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	}
	return 0
}

// Tradeable reports whether the direction opens a position.
func (d Direction) Tradeable() bool {
	return d == DirectionLong || d == DirectionShort
}

// Opposite returns the closing side for the direction.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	}
	return DirectionNone
}

// Signal is a directional trading recommendation produced by the AI
// collaborator. It is immutable once received and treated as untrusted
// input until validated.
type Signal struct {
	Symbol               string
	Direction            Direction
	Confidence           int // 0-100
	Entry                float64
	StopLoss             float64
	TakeProfit1          float64
	TakeProfit2          float64
	TakeProfit3          float64
	SuggestedSizePercent float64
	TimeHorizon          string
	Reasoning            string
	IssuedAt             time.Time
}

// RiskDistance is the absolute distance between entry and stop loss.
func (s Signal) RiskDistance() float64 {
	d := s.Entry - s.StopLoss
	if d < 0 {
		return -d
	}
	return d
}

// PositionSnapshot is a broker-reported open position.
type PositionSnapshot struct {
	Ticket     int64
	Symbol     string
	Direction  Direction
	Volume     float64
	OpenPrice  float64
	StopLoss   float64
	TakeProfit float64
	Profit     float64 // unrealized, account currency
	OpenedAt   time.Time
}

// OrderRequest asks the broker to open a market position.
type OrderRequest struct {
	Symbol     string
	Direction  Direction
	Volume     float64
	StopLoss   float64
	TakeProfit float64
	Deviation  int    // max acceptable price deviation, points
	ClientID   string // caller-generated id, echoed by the broker where supported
	Comment    string
}

// OrderResult is the broker's confirmation of a filled order.
type OrderResult struct {
	Ticket         int64
	ExecutedPrice  float64
	ExecutedVolume float64
}

// ModifyRequest updates the protective levels of an open position.
// Nil fields are left unchanged.
type ModifyRequest struct {
	Ticket     int64
	Symbol     string
	StopLoss   *float64
	TakeProfit *float64
}

// CloseRequest closes part or all of an open position. Volume is in
// lots; pass the position's full volume for a full close.
type CloseRequest struct {
	Ticket    int64
	Symbol    string
	Direction Direction
	Volume    float64
	Deviation int
}

// Float64 returns a pointer to v, for optional request fields.
func Float64(v float64) *float64 { return &v }
