// Package position owns the lifecycle of open trades: breakeven moves,
// trailing stops and the staged take-profit ladder. State changes are
// proposed by the Manager and committed only after broker confirmation,
// so a Position always mirrors what the broker has accepted.
package position

import (
	"fmt"
	"math"
	"time"

	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// Phase is the lifecycle tag of a position.
type Phase string

const (
	PhaseOpen            Phase = "OPEN"
	PhaseBreakeven       Phase = "BREAKEVEN"
	PhaseTrailing        Phase = "TRAILING"
	PhasePartiallyClosed Phase = "PARTIALLY_CLOSED"
	PhaseClosed          Phase = "CLOSED"
)

// Position is a live trade owned by the lifecycle manager from broker
// confirmation until it reaches PhaseClosed.
type Position struct {
	ID        string
	Ticket    int64
	Symbol    string
	Direction types.Direction

	// Confidence of the admitting signal, 0 for adopted positions.
	Confidence int

	OpenedAt    time.Time
	EntryPrice  float64
	InitialStop float64
	StopLoss    float64

	// TakeProfits holds the ladder prices; a zero rung falls back to
	// the matching R-multiple (rung n at n×R). Allocations are the
	// volume fractions of the original size closed at each rung.
	TakeProfits [3]float64
	Allocations [3]float64
	FilledRungs [3]bool

	InitialVolume float64
	Volume        float64
	RealizedPnL   float64
	UnrealizedPnL float64

	Groups []string

	Phase        Phase
	BreakevenSet bool
	TrailingOn   bool

	RejectedModifyCycles int
	Escalated            bool
}

// New creates a position from a confirmed order placement.
func New(id string, ticket int64, sig types.Signal, volume float64, groups []string, allocations []float64, openedAt time.Time) *Position {
	p := &Position{
		ID:            id,
		Ticket:        ticket,
		Symbol:        sig.Symbol,
		Direction:     sig.Direction,
		Confidence:    sig.Confidence,
		OpenedAt:      openedAt,
		EntryPrice:    sig.Entry,
		InitialStop:   sig.StopLoss,
		StopLoss:      sig.StopLoss,
		TakeProfits:   [3]float64{sig.TakeProfit1, sig.TakeProfit2, sig.TakeProfit3},
		InitialVolume: volume,
		Volume:        volume,
		Groups:        append([]string(nil), groups...),
		Phase:         PhaseOpen,
	}
	copy(p.Allocations[:], allocations)
	return p
}

// Adopt wraps a broker-reported position the engine did not place this
// run. The ladder prices are unknown, so rung detection falls back to
// R-multiples; a position with no stop loss has no measurable risk and
// is left untouched by the manager.
func Adopt(id string, snap types.PositionSnapshot, groups []string, allocations []float64) *Position {
	p := &Position{
		ID:            id,
		Ticket:        snap.Ticket,
		Symbol:        snap.Symbol,
		Direction:     snap.Direction,
		OpenedAt:      snap.OpenedAt,
		EntryPrice:    snap.OpenPrice,
		InitialStop:   snap.StopLoss,
		StopLoss:      snap.StopLoss,
		InitialVolume: snap.Volume,
		Volume:        snap.Volume,
		UnrealizedPnL: snap.Profit,
		Groups:        append([]string(nil), groups...),
		Phase:         PhaseOpen,
	}
	copy(p.Allocations[:], allocations)
	return p
}

// InitialRisk is the entry-to-initial-stop distance in price units.
func (p *Position) InitialRisk() float64 {
	return math.Abs(p.EntryPrice - p.InitialStop)
}

// RMultiple expresses the favorable move at the given price as a
// multiple of the initial risk. Zero when the initial risk is unknown.
func (p *Position) RMultiple(price float64) float64 {
	risk := p.InitialRisk()
	if risk <= 0 {
		return 0
	}
	return p.FavorableMove(price) / risk
}

// FavorableMove is the signed move from entry in the position's
// direction; positive means profit.
func (p *Position) FavorableMove(price float64) float64 {
	return (price - p.EntryPrice) * p.Direction.Sign()
}

// NextRung returns the index of the first unfilled take-profit rung,
// or -1 when the ladder is exhausted.
func (p *Position) NextRung() int {
	for i := range p.Allocations {
		if p.Allocations[i] <= 0 {
			continue
		}
		if !p.FilledRungs[i] {
			return i
		}
	}
	return -1
}

// Closed reports whether the position reached its terminal phase.
func (p *Position) Closed() bool {
	return p.Phase == PhaseClosed
}

// ApplyStopModified commits a broker-confirmed stop move and advances
// the lifecycle tag.
func (p *Position) ApplyStopModified(newStop float64, phase Phase) {
	p.StopLoss = newStop
	switch phase {
	case PhaseBreakeven:
		p.BreakevenSet = true
	case PhaseTrailing:
		p.BreakevenSet = true
		p.TrailingOn = true
	}
	if !p.Closed() {
		p.Phase = phase
	}
	p.ClearModifyFailures()
}

// ApplyRungFilled commits a broker-confirmed partial close of the given
// ladder rung. The remaining volume keeps its protective flags.
func (p *Position) ApplyRungFilled(rung int, closedVolume, realized float64) {
	if rung >= 0 && rung < len(p.FilledRungs) {
		p.FilledRungs[rung] = true
	}
	p.Volume -= closedVolume
	p.RealizedPnL += realized
	if p.Volume <= 1e-9 {
		p.Volume = 0
		p.Phase = PhaseClosed
		return
	}
	p.Phase = PhasePartiallyClosed
}

/// ApplyClosed commits a full closure from any path: final rung, stop
// hit, emergency close or broker-side disappearance.
func (p *Position) ApplyClosed(realized float64) {
	p.RealizedPnL += realized
	p.Volume = 0
	p.Phase = PhaseClosed
}

// NoteModifyRejected counts a cycle whose stop modification the broker
// refused, and returns the consecutive rejection count.
func (p *Position) NoteModifyRejected() int {
	p.RejectedModifyCycles++
	return p.RejectedModifyCycles
}

// ClearModifyFailures resets the rejection streak after a success.
func (p *Position) ClearModifyFailures() {
	p.RejectedModifyCycles = 0
	p.Escalated = false
}

func (p *Position) String() string {
	return fmt.Sprintf("%s %s %.2f@%.5f [%s]", p.Symbol, p.Direction, p.Volume, p.EntryPrice, p.Phase)
}
