package position

import (
	"fmt"
	"math"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/risk"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// ActionKind names a broker-facing request proposed by an evaluation.
type ActionKind string

const (
	ActionModifyStop   ActionKind = "MODIFY_STOP"
	ActionPartialClose ActionKind = "PARTIAL_CLOSE"
	ActionFullClose    ActionKind = "FULL_CLOSE"
)

// Action is one broker-facing request for a position. Evaluations
// return actions instead of calling the broker so a cycle can be
// replayed deterministically in tests.
type Action struct {
	Kind       ActionKind
	PositionID string
	Ticket     int64
	Symbol     string

	NewStopLoss float64 // MODIFY_STOP
	Phase       Phase   // lifecycle tag to commit once the broker accepts

	Volume float64 // PARTIAL_CLOSE and FULL_CLOSE
	Rung   int     // 1-based ladder rung, 0 when not rung-driven

	Reason string
}

// Manager evaluates lifecycle transitions for open positions. It holds
// no mutable state of its own: each evaluation is a pure function of
// the position, the latest quote and the policy, and the resulting
// actions are committed back onto the position only after the broker
// accepts them. Re-evaluating at an unchanged price therefore proposes
// nothing new.
type Manager struct {
	policy *risk.Policy
}

// NewManager builds a lifecycle manager over the shared risk policy.
func NewManager(policy *risk.Policy) *Manager {
	return &Manager{policy: policy}
}

// Evaluate inspects one position against the latest quote and returns
// the broker requests due this cycle: at most one ladder close and at
// most one protective stop move. atr may be zero when no volatility
// reading is available.
func (m *Manager) Evaluate(pos *Position, quote types.Quote, spec types.SymbolSpec, atr float64) []Action {
	if pos.Closed() || pos.Volume <= 0 {
		return nil
	}

	price := closeSidePrice(pos.Direction, quote)
	r := pos.RMultiple(price)

	var actions []Action
	closingAll := false

	if rung := pos.NextRung(); rung >= 0 && m.rungHit(pos, rung, price, r) {
		action := m.rungClose(pos, rung, spec)
		closingAll = action.Kind == ActionFullClose
		actions = append(actions, action)
	}

	if !closingAll {
		if action, ok := m.protectiveMove(pos, price, r, spec, atr); ok {
			actions = append(actions, action)
		}
	}
	return actions
}

// FullClose builds an immediate close request for the position's whole
// remaining volume, used by stop handling and the emergency path.
func (m *Manager) FullClose(pos *Position, reason string) Action {
	return Action{
		Kind:       ActionFullClose,
		PositionID: pos.ID,
		Ticket:     pos.Ticket,
		Symbol:     pos.Symbol,
		Volume:     pos.Volume,
		Reason:     reason,
	}
}

// ShouldEscalate reports whether a rejection streak has exhausted the
// configured retry budget.
func (m *Manager) ShouldEscalate(rejectedCycles int) bool {
	return m.policy.ModifyRetryCycles > 0 && rejectedCycles >= m.policy.ModifyRetryCycles
}

// rungHit reports whether the given ladder rung is reached at price.
// A rung with a known take-profit level triggers on the price touching
// it; an unknown level falls back to the rung's R-multiple.
func (m *Manager) rungHit(pos *Position, rung int, price, r float64) bool {
	if tp := pos.TakeProfits[rung]; tp > 0 {
		return (price-tp)*pos.Direction.Sign() >= -tp*1e-9
	}
	return r >= float64(rung+1)*(1-1e-9)
}

// rungClose sizes the close request for a reached rung. The final rung
// closes the whole remainder; an inner rung closes its allocated share
// of the original volume, promoted to a full close when the leftover
// would fall below the broker minimum.
func (m *Manager) rungClose(pos *Position, rung int, spec types.SymbolSpec) Action {
	action := Action{
		Kind:       ActionPartialClose,
		PositionID: pos.ID,
		Ticket:     pos.Ticket,
		Symbol:     pos.Symbol,
		Rung:       rung + 1,
		Reason:     fmt.Sprintf("take-profit rung %d reached", rung+1),
	}

	if rung == pos.lastRung() {
		action.Kind = ActionFullClose
		action.Volume = pos.Volume
		action.Reason = fmt.Sprintf("final take-profit rung %d reached", rung+1)
		return action
	}

	volume := pos.InitialVolume * pos.Allocations[rung]
	if spec.VolumeStep > 0 {
		volume = math.Floor(volume/spec.VolumeStep+1e-9) * spec.VolumeStep
	}
	if volume < spec.VolumeMin {
		volume = spec.VolumeMin
	}
	if volume > pos.Volume || pos.Volume-volume < spec.VolumeMin {
		action.Kind = ActionFullClose
		action.Volume = pos.Volume
		return action
	}
	action.Volume = volume
	return action
}

// protectiveMove proposes the most protective admissible stop for this
// cycle: the breakeven move once enough of the TP1 distance is covered,
// then the trailing candidates once the R threshold is crossed. The
// stop only ever tightens; a candidate at or behind the current stop is
// discarded without a broker request.
func (m *Manager) protectiveMove(pos *Position, price, r float64, spec types.SymbolSpec, atr float64) (Action, bool) {
	sign := pos.Direction.Sign()
	if sign == 0 {
		return Action{}, false
	}

	var best float64
	var bestPhase Phase
	have := false
	consider := func(candidate float64, phase Phase) {
		if !have || (candidate-best)*sign > 0 {
			best, bestPhase, have = candidate, phase, true
		}
	}

	if !pos.BreakevenSet && m.breakevenDue(pos, price) {
		consider(pos.EntryPrice+sign*m.policy.BreakevenBufferPoints*spec.Point, PhaseBreakeven)
	}

	if pos.TrailingOn || (m.policy.TrailingActivationR > 0 && r >= m.policy.TrailingActivationR) {
		move := pos.FavorableMove(price)
		if move > 0 {
			consider(price-sign*move*trailFraction(r), PhaseTrailing)
		}
		if atr > 0 {
			candidate := price - sign*2*atr
			if (candidate-pos.EntryPrice)*sign > 0 {
				consider(candidate, PhaseTrailing)
			}
		}
	}
	if !have {
		return Action{}, false
	}

	// Respect the broker's minimum stop distance from the current
	// price; a too-tight candidate is pulled back to the closest
	// compliant level and resubmitted as prices move.
	if minDist := spec.MinStopDistance(); minDist > 0 && (price-best)*sign < minDist {
		best = price - sign*minDist
	}
	best = roundPrice(best, spec.Digits)

	tolerance := spec.Point / 2
	if tolerance <= 0 {
		tolerance = 1e-9
	}
	if pos.StopLoss != 0 && (best-pos.StopLoss)*sign <= tolerance {
		return Action{}, false
	}

	return Action{
		Kind:        ActionModifyStop,
		PositionID:  pos.ID,
		Ticket:      pos.Ticket,
		Symbol:      pos.Symbol,
		NewStopLoss: best,
		Phase:       bestPhase,
		Reason:      stopReason(bestPhase),
	}, true
}

// breakevenDue reports whether the favorable move covers the trigger
// fraction of the TP1 distance, falling back to the initial risk when
// no TP1 level is known.
func (m *Manager) breakevenDue(pos *Position, price float64) bool {
	move := pos.FavorableMove(price)
	if move <= 0 {
		return false
	}
	if tp1 := pos.TakeProfits[0]; tp1 > 0 {
		dist := math.Abs(tp1 - pos.EntryPrice)
		return dist > 0 && move >= m.policy.BreakevenTrigger*dist
	}
	riskDist := pos.InitialRisk()
	return riskDist > 0 && move >= m.policy.BreakevenTrigger*riskDist
}

// lastRung returns the highest ladder index with a positive allocation.
func (p *Position) lastRung() int {
	for i := len(p.Allocations) - 1; i >= 0; i-- {
		if p.Allocations[i] > 0 {
			return i
		}
	}
	return -1
}

// trailFraction widens the trailing distance as the trade runs, giving
// a larger winner more room: half the move below 3R, then 60% and 70%.
func trailFraction(r float64) float64 {
	switch {
	case r >= 5:
		return 0.7
	case r >= 3:
		return 0.6
	default:
		return 0.5
	}
}

// closeSidePrice is the price a market close would fill at.
func closeSidePrice(d types.Direction, q types.Quote) float64 {
	if d == types.DirectionLong {
		return q.Bid
	}
	return q.Ask
}

func stopReason(phase Phase) string {
	if phase == PhaseBreakeven {
		return "breakeven threshold reached"
	}
	return "trailing stop advance"
}

func roundPrice(price float64, digits int) float64 {
	if digits <= 0 {
		return price
	}
	scale := math.Pow10(digits)
	return math.Round(price*scale) / scale
}
