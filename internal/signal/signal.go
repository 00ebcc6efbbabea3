// Package signal defines where trading signals come from and the
// validation applied before any signal reaches admission. Signals are
// untrusted input: a malformed one is discarded, never repaired.
package signal

import (
	"context"
	"fmt"
	"sync"

	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// minRewardRisk is the lowest acceptable reward-to-risk ratio to the
// first take-profit level.
const minRewardRisk = 1.5

// Source produces at most one signal per symbol per cycle. A NONE
// direction is a valid no-trade verdict, not an error.
type Source interface {
	Name() string
	Analyze(ctx context.Context, snapshot types.MarketSnapshot) (types.Signal, error)
}

// Validate checks a signal's structure before admission. NONE signals
// pass: declining to trade needs no levels. Directional signals must
// carry positive prices, a stop on the loss side of entry, a first
// take-profit on the win side, and a reward-to-risk of at least 1.5.
func Validate(sig types.Signal, minConfidence int) error {
	if sig.Direction == types.DirectionNone {
		return nil
	}
	if sig.Direction != types.DirectionLong && sig.Direction != types.DirectionShort {
		return validationErr("unknown direction %q", sig.Direction)
	}

	if sig.Confidence < minConfidence {
		return validationErr("confidence %d below minimum %d", sig.Confidence, minConfidence)
	}
	if sig.Entry <= 0 || sig.StopLoss <= 0 || sig.TakeProfit1 <= 0 {
		return validationErr("entry, stop loss and first take profit must be positive")
	}

	sign := sig.Direction.Sign()
	if (sig.Entry-sig.StopLoss)*sign <= 0 {
		return validationErr("stop loss %.5f on the wrong side of entry %.5f for %s",
			sig.StopLoss, sig.Entry, sig.Direction)
	}
	if (sig.TakeProfit1-sig.Entry)*sign <= 0 {
		return validationErr("take profit %.5f on the wrong side of entry %.5f for %s",
			sig.TakeProfit1, sig.Entry, sig.Direction)
	}

	risk := sig.RiskDistance()
	reward := (sig.TakeProfit1 - sig.Entry) * sign
	if reward < risk*minRewardRisk*(1-1e-9) {
		return validationErr("reward-to-risk %.2f below minimum %.1f", reward/risk, minRewardRisk)
	}

	return nil
}

func validationErr(format string, args ...interface{}) error {
	return boterrors.NewValidationError("signal", "validate", fmt.Sprintf(format, args...))
}

// Scripted replays queued signals in order, one per Analyze call per
// symbol. An empty queue yields a NONE verdict. It backs offline
// replays and engine tests.
type Scripted struct {
	mu     sync.Mutex
	queues map[string][]types.Signal
}

// NewScripted builds an empty scripted source.
func NewScripted() *Scripted {
	return &Scripted{queues: make(map[string][]types.Signal)}
}

// Push appends a signal to its symbol's queue.
func (s *Scripted) Push(sig types.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[sig.Symbol] = append(s.queues[sig.Symbol], sig)
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Analyze(_ context.Context, snapshot types.MarketSnapshot) (types.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue := s.queues[snapshot.Symbol]
	if len(queue) == 0 {
		return types.Signal{Symbol: snapshot.Symbol, Direction: types.DirectionNone}, nil
	}
	next := queue[0]
	s.queues[snapshot.Symbol] = queue[1:]
	return next, nil
}
