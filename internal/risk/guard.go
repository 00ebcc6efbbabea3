package risk

import (
	"fmt"

	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// Verdict is the admission outcome for one candidate signal.
type Verdict string

const (
	VerdictAdmit   Verdict = "ADMIT"
	VerdictReduced Verdict = "ADMIT_WITH_REDUCED_SIZE"
	VerdictReject  Verdict = "REJECT"
)

// Decision is the guard's answer. Factor is the advisory size
// multiplier (1.0 unless the verdict is ADMIT_WITH_REDUCED_SIZE) and
// Reason names the first failing check on rejection.
type Decision struct {
	Verdict       Verdict
	Factor        float64
	Reason        string
	MinConfidence int // effective confidence floor applied
}

// Admitted reports whether the signal may proceed to sizing.
func (d Decision) Admitted() bool {
	return d.Verdict == VerdictAdmit || d.Verdict == VerdictReduced
}

// NewsVeto is the news collaborator's verdict for a symbol.
type NewsVeto struct {
	Avoid  bool
	Reason string
}

// Guard is the admission-control gate. It is a pure decision function
// over a ledger snapshot; it never mutates state. Slot reservation
// happens afterwards in the ledger, which re-checks the caps
// atomically.
type Guard struct {
	policy *Policy
}

// NewGuard creates a guard bound to the risk policy.
func NewGuard(policy *Policy) *Guard {
	return &Guard{policy: policy}
}

// Decide runs the admission checks in order, strictest daily-loss rung
// first, and short-circuits on the first failure.
//
// The daily-loss ladder (thresholds inclusive): at 100% of the cap all
// admission stops until the next day boundary; at 80% the strict
// confidence floor applies for the rest of the day; at 50% sizing is
// halved via the advisory factor.
func (g *Guard) Decide(sig types.Signal, snap Snapshot, news NewsVeto) Decision {
	reject := func(reason string) Decision {
		return Decision{Verdict: VerdictReject, Factor: 0, Reason: reason, MinConfidence: g.policy.MinConfidence}
	}

	if snap.Halted {
		return reject("trading disabled: " + snap.HaltReason)
	}
	if news.Avoid {
		reason := news.Reason
		if reason == "" {
			reason = "high-impact news window"
		}
		return reject("news blackout: " + reason)
	}

	minConfidence := g.policy.MinConfidence
	factor := 1.0

	dailyLoss := snap.DailyLossFraction()
	dailyCap := g.policy.DailyLossCap
	switch {
	case dailyCap > 0 && dailyLoss >= dailyCap:
		return reject("daily loss limit reached")
	case dailyCap > 0 && dailyLoss >= 0.8*dailyCap:
		minConfidence = g.policy.StrictMinConfidence
		factor = 0.5
	case dailyCap > 0 && dailyLoss >= 0.5*dailyCap:
		factor = 0.5
	}
	// A strict day stays strict even after losses recover.
	if snap.Strict && g.policy.StrictMinConfidence > minConfidence {
		minConfidence = g.policy.StrictMinConfidence
	}

	if sig.Confidence < minConfidence {
		d := reject(fmt.Sprintf("confidence %d below minimum %d", sig.Confidence, minConfidence))
		d.MinConfidence = minConfidence
		return d
	}

	if g.policy.WeeklyLossCap > 0 && snap.WeeklyLossFraction() >= g.policy.WeeklyLossCap {
		return reject("weekly loss limit reached")
	}

	if snap.OpenCount >= g.policy.MaxOpenPositions {
		return reject("maximum open positions reached")
	}

	for _, group := range g.policy.GroupsOf(sig.Symbol) {
		if snap.GroupCounts[group] >= g.policy.MaxPerCorrelationGroup {
			return reject(fmt.Sprintf("correlation limit reached for group %s", group))
		}
	}

	if factor < 1 {
		return Decision{Verdict: VerdictReduced, Factor: factor, Reason: "daily loss ladder", MinConfidence: minConfidence}
	}
	return Decision{Verdict: VerdictAdmit, Factor: 1, MinConfidence: minConfidence}
}
