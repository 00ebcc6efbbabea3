package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

func cleanSnapshot() Snapshot {
	return Snapshot{
		Balance:     10000,
		PeakBalance: 10000,
		GroupCounts: map[string]int{},
	}
}

func eurusdSignal(confidence int) types.Signal {
	return types.Signal{
		Symbol:     "EURUSD",
		Direction:  types.DirectionLong,
		Confidence: confidence,
		Entry:      1.1000,
		StopLoss:   1.0950,
	}
}

// TestGuardAdmitsCleanSignal tests the happy path: full size, no reason.
func TestGuardAdmitsCleanSignal(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	d := guard.Decide(eurusdSignal(85), cleanSnapshot(), NewsVeto{})

	assert.Equal(t, VerdictAdmit, d.Verdict)
	assert.Equal(t, 1.0, d.Factor)
	assert.True(t, d.Admitted())
}

// TestGuardDailyLossCapRejects tests that breaching the daily cap
// rejects even a maximum-confidence signal.
func TestGuardDailyLossCapRejects(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	snap := cleanSnapshot()
	snap.DailyPnL = -310 // 3.1% of balance, cap is 3%

	d := guard.Decide(eurusdSignal(95), snap, NewsVeto{})

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, "daily loss limit reached", d.Reason)
}

// TestGuardDailyLadder tests every rung of the drawdown ladder,
// including the inclusive boundaries.
func TestGuardDailyLadder(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	tests := []struct {
		name    string
		dailyPnL  float64
		conf    int
		verdict Verdict
		factor  float64
	}{
		{"under half cap admits full", -100, 85, VerdictAdmit, 1.0},
		{"exactly half cap halves", -150, 85, VerdictReduced, 0.5},
		{"between rungs halves", -200, 85, VerdictReduced, 0.5},
		{"exactly 80pct needs strict confidence", -240, 70, VerdictReject, 0},
		{"80pct admits strict confidence halved", -240, 80, VerdictReduced, 0.5},
		{"exactly at cap rejects", -300, 95, VerdictReject, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := cleanSnapshot()
			snap.DailyPnL = tt.dailyPnL

			d := guard.Decide(eurusdSignal(tt.conf), snap, NewsVeto{})

			assert.Equal(t, tt.verdict, d.Verdict)
			if tt.verdict == VerdictReduced {
				assert.Equal(t, tt.factor, d.Factor)
			}
		})
	}
}

// TestGuardProfitNeverTriggersLadder tests that a winning day cannot
// trip the loss ladder no matter how large the gain.
func TestGuardProfitNeverTriggersLadder(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	snap := cleanSnapshot()
	snap.DailyPnL = 5000
	snap.WeeklyPnL = 5000

	d := guard.Decide(eurusdSignal(60), snap, NewsVeto{})

	assert.Equal(t, VerdictAdmit, d.Verdict)
}

// TestGuardStrictModePersists tests that once strict mode is latched
// the raised confidence floor holds even if the loss recovers.
func TestGuardStrictModePersists(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	snap := cleanSnapshot()
	snap.Strict = true
	snap.DailyPnL = -50 // well under every rung

	d := guard.Decide(eurusdSignal(70), snap, NewsVeto{})
	assert.Equal(t, VerdictReject, d.Verdict)

	d = guard.Decide(eurusdSignal(76), snap, NewsVeto{})
	assert.True(t, d.Admitted())
}

// TestGuardHaltedRejectsEverything tests the kill switch.
func TestGuardHaltedRejectsEverything(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	snap := cleanSnapshot()
	snap.Halted = true
	snap.HaltReason = "reconcile failed"

	d := guard.Decide(eurusdSignal(99), snap, NewsVeto{})

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Contains(t, d.Reason, "trading disabled")
	assert.Contains(t, d.Reason, "reconcile failed")
}

// TestGuardNewsVeto tests that a blackout window overrides confidence.
func TestGuardNewsVeto(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	d := guard.Decide(eurusdSignal(99), cleanSnapshot(), NewsVeto{
		Avoid:  true,
		Reason: "USD Non-Farm Payrolls in 12m",
	})

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Contains(t, d.Reason, "news blackout")
	assert.Contains(t, d.Reason, "Non-Farm Payrolls")
}

// TestGuardConfidenceFloor tests the baseline confidence gate.
func TestGuardConfidenceFloor(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	d := guard.Decide(eurusdSignal(59), cleanSnapshot(), NewsVeto{})

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Contains(t, d.Reason, "confidence 59 below minimum 60")
}

// TestGuardWeeklyLossCap tests the weekly hard stop.
func TestGuardWeeklyLossCap(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	snap := cleanSnapshot()
	snap.WeeklyPnL = -510 // 5.1%, cap is 5%

	d := guard.Decide(eurusdSignal(95), snap, NewsVeto{})

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, "weekly loss limit reached", d.Reason)
}

// TestGuardMaxOpenPositions tests the portfolio-wide open cap.
func TestGuardMaxOpenPositions(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	snap := cleanSnapshot()
	snap.OpenCount = 5

	d := guard.Decide(eurusdSignal(95), snap, NewsVeto{})

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Equal(t, "maximum open positions reached", d.Reason)
}

// TestGuardCorrelationGroupCap tests that each group the symbol
// belongs to is checked independently.
func TestGuardCorrelationGroupCap(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	snap := cleanSnapshot()
	snap.OpenCount = 2
	snap.GroupCounts = map[string]int{"EUR_crosses": 2}

	// EURUSD is in USD_majors (0 open) and EUR_crosses (2 open, cap 2).
	d := guard.Decide(eurusdSignal(85), snap, NewsVeto{})

	assert.Equal(t, VerdictReject, d.Verdict)
	assert.Contains(t, d.Reason, "correlation limit reached for group EUR_crosses")

	// GBPJPY is only in USD_majors, which still has room.
	gbpjpy := eurusdSignal(85)
	gbpjpy.Symbol = "GBPJPY"
	d = guard.Decide(gbpjpy, snap, NewsVeto{})

	assert.True(t, d.Admitted())
}

// TestGuardLadderReducedCarriesReason tests that the halved admission
// explains itself.
func TestGuardLadderReducedCarriesReason(t *testing.T) {
	guard := NewGuard(testPolicy(t))

	snap := cleanSnapshot()
	snap.DailyPnL = -200

	d := guard.Decide(eurusdSignal(85), snap, NewsVeto{})

	assert.Equal(t, VerdictReduced, d.Verdict)
	assert.NotEmpty(t, d.Reason)
}
