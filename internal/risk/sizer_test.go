package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaiwat-t/mt5-gemini-bot/internal/config"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := NewPolicy(config.RiskConfig{
		PerTradeRisk:           0.01,
		DailyLossCap:           0.03,
		WeeklyLossCap:          0.05,
		MaxOpenPositions:       5,
		MaxPerCorrelationGroup: 2,
		MinConfidence:          60,
		StrictMinConfidence:    75,
		ConfidenceTiers: []config.ConfidenceTier{
			{Min: 90, Multiplier: 1.0},
			{Min: 80, Multiplier: 0.75},
			{Min: 70, Multiplier: 0.5},
			{Min: 60, Multiplier: 0.25},
		},
		CorrelationGroups: map[string][]string{
			"USD_majors":  {"EURUSD", "GBPUSD", "AUDUSD", "GBPJPY"},
			"EUR_crosses": {"EURUSD", "EURGBP"},
			"GOLD":        {"XAUUSD"},
		},
		AssetClassMultipliers: map[string]float64{
			"gold":   0.7,
			"crypto": 0.5,
			"forex":  1.0,
		},
		BreakevenTrigger:    0.5,
		TrailingActivationR: 1.5,
		TPAllocations:       []float64{0.5, 0.3, 0.2},
		ModifyRetryCycles:   3,
		MaxSpreadPoints:     3.0,
	})
	require.NoError(t, err)
	return p
}

func eurusdSpec() types.SymbolSpec {
	return types.SymbolSpec{
		Symbol:     "EURUSD",
		Digits:     5,
		Point:      0.00001,
		VolumeMin:  0.01,
		VolumeMax:  100,
		VolumeStep: 0.01,
		UnitValue:  1,
	}
}

// TestSizerReferenceScenario tests the canonical sizing walkthrough:
// 10000 balance, 1% risk, confidence 85 in the 80 tier, 30-unit stop.
func TestSizerReferenceScenario(t *testing.T) {
	sizer := NewSizer(testPolicy(t))

	volume, err := sizer.Size(SizeRequest{
		Signal: types.Signal{
			Symbol:     "EURUSD",
			Direction:  types.DirectionLong,
			Confidence: 85,
			Entry:      1130.0,
			StopLoss:   1100.0, // 30 price units
		},
		Balance:         10000,
		Spec:            eurusdSpec(),
		ReductionFactor: 1,
	})

	require.NoError(t, err)
	// risk 100 * 0.75 tier = 75; 75 / (30 * 1) = 2.5
	assert.InDelta(t, 2.5, volume, 1e-9)
}

// TestSizerTierMonotonicity tests that the tier multiplier never
// decreases as confidence rises.
func TestSizerTierMonotonicity(t *testing.T) {
	policy := testPolicy(t)

	prev := 0.0
	for c := 0; c <= 100; c++ {
		mult := policy.TierMultiplier(c)
		assert.GreaterOrEqual(t, mult, prev, "confidence %d", c)
		prev = mult
	}
	assert.Equal(t, 1.0, policy.TierMultiplier(100))
	assert.Equal(t, 0.75, policy.TierMultiplier(85))
	assert.Equal(t, 0.75, policy.TierMultiplier(80)) // tie goes to the higher tier
	assert.Equal(t, 0.0, policy.TierMultiplier(59))
}

// TestSizerAssetClassMultiplier tests that gold risk is scaled down.
func TestSizerAssetClassMultiplier(t *testing.T) {
	sizer := NewSizer(testPolicy(t))

	spec := eurusdSpec()
	spec.Symbol = "XAUUSD"

	volume, err := sizer.Size(SizeRequest{
		Signal: types.Signal{
			Symbol:     "XAUUSD",
			Direction:  types.DirectionLong,
			Confidence: 95,
			Entry:      2400,
			StopLoss:   2390, // 10 units
		},
		Balance: 10000,
		Spec:    spec,
	})

	require.NoError(t, err)
	// risk 100 * 1.0 tier * 0.7 gold = 70; 70 / (10 * 1) = 7
	assert.InDelta(t, 7.0, volume, 1e-9)
}

// TestSizerReductionFactor tests the advisory halving from admission.
func TestSizerReductionFactor(t *testing.T) {
	sizer := NewSizer(testPolicy(t))

	volume, err := sizer.Size(SizeRequest{
		Signal: types.Signal{
			Symbol:     "EURUSD",
			Direction:  types.DirectionShort,
			Confidence: 85,
			Entry:      1100.0,
			StopLoss:   1130.0,
		},
		Balance:         10000,
		Spec:            eurusdSpec(),
		ReductionFactor: 0.5,
	})

	require.NoError(t, err)
	assert.InDelta(t, 1.25, volume, 1e-9)
}

// TestSizerRoundsDownToStep tests flooring to the broker volume step.
func TestSizerRoundsDownToStep(t *testing.T) {
	sizer := NewSizer(testPolicy(t))

	spec := eurusdSpec()
	spec.VolumeStep = 0.1

	volume, err := sizer.Size(SizeRequest{
		Signal: types.Signal{
			Symbol:     "EURUSD",
			Direction:  types.DirectionLong,
			Confidence: 85,
			Entry:      1130.0,
			StopLoss:   1100.0,
		},
		Balance: 10000,
		Spec:    spec,
	})

	require.NoError(t, err)
	assert.InDelta(t, 2.5, volume, 1e-9) // 2.5 sits exactly on a 0.1 step

	spec.VolumeStep = 0.3
	volume, err = sizer.Size(SizeRequest{
		Signal: types.Signal{
			Symbol:     "EURUSD",
			Direction:  types.DirectionLong,
			Confidence: 85,
			Entry:      1130.0,
			StopLoss:   1100.0,
		},
		Balance: 10000,
		Spec:    spec,
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.4, volume, 1e-9)
}

// TestSizerRejectsBelowMinimum tests that an unviable volume is
// rejected, not down-sized.
func TestSizerRejectsBelowMinimum(t *testing.T) {
	sizer := NewSizer(testPolicy(t))

	spec := eurusdSpec()
	spec.VolumeMin = 1.0

	_, err := sizer.Size(SizeRequest{
		Signal: types.Signal{
			Symbol:     "EURUSD",
			Direction:  types.DirectionLong,
			Confidence: 60, // 0.25 tier
			Entry:      1130.0,
			StopLoss:   1100.0,
		},
		Balance: 10000,
		Spec:    spec,
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "below broker minimum")
}

// TestSizerInvalidStopDistance tests rejection of zero and inverted stops.
func TestSizerInvalidStopDistance(t *testing.T) {
	sizer := NewSizer(testPolicy(t))

	_, err := sizer.Size(SizeRequest{
		Signal: types.Signal{
			Symbol:     "EURUSD",
			Direction:  types.DirectionLong,
			Confidence: 85,
			Entry:      1.1000,
			StopLoss:   1.1000,
		},
		Balance: 10000,
		Spec:    eurusdSpec(),
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "stop distance")
}

// TestSizerClampsToMaximum tests the broker maximum volume clamp.
func TestSizerClampsToMaximum(t *testing.T) {
	sizer := NewSizer(testPolicy(t))

	spec := eurusdSpec()
	spec.VolumeMax = 1.0

	volume, err := sizer.Size(SizeRequest{
		Signal: types.Signal{
			Symbol:     "EURUSD",
			Direction:  types.DirectionLong,
			Confidence: 95,
			Entry:      1130.0,
			StopLoss:   1129.0, // tight stop, huge raw volume
		},
		Balance: 10000,
		Spec:    spec,
	})

	require.NoError(t, err)
	assert.InDelta(t, 1.0, volume, 1e-9)
}
