package risk

import (
	"fmt"
	"math"

	boterrors "github.com/chaiwat-t/mt5-gemini-bot/internal/errors"
	"github.com/chaiwat-t/mt5-gemini-bot/pkg/types"
)

// SizeRequest carries everything the sizer needs for one decision.
// ReductionFactor is the advisory multiplier from admission (1.0 when
// no reduction applies).
type SizeRequest struct {
	Signal          types.Signal
	Balance         float64
	Spec            types.SymbolSpec
	ReductionFactor float64
}

// Sizer converts an admitted signal into a broker-compliant volume.
// It is a pure function of its request and the policy.
type Sizer struct {
	policy *Policy
}

// NewSizer creates a sizer bound to the risk policy.
func NewSizer(policy *Policy) *Sizer {
	return &Sizer{policy: policy}
}

// Size returns the lot volume for a signal, or a sizing error when no
// viable volume exists. Volumes are clamped to the broker's limits and
// rounded down to the volume step; a result below the broker minimum
// rejects the trade rather than trading an unviable lot.
func (s *Sizer) Size(req SizeRequest) (float64, error) {
	sig := req.Signal

	stopDistance := sig.RiskDistance()
	if stopDistance <= 0 {
		return 0, boterrors.NewSizingError("sizer", "size",
			fmt.Sprintf("%s: stop distance must be positive", sig.Symbol))
	}
	if req.Spec.UnitValue <= 0 {
		return 0, boterrors.NewSizingError("sizer", "size",
			fmt.Sprintf("%s: unit value unavailable", sig.Symbol))
	}
	if req.Balance <= 0 {
		return 0, boterrors.NewSizingError("sizer", "size", "account balance unavailable")
	}

	tierMult := s.policy.TierMultiplier(sig.Confidence)
	if tierMult <= 0 {
		return 0, boterrors.NewSizingError("sizer", "size",
			fmt.Sprintf("%s: confidence %d below every sizing tier", sig.Symbol, sig.Confidence))
	}

	reduction := req.ReductionFactor
	if reduction <= 0 || reduction > 1 {
		reduction = 1
	}

	riskAmount := req.Balance * s.policy.PerTradeRisk
	adjustedRisk := riskAmount * tierMult * s.policy.AssetClassMultiplier(sig.Symbol) * reduction

	volume := adjustedRisk / (stopDistance * req.Spec.UnitValue)

	if req.Spec.VolumeMax > 0 && volume > req.Spec.VolumeMax {
		volume = req.Spec.VolumeMax
	}
	if step := req.Spec.VolumeStep; step > 0 {
		volume = math.Floor(volume/step+1e-9) * step
	}

	if volume < req.Spec.VolumeMin || volume <= 0 {
		return 0, boterrors.NewSizingError("sizer", "size",
			fmt.Sprintf("%s: volume %.4f below broker minimum %.4f", sig.Symbol, volume, req.Spec.VolumeMin))
	}
	return volume, nil
}
