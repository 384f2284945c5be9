package allocation

import "github.com/kilianp07/vpp/core/model"

// FallbackDecision is the outcome of evaluating a plan's fallback rules.
type FallbackDecision struct {
	Triggered    bool
	Action       string
	AvailablePct float64
	EffectiveKW  float64
}

// EvaluateFallback compares availableKW with the plan's total target. The
// first rule whose threshold exceeds the available share fires; with
// reduce_proportionally the effective commitment becomes the target scaled
// by that share. Without a triggered rule the effective commitment is the
// full target.
func EvaluateFallback(plan model.ResponsePlan, availableKW float64) FallbackDecision {
	target := plan.TotalTargetKW()
	d := FallbackDecision{AvailablePct: 100, EffectiveKW: target}
	if target <= epsilon {
		return d
	}
	if availableKW < 0 {
		availableKW = 0
	}
	d.AvailablePct = availableKW / target * 100
	if d.AvailablePct > 100 {
		d.AvailablePct = 100
	}
	if plan.Fallback == nil {
		return d
	}
	for _, r := range plan.Fallback.Rules {
		if d.AvailablePct >= r.AvailabilityThresholdPct {
			continue
		}
		d.Triggered = true
		d.Action = r.Action
		if r.Action == model.FallbackReduceProportionally {
			d.EffectiveKW = target * d.AvailablePct / 100
		}
		return d
	}
	return d
}

// AvailableFromStates sums the targets of allocations that did not fail.
func AvailableFromStates(plan model.ResponsePlan) float64 {
	var sum float64
	for _, a := range plan.Allocations {
		if a.State != model.AllocationFailed {
			sum += a.TargetCapacityKW
		}
	}
	return sum
}
