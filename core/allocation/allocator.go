// Package allocation turns an accepted participation into a ResponsePlan by
// distributing the accepted capacity across the site's enrolled resources.
package allocation

import (
	"context"
	"errors"
	"math"

	"github.com/kilianp07/vpp/core/devices"
	"github.com/kilianp07/vpp/core/logger"
	"github.com/kilianp07/vpp/core/model"
)

// epsilon absorbs float noise when deciding that capacity is exhausted.
const epsilon = 1e-9

// Allocator builds response plans from live device data.
type Allocator struct {
	dir devices.Directory
	log logger.Logger
}

// New returns an Allocator resolving resources through dir.
func New(dir devices.Directory, log logger.Logger) *Allocator {
	return &Allocator{dir: dir, log: logger.OrNop(log)}
}

// GenerateResponsePlan fills the participation's accepted capacity greedily,
// walking the enrollment's resources in order. The returned plan is not
// stored. Unresolvable, offline and ineligible resources are skipped.
func (a *Allocator) GenerateResponsePlan(ctx context.Context, part model.Participation, enr model.Enrollment, ev model.Event, prog model.Program) (model.ResponsePlan, error) {
	plan := model.ResponsePlan{
		ParticipationID: part.ID,
		Strategy:        model.StrategyPriorityFill,
		Fallback:        model.DefaultFallbackPlan(),
	}
	remaining := part.AcceptedCapacityKW
	for i, id := range enr.ResourceIDs {
		if remaining <= epsilon {
			break
		}
		if err := ctx.Err(); err != nil {
			return model.ResponsePlan{}, err
		}
		dev, err := a.dir.Resolve(ctx, id)
		if err != nil {
			if errors.Is(err, devices.ErrNotFound) {
				a.log.Warnf("allocation: participation %d: resource %s not found", part.ID, id)
			} else {
				a.log.Errorf("allocation: participation %d: resolve %s: %v", part.ID, id, err)
			}
			continue
		}
		if !dev.Online() {
			a.log.Debugf("allocation: resource %s is %s, skipped", id, dev.Status)
			continue
		}
		rt, ok := dev.ResourceType()
		if !ok || !prog.Eligible(rt) {
			a.log.Debugf("allocation: resource %s (%s) not eligible for program %d", id, dev.Type, prog.ID)
			continue
		}
		avail := AvailableCapacity(rt, dev.Capability, ev.Direction)
		if avail <= epsilon {
			continue
		}
		target := math.Min(remaining, avail)
		plan.Allocations = append(plan.Allocations, model.ResourceAllocation{
			ResourceID:          id,
			ResourceType:        rt,
			TargetCapacityKW:    target,
			Priority:            i + 1,
			AvailableCapacityKW: avail,
			Constraints:         Constraints(rt, dev.Capability),
			State:               model.AllocationPlanned,
		})
		remaining -= target
	}
	if remaining > epsilon {
		plan.UnallocatedKW = remaining
	}
	plan.EffectiveCapacityKW = plan.TotalTargetKW()
	return plan, nil
}

// AvailableCapacity returns the kW a resource can contribute in direction d.
// The result is never negative.
func AvailableCapacity(rt model.ResourceType, c devices.Capability, d model.Direction) float64 {
	var v float64
	switch rt {
	case model.ResourceBattery:
		switch d {
		case model.DirectionDecrease:
			if c.SoC > c.MinSoC {
				v = c.MaxDischargeKW
			}
		case model.DirectionIncrease:
			if c.SoC < c.MaxSoC {
				v = c.MaxChargeKW
			}
		case model.DirectionMaintain:
			v = math.Abs(c.CurrentPowerKW)
		}
	case model.ResourceEVCharger, model.ResourceFlexibleLoad:
		switch d {
		case model.DirectionDecrease:
			v = c.CurrentPowerKW - c.MinPowerKW
		case model.DirectionIncrease:
			v = c.MaxPowerKW - c.CurrentPowerKW
		case model.DirectionMaintain:
			v = c.CurrentPowerKW
		}
	case model.ResourceGeneration:
		switch d {
		case model.DirectionDecrease:
			v = c.RatedPowerKW - c.CurrentPowerKW
		case model.DirectionIncrease, model.DirectionMaintain:
			v = c.CurrentPowerKW
		}
	}
	return math.Max(0, v)
}

// Constraint keys recorded on allocations.
const (
	ConstraintMinSoC         = "min_soc"
	ConstraintMaxSoC         = "max_soc"
	ConstraintMinPower       = "min_power"
	ConstraintMaxPower       = "max_power"
	ConstraintMaxCurtailment = "max_curtailment"
)

// Constraints returns the operating limits a device must respect while
// executing an allocation.
func Constraints(rt model.ResourceType, c devices.Capability) map[string]float64 {
	switch rt {
	case model.ResourceBattery:
		return map[string]float64{ConstraintMinSoC: c.MinSoC, ConstraintMaxSoC: c.MaxSoC}
	case model.ResourceEVCharger, model.ResourceFlexibleLoad:
		return map[string]float64{ConstraintMinPower: c.MinPowerKW, ConstraintMaxPower: c.MaxPowerKW}
	case model.ResourceGeneration:
		return map[string]float64{ConstraintMaxCurtailment: c.CurrentPowerKW}
	}
	return nil
}
