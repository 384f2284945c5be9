package allocation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/vpp/core/devices"
	"github.com/kilianp07/vpp/core/model"
)

func battery(id string, status devices.Status, dischargeKW float64) devices.Device {
	return devices.Device{
		ID: id, Type: "battery", SiteID: 1, Status: status,
		Capability: devices.Capability{MaxDischargeKW: dischargeKW, MaxChargeKW: dischargeKW, SoC: 60, MinSoC: 10, MaxSoC: 90},
	}
}

func fixture(accepted float64, ids ...string) (model.Participation, model.Enrollment, model.Event, model.Program) {
	return model.Participation{ID: 1, AcceptedCapacityKW: accepted},
		model.Enrollment{ID: 1, SiteID: 1, CapacityKW: accepted, ResourceIDs: ids},
		model.Event{ID: 1, Direction: model.DirectionDecrease, RequestedCapacityKW: 200},
		model.Program{ID: 1}
}

func TestPlanSingleBatteryCoversAcceptedCapacity(t *testing.T) {
	dir := devices.NewMemoryDirectory()
	dir.Set(battery("b1", devices.StatusOnline, 60))
	part, enr, ev, prog := fixture(60, "b1")

	plan, err := New(dir, nil).GenerateResponsePlan(context.Background(), part, enr, ev, prog)
	require.NoError(t, err)
	require.Len(t, plan.Allocations, 1)
	a := plan.Allocations[0]
	assert.Equal(t, 60.0, a.TargetCapacityKW)
	assert.Equal(t, 1, a.Priority)
	assert.Equal(t, model.ResourceBattery, a.ResourceType)
	assert.Equal(t, model.AllocationPlanned, a.State)
	assert.Equal(t, map[string]float64{ConstraintMinSoC: 10, ConstraintMaxSoC: 90}, a.Constraints)
	assert.Zero(t, plan.UnallocatedKW)
	assert.Equal(t, model.StrategyPriorityFill, plan.Strategy)
}

func TestPlanOfflineResourceLeavesRemaining(t *testing.T) {
	dir := devices.NewMemoryDirectory()
	dir.Set(battery("b1", devices.StatusOffline, 60))
	part, enr, ev, prog := fixture(60, "b1")

	plan, err := New(dir, nil).GenerateResponsePlan(context.Background(), part, enr, ev, prog)
	require.NoError(t, err)
	assert.Empty(t, plan.Allocations)
	assert.Equal(t, 60.0, plan.UnallocatedKW)
	require.NotNil(t, plan.Fallback)
	assert.Equal(t, []model.FallbackRule{{AvailabilityThresholdPct: 80, Action: model.FallbackReduceProportionally}}, plan.Fallback.Rules)
}

func TestPlanGreedyInEnrollmentOrder(t *testing.T) {
	dir := devices.NewMemoryDirectory()
	dir.Set(battery("b1", devices.StatusOnline, 30))
	dir.Set(battery("b2", devices.StatusOnline, 50))
	dir.Set(battery("b3", devices.StatusOnline, 50))
	dir.Set(devices.Device{ID: "meter", Type: "smart_meter", Status: devices.StatusOnline})
	part, enr, ev, prog := fixture(60, "missing", "meter", "b1", "b2", "b3")

	plan, err := New(dir, nil).GenerateResponsePlan(context.Background(), part, enr, ev, prog)
	require.NoError(t, err)
	require.Len(t, plan.Allocations, 2)
	assert.Equal(t, "b1", plan.Allocations[0].ResourceID)
	assert.Equal(t, 30.0, plan.Allocations[0].TargetCapacityKW)
	assert.Equal(t, 3, plan.Allocations[0].Priority)
	assert.Equal(t, "b2", plan.Allocations[1].ResourceID)
	assert.Equal(t, 30.0, plan.Allocations[1].TargetCapacityKW)
	assert.LessOrEqual(t, plan.TotalTargetKW(), part.AcceptedCapacityKW)
}

func TestPlanRespectsEligibility(t *testing.T) {
	dir := devices.NewMemoryDirectory()
	dir.Set(battery("b1", devices.StatusOnline, 30))
	dir.Set(devices.Device{ID: "ev1", Type: "ev_charger", Status: devices.StatusOnline,
		Capability: devices.Capability{CurrentPowerKW: 11, MinPowerKW: 1, MaxPowerKW: 22}})
	part, enr, ev, prog := fixture(20, "b1", "ev1")
	prog.EligibleResourceTypes = []model.ResourceType{model.ResourceEVCharger}

	plan, err := New(dir, nil).GenerateResponsePlan(context.Background(), part, enr, ev, prog)
	require.NoError(t, err)
	require.Len(t, plan.Allocations, 1)
	assert.Equal(t, "ev1", plan.Allocations[0].ResourceID)
	assert.Equal(t, 10.0, plan.Allocations[0].TargetCapacityKW)
	assert.Equal(t, 10.0, plan.UnallocatedKW)
	assert.Equal(t, 10.0, plan.EffectiveCapacityKW)
	assert.InDelta(t, part.AcceptedCapacityKW, plan.EffectiveCapacityKW+plan.UnallocatedKW, 1e-9)
}

func TestPlanCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	part, enr, ev, prog := fixture(10, "b1")
	_, err := New(devices.NewMemoryDirectory(), nil).GenerateResponsePlan(ctx, part, enr, ev, prog)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAvailableCapacity(t *testing.T) {
	bat := devices.Capability{MaxChargeKW: 5, MaxDischargeKW: 7, SoC: 50, MinSoC: 20, MaxSoC: 90, CurrentPowerKW: -3}
	empty := bat
	empty.SoC = 20
	full := bat
	full.SoC = 90
	load := devices.Capability{CurrentPowerKW: 8, MinPowerKW: 2, MaxPowerKW: 10}
	pv := devices.Capability{CurrentPowerKW: 4, RatedPowerKW: 6}

	cases := []struct {
		name string
		rt   model.ResourceType
		c    devices.Capability
		d    model.Direction
		want float64
	}{
		{"battery discharge", model.ResourceBattery, bat, model.DirectionDecrease, 7},
		{"battery empty", model.ResourceBattery, empty, model.DirectionDecrease, 0},
		{"battery charge", model.ResourceBattery, bat, model.DirectionIncrease, 5},
		{"battery full", model.ResourceBattery, full, model.DirectionIncrease, 0},
		{"battery maintain", model.ResourceBattery, bat, model.DirectionMaintain, 3},
		{"load shed", model.ResourceFlexibleLoad, load, model.DirectionDecrease, 6},
		{"load raise", model.ResourceEVCharger, load, model.DirectionIncrease, 2},
		{"pv more output", model.ResourceGeneration, pv, model.DirectionDecrease, 2},
		{"pv curtail", model.ResourceGeneration, pv, model.DirectionIncrease, 4},
		{"clamped", model.ResourceEVCharger, devices.Capability{CurrentPowerKW: 1, MinPowerKW: 2}, model.DirectionDecrease, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, AvailableCapacity(tc.rt, tc.c, tc.d), 1e-9)
		})
	}
}

func TestEvaluateFallback(t *testing.T) {
	plan := model.ResponsePlan{
		Allocations: []model.ResourceAllocation{{TargetCapacityKW: 40, State: model.AllocationExecuted}, {TargetCapacityKW: 20, State: model.AllocationFailed}},
		Fallback:    model.DefaultFallbackPlan(),
	}
	avail := AvailableFromStates(plan)
	assert.Equal(t, 40.0, avail)
	d := EvaluateFallback(plan, avail)
	assert.True(t, d.Triggered)
	assert.Equal(t, model.FallbackReduceProportionally, d.Action)
	assert.InDelta(t, 66.67, d.AvailablePct, 0.01)
	assert.InDelta(t, 40, d.EffectiveKW, 1e-9)

	d = EvaluateFallback(plan, 55)
	assert.False(t, d.Triggered)
	assert.Equal(t, 60.0, d.EffectiveKW)

	plan.Fallback = nil
	assert.False(t, EvaluateFallback(plan, 0).Triggered)
	assert.False(t, EvaluateFallback(model.ResponsePlan{Fallback: model.DefaultFallbackPlan()}, 0).Triggered)
}
