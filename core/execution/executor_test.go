package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/registry"
)

func setup(t *testing.T) (*registry.MemoryRegistry, *bus.MemoryBus, model.ResponsePlan, model.Event) {
	t.Helper()
	ResetMetrics(prometheus.NewRegistry())
	reg := registry.NewMemoryRegistry()
	prog, err := reg.AddProgram(model.Program{Name: "p", Type: model.ProgramDemandResponse})
	require.NoError(t, err)
	start := time.Now()
	ev, err := reg.AddEvent(model.Event{ProgramID: prog.ID, StartTime: start, EndTime: start.Add(time.Hour), Direction: model.DirectionDecrease, RequestedCapacityKW: 60})
	require.NoError(t, err)
	part, err := reg.AddParticipation(model.Participation{EventID: ev.ID, SiteID: 1, AcceptedCapacityKW: 60})
	require.NoError(t, err)
	plan, err := reg.AddPlan(model.ResponsePlan{
		ParticipationID: part.ID,
		Allocations: []model.ResourceAllocation{
			{ResourceID: "b1", TargetCapacityKW: 40, State: model.AllocationPlanned},
			{ResourceID: "b2", TargetCapacityKW: 20, State: model.AllocationPlanned},
		},
	})
	require.NoError(t, err)
	return reg, bus.NewMemoryBus(), plan, ev
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("cmd-%d", n)
	}
}

func TestExecuteSendsOneCommandPerAllocation(t *testing.T) {
	reg, b, plan, ev := setup(t)
	x := New(b, reg, nil, WithIDs(sequentialIDs()))

	res, err := x.Execute(context.Background(), plan.ID, ev)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b1", "b2"}, res.Succeeded)
	assert.Empty(t, res.Failed)

	msgs := b.Messages("devices/{id}/commands/request")
	require.Len(t, msgs, 2)
	var cmd bus.DeviceCommand
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &cmd))
	assert.Equal(t, bus.ActionAllocate, cmd.Action)
	assert.NotEmpty(t, cmd.CommandID)
	require.NotNil(t, cmd.Until)

	stored, err := reg.Plan(plan.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ExecutedAt)
	for _, a := range stored.Allocations {
		assert.Equal(t, model.AllocationExecuted, a.State)
		assert.NotEmpty(t, a.CommandID)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(commandsTotal.WithLabelValues(bus.ActionAllocate, "ok")))

	_, err = x.Execute(context.Background(), plan.ID, ev)
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
	assert.Len(t, b.Messages(""), 2)
}

func TestExecuteReportsFailures(t *testing.T) {
	reg, b, plan, ev := setup(t)
	b.FailOn = func(topic string) error {
		if topic == bus.CommandTopic("b2") {
			return errors.New("broker down")
		}
		return nil
	}
	res, err := New(b, reg, nil).Execute(context.Background(), plan.ID, ev)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, res.Succeeded)
	assert.Equal(t, []string{"b2"}, res.Failed)
	assert.Equal(t, 2, res.Total())

	stored, _ := reg.Plan(plan.ID)
	assert.Equal(t, model.AllocationExecuted, stored.Allocation("b1").State)
	assert.Equal(t, model.AllocationFailed, stored.Allocation("b2").State)
}

func TestReleaseIsIdempotent(t *testing.T) {
	reg, b, plan, ev := setup(t)
	b.FailOn = func(topic string) error {
		if topic == bus.CommandTopic("b2") {
			return errors.New("broker down")
		}
		return nil
	}
	x := New(b, reg, nil)
	_, err := x.Execute(context.Background(), plan.ID, ev)
	require.NoError(t, err)
	b.FailOn = nil
	b.Reset()

	var wg sync.WaitGroup
	var mu sync.Mutex
	released := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := x.Release(context.Background(), plan.ID, ev); err == nil {
				mu.Lock()
				released++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrAlreadyReleased)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, released)

	msgs := b.Messages("")
	require.Len(t, msgs, 1, "only executed allocations are released, exactly once")
	assert.Equal(t, bus.CommandTopic("b1"), msgs[0].Topic)

	stored, _ := reg.Plan(plan.ID)
	assert.Equal(t, model.AllocationReleased, stored.Allocation("b1").State)
	assert.Equal(t, model.AllocationFailed, stored.Allocation("b2").State)
	assert.NotNil(t, stored.ReleasedAt)
}

func TestReleaseUnknownPlan(t *testing.T) {
	reg, b, _, ev := setup(t)
	_, err := New(b, reg, nil).Release(context.Background(), 99, ev)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
