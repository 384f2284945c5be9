package inbound

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/vpp/core/allocation"
	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/devices"
	"github.com/kilianp07/vpp/core/engine"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/notify"
	"github.com/kilianp07/vpp/core/registry"
	"github.com/kilianp07/vpp/core/scheduler"
)

type call struct {
	op       string
	id, site int64
	capacity *float64
}

type fakeEngine struct {
	calls []call
	err   error
}

func (f *fakeEngine) CreateExternalEvent(_ context.Context, programID int64, in bus.ExternalEvent) (model.Event, error) {
	f.calls = append(f.calls, call{op: "external", id: programID})
	if f.err != nil {
		return model.Event{}, f.err
	}
	return model.Event{ID: 1, ExternalID: in.ExternalID}, nil
}

func (f *fakeEngine) AcceptEvent(_ context.Context, eventID, siteID int64, capacity *float64) (model.Participation, error) {
	f.calls = append(f.calls, call{op: "accept", id: eventID, site: siteID, capacity: capacity})
	return model.Participation{ID: 1, Status: model.ParticipationAccepted}, f.err
}

func (f *fakeEngine) RejectEvent(_ context.Context, eventID, siteID int64) (model.Participation, error) {
	f.calls = append(f.calls, call{op: "reject", id: eventID, site: siteID})
	return model.Participation{ID: 1, Status: model.ParticipationRejected}, f.err
}

func setup(t *testing.T, eng Engine) *bus.MemoryBus {
	t.Helper()
	ResetMetrics(prometheus.NewRegistry())
	b := bus.NewMemoryBus()
	require.NoError(t, New(b, eng, nil, nil).Start())
	return b
}

func TestResponsesAreRouted(t *testing.T) {
	fe := &fakeEngine{}
	b := setup(t, fe)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.SiteResponseTopic(4, 2), `{"action":"accept","capacity":12.5}`))
	require.NoError(t, b.Publish(ctx, bus.SiteResponseTopic(4, 3), `{"action":"reject"}`))
	require.NoError(t, b.Publish(ctx, bus.SiteResponseTopic(4, 5), `{"action":"accept"}`))

	require.Len(t, fe.calls, 3)
	assert.Equal(t, "accept", fe.calls[0].op)
	assert.Equal(t, int64(4), fe.calls[0].id)
	assert.Equal(t, int64(2), fe.calls[0].site)
	require.NotNil(t, fe.calls[0].capacity)
	assert.Equal(t, 12.5, *fe.calls[0].capacity)
	assert.Equal(t, "reject", fe.calls[1].op)
	assert.Nil(t, fe.calls[2].capacity)
	assert.Equal(t, 3.0, testutil.ToFloat64(messagesTotal.WithLabelValues(kindResponse, resultOK)))
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	fe := &fakeEngine{}
	b := setup(t, fe)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.SiteResponseTopic(4, 2), `{not json`))
	require.NoError(t, b.Publish(ctx, bus.SiteResponseTopic(4, 2), `{"action":"maybe"}`))
	require.NoError(t, b.Publish(ctx, "vpp/events/x/responses/2", `{"action":"accept"}`))
	require.NoError(t, b.Publish(ctx, "vpp/events/external/abc", `{}`))
	require.NoError(t, b.Publish(ctx, bus.ExternalEventTopic(1), `{"externalId":"e"}`))

	assert.Empty(t, fe.calls)
	assert.Equal(t, 3.0, testutil.ToFloat64(messagesTotal.WithLabelValues(kindResponse, resultMalformed)))
	assert.Equal(t, 2.0, testutil.ToFloat64(messagesTotal.WithLabelValues(kindExternal, resultMalformed)))
}

func TestEngineRejectionsAreDropped(t *testing.T) {
	fe := &fakeEngine{err: model.NotFound("program", 9)}
	b := setup(t, fe)
	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, b.Publish(context.Background(), bus.ExternalEventTopic(9), bus.ExternalEvent{
		ExternalID: "e1", StartTime: start, EndTime: start.Add(time.Hour), Direction: "decrease", CapacityKW: 5,
	}))
	require.Len(t, fe.calls, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(messagesTotal.WithLabelValues(kindExternal, resultDropped)))

	fe.err = errors.New("boom")
	require.NoError(t, b.Publish(context.Background(), bus.SiteResponseTopic(1, 1), `{"action":"reject"}`))
	assert.Equal(t, 1.0, testutil.ToFloat64(messagesTotal.WithLabelValues(kindResponse, resultError)))
}

type panicky struct{ fakeEngine }

func (p *panicky) RejectEvent(context.Context, int64, int64) (model.Participation, error) {
	panic("unexpected")
}

func TestHandlerPanicIsContained(t *testing.T) {
	b := setup(t, &panicky{})
	assert.NotPanics(t, func() {
		_ = b.Publish(context.Background(), bus.SiteResponseTopic(1, 1), `{"action":"reject"}`)
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(messagesTotal.WithLabelValues(kindResponse, resultError)))
}

func TestEndToEndWithEngine(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg := registry.NewMemoryRegistry()
	reg.SetClock(clock)
	dir := devices.NewMemoryDirectory()
	planner := allocation.New(dir, nil)
	b := bus.NewMemoryBus()
	sched := scheduler.New(scheduler.Deps{Registry: reg, Planner: planner, Bus: b, Clock: clock})
	eng, err := engine.New(engine.Deps{
		Registry:  reg,
		Planner:   planner,
		Notifier:  notify.New(reg, planner, b, nil, notify.WithClock(clock)),
		Canceller: sched,
		Clock:     clock,
	})
	require.NoError(t, err)
	ResetMetrics(prometheus.NewRegistry())
	require.NoError(t, New(b, eng, nil, nil).Start())

	prog, err := eng.CreateProgram(model.Program{Name: "dr", Type: model.ProgramDemandResponse})
	require.NoError(t, err)
	dir.Set(devices.Device{ID: "b1", Type: "battery", SiteID: 1, Status: devices.StatusOnline,
		Capability: devices.Capability{MaxDischargeKW: 25, SoC: 60, MinSoC: 10}})
	_, err = eng.CreateEnrollment(model.Enrollment{SiteID: 1, ProgramID: prog.ID, CapacityKW: 20, ResourceIDs: []string{"b1"}})
	require.NoError(t, err)

	ctx := context.Background()
	start := now.Add(3 * time.Hour)
	require.NoError(t, b.Publish(ctx, bus.ExternalEventTopic(prog.ID), bus.ExternalEvent{
		ExternalID: "tso-7", StartTime: start, EndTime: start.Add(time.Hour), Direction: "decrease", CapacityKW: 80,
	}))
	evs := eng.Events(engine.EventFilter{ProgramID: prog.ID})
	require.Len(t, evs, 1)
	ev := evs[0]
	assert.Len(t, b.Messages(bus.NotificationTopic(1)), 1)

	require.NoError(t, b.Publish(ctx, bus.SiteResponseTopic(ev.ID, 1), `{"action":"accept"}`))
	part, err := reg.ParticipationByEventSite(ev.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ParticipationAccepted, part.Status)
	assert.Equal(t, 20.0, part.AcceptedCapacityKW)
	plan, err := reg.PlanByParticipation(part.ID)
	require.NoError(t, err)
	assert.Equal(t, 20.0, plan.TotalTargetKW())

	// A site without a participation rejects: recorded, not added.
	require.NoError(t, b.Publish(ctx, bus.SiteResponseTopic(ev.ID, 2), `{"action":"reject"}`))
	rej, err := reg.ParticipationByEventSite(ev.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, model.ParticipationRejected, rej.Status)
	assert.Zero(t, rej.AcceptedCapacityKW)
	got, _ := reg.Event(ev.ID)
	assert.Equal(t, []int64{1}, got.ParticipatingSites)

	// Responses after cancellation are dropped.
	_, err = eng.CancelEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, bus.SiteResponseTopic(ev.ID, 1), `{"action":"reject"}`))
	part, _ = reg.Participation(part.ID)
	assert.Equal(t, model.ParticipationAccepted, part.Status)
}
