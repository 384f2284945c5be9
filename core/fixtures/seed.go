package fixtures

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/vpp/core/devices"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/notify"
)

// Target receives seeded entities. *engine.Engine implements it.
type Target interface {
	CreateProgram(p model.Program) (model.Program, error)
	CreateEnrollment(e model.Enrollment) (model.Enrollment, error)
	CreateEvent(ctx context.Context, ev model.Event) (model.Event, notify.Summary, error)
}

// DeviceSink stores seeded devices. *devices.MemoryDirectory implements it.
type DeviceSink interface {
	Set(d devices.Device)
}

// Result reports what Seed created.
type Result struct {
	Programs    map[string]int64
	Devices     int
	Enrollments int
	Events      []int64
}

// Seed validates fx and creates its entities in order: devices, programs,
// enrollments, events. Event windows are anchored at now.
func Seed(ctx context.Context, t Target, sink DeviceSink, fx Fixture, now time.Time) (Result, error) {
	res := Result{Programs: make(map[string]int64, len(fx.Programs))}
	if err := fx.Validate(); err != nil {
		return res, err
	}
	for _, d := range fx.Devices {
		d.UpdatedAt = now
		sink.Set(d)
		res.Devices++
	}
	for _, p := range fx.Programs {
		prog, err := t.CreateProgram(p.ToModel())
		if err != nil {
			return res, fmt.Errorf("program %s: %w", p.Key, err)
		}
		res.Programs[p.Key] = prog.ID
	}
	for i, e := range fx.Enrollments {
		_, err := t.CreateEnrollment(model.Enrollment{
			SiteID:            e.SiteID,
			ProgramID:         res.Programs[e.Program],
			CapacityKW:        e.CapacityKW,
			ParticipationMode: model.ParticipationMode(e.ParticipationMode),
			AutoAcceptEvents:  e.AutoAccept,
			ResourceIDs:       e.ResourceIDs,
		})
		if err != nil {
			return res, fmt.Errorf("enrollments[%d]: %w", i, err)
		}
		res.Enrollments++
	}
	for i, e := range fx.Events {
		ev, _, err := t.CreateEvent(ctx, e.ToModel(res.Programs[e.Program], now))
		if ev.ID != 0 {
			res.Events = append(res.Events, ev.ID)
		}
		if err != nil {
			return res, fmt.Errorf("events[%d]: %w", i, err)
		}
	}
	return res, nil
}
