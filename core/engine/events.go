package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/notify"
)

// CreateEvent validates an event against its program policy, stores it as
// upcoming and notifies the enrolled sites. A failed notification does not
// remove the event; the error is returned alongside it.
func (e *Engine) CreateEvent(ctx context.Context, ev model.Event) (model.Event, notify.Summary, error) {
	prog, err := e.reg.Program(ev.ProgramID)
	if err != nil {
		return model.Event{}, notify.Summary{}, err
	}
	if ev.Source == "" {
		ev.Source = model.SourceOperator
	}
	ev.Status = model.EventUpcoming
	ev.ParticipatingSites = nil
	ev.NotificationSent, ev.NotificationSentAt, ev.CancelledAt = false, nil, nil
	if err := e.checkEvent(ev, prog); err != nil {
		return model.Event{}, notify.Summary{}, err
	}
	ev, err = e.reg.AddEvent(ev)
	if err != nil {
		return model.Event{}, notify.Summary{}, err
	}
	e.transition("event", ev.ID, ev.ID, 0, "", string(ev.Status))
	e.log.Infof("engine: event %d created for program %d (%s %.2f kW, %s - %s)",
		ev.ID, prog.ID, ev.Direction, ev.RequestedCapacityKW, ev.StartTime.Format(time.RFC3339), ev.EndTime.Format(time.RFC3339))

	sum, err := e.notifier.NotifyEvent(ctx, ev.ID)
	if err != nil {
		err = fmt.Errorf("notify event %d: %w", ev.ID, err)
	}
	if cur, gerr := e.reg.Event(ev.ID); gerr == nil {
		ev = cur
	}
	return ev, sum, err
}

// CreateExternalEvent turns an inbound program event into an upcoming event.
// Events repeating an external id already known for the program are rejected
// with model.ErrDuplicate.
func (e *Engine) CreateExternalEvent(ctx context.Context, programID int64, in bus.ExternalEvent) (model.Event, error) {
	prog, err := e.reg.Program(programID)
	if err != nil {
		return model.Event{}, err
	}
	if !prog.IsActive {
		return model.Event{}, model.Invalid("program %d is not active", prog.ID)
	}
	if in.ExternalID != "" {
		for _, ev := range e.reg.EventsByProgram(prog.ID) {
			if ev.ExternalID == in.ExternalID {
				return model.Event{}, fmt.Errorf("external event %q: %w", in.ExternalID, model.ErrDuplicate)
			}
		}
	}
	ev, _, err := e.CreateEvent(ctx, model.Event{
		ProgramID:           prog.ID,
		ExternalID:          in.ExternalID,
		Name:                in.Name,
		StartTime:           in.StartTime,
		EndTime:             in.EndTime,
		Direction:           model.Direction(in.Direction),
		RequestedCapacityKW: in.CapacityKW,
		CompensationRate:    in.CompensationRate,
		AcceptanceDeadline:  in.AcceptanceDeadline,
		Source:              model.SourceExternal,
	})
	return ev, err
}

// checkEvent applies struct validation and the program policy. Policy limits
// set to zero are not enforced.
func (e *Engine) checkEvent(ev model.Event, prog model.Program) error {
	if err := e.check(ev); err != nil {
		return err
	}
	if !prog.IsActive {
		return model.Invalid("program %d is not active", prog.ID)
	}
	if !ev.StartTime.Before(ev.EndTime) {
		return model.Invalid("start %s not before end %s", ev.StartTime.Format(time.RFC3339), ev.EndTime.Format(time.RFC3339))
	}
	if prog.MaxEventDuration > 0 && ev.Duration() > prog.MaxEventDuration {
		return model.Invalid("duration %s exceeds program maximum %s", ev.Duration(), prog.MaxEventDuration)
	}
	if prog.ActiveHours != nil && !prog.ActiveHours.Contains(ev.StartTime, ev.EndTime) {
		return model.Invalid("window outside program active hours %02d-%02d", prog.ActiveHours.StartHour, prog.ActiveHours.EndHour)
	}
	if prog.MinResponseTime > 0 {
		if lead := ev.StartTime.Sub(e.now()); lead < prog.MinResponseTime {
			return model.Invalid("start in %s, program needs %s notice", lead.Round(time.Second), prog.MinResponseTime)
		}
	}
	if prog.CooldownPeriod > 0 {
		for _, other := range e.reg.EventsByProgram(prog.ID) {
			if other.ID == ev.ID || other.Status == model.EventCancelled {
				continue
			}
			if ev.StartTime.Before(other.EndTime.Add(prog.CooldownPeriod)) &&
				other.StartTime.Before(ev.EndTime.Add(prog.CooldownPeriod)) {
				return model.Invalid("within %s cooldown of event %d", prog.CooldownPeriod, other.ID)
			}
		}
	}
	if ev.AcceptanceDeadline != nil && ev.AcceptanceDeadline.After(ev.StartTime) {
		return model.Invalid("acceptance deadline after start")
	}
	return nil
}

// Event returns one event.
func (e *Engine) Event(id int64) (model.Event, error) { return e.reg.Event(id) }

// EventFilter narrows Events. Zero fields match everything.
type EventFilter struct {
	ProgramID int64
	Status    model.EventStatus
}

// Events lists events matching f in id order.
func (e *Engine) Events(f EventFilter) []model.Event {
	var all []model.Event
	switch {
	case f.ProgramID != 0:
		all = e.reg.EventsByProgram(f.ProgramID)
	case f.Status != "":
		all = e.reg.EventsByStatus(f.Status)
	default:
		all = e.reg.Events()
	}
	out := all[:0]
	for _, ev := range all {
		if f.Status != "" && ev.Status != f.Status {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// UpdateEvent edits an upcoming event and notifies enrollments not yet
// represented. Status, participating sites and identity are not editable.
func (e *Engine) UpdateEvent(ctx context.Context, id int64, fn func(*model.Event)) (model.Event, error) {
	cur, err := e.reg.Event(id)
	if err != nil {
		return model.Event{}, err
	}
	prog, err := e.reg.Program(cur.ProgramID)
	if err != nil {
		return model.Event{}, err
	}
	next := cur.Clone()
	fn(&next)
	next.ID, next.ProgramID, next.Status, next.Source = cur.ID, cur.ProgramID, cur.Status, cur.Source
	if cur.Status != model.EventUpcoming {
		return model.Event{}, model.Invalid("event %d is %s", cur.ID, cur.Status)
	}
	if err := e.checkEvent(next, prog); err != nil {
		return model.Event{}, err
	}
	ev, err := e.reg.UpdateEvent(id, func(ev *model.Event) error {
		if ev.Status != model.EventUpcoming {
			return model.Invalid("event %d is %s", ev.ID, ev.Status)
		}
		ev.ExternalID = next.ExternalID
		ev.Name = next.Name
		ev.StartTime, ev.EndTime = next.StartTime, next.EndTime
		ev.Direction = next.Direction
		ev.RequestedCapacityKW = next.RequestedCapacityKW
		ev.CompensationRate = next.CompensationRate
		ev.AcceptanceDeadline = next.AcceptanceDeadline
		return nil
	})
	if err != nil {
		return model.Event{}, err
	}
	if _, err := e.notifier.NotifyEvent(ctx, ev.ID); err != nil {
		return ev, fmt.Errorf("notify event %d: %w", ev.ID, err)
	}
	return e.reg.Event(ev.ID)
}

// CancelEvent cancels an upcoming or active event.
func (e *Engine) CancelEvent(ctx context.Context, id int64) (model.Event, error) {
	return e.cancel.CancelEvent(ctx, id)
}
