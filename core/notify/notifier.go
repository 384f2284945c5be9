// Package notify fans a new event out to the sites enrolled in its program:
// automatic enrollments are accepted on the site's behalf and planned, manual
// ones receive a notification and a pending participation.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/kilianp07/vpp/core/allocation"
	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/events"
	"github.com/kilianp07/vpp/core/logger"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/monitoring"
	"github.com/kilianp07/vpp/core/registry"
)

// DefaultLead is the acceptance deadline offset used when an event has none.
const DefaultLead = 30 * time.Minute

// Planner builds a response plan for an accepted participation.
type Planner interface {
	GenerateResponsePlan(ctx context.Context, part model.Participation, enr model.Enrollment, ev model.Event, prog model.Program) (model.ResponsePlan, error)
}

var _ Planner = (*allocation.Allocator)(nil)

// Summary counts what a NotifyEvent call did.
type Summary struct {
	AutoEnrolled int
	Notified     int
	Skipped      int
	Failed       int
}

// Notifier implements the event notification step.
type Notifier struct {
	reg     registry.Repository
	planner Planner
	bus     bus.MessageBus
	events  events.Publisher
	mon     monitoring.Monitor
	log     logger.Logger
	now     func() time.Time
	lead    time.Duration
}

// Option customises a Notifier.
type Option func(*Notifier)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(n *Notifier) { n.now = now } }

// WithLead overrides the default acceptance deadline offset.
func WithLead(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.lead = d
		}
	}
}

// WithEvents publishes lifecycle events.
func WithEvents(p events.Publisher) Option { return func(n *Notifier) { n.events = events.OrNop(p) } }

// WithMonitor reports per-enrollment failures.
func WithMonitor(m monitoring.Monitor) Option { return func(n *Notifier) { n.mon = monitoring.OrNop(m) } }

// New returns a Notifier.
func New(reg registry.Repository, planner Planner, b bus.MessageBus, log logger.Logger, opts ...Option) *Notifier {
	n := &Notifier{
		reg:     reg,
		planner: planner,
		bus:     b,
		events:  events.Nop{},
		mon:     monitoring.NopMonitor{},
		log:     logger.OrNop(log),
		now:     time.Now,
		lead:    DefaultLead,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Lead returns the acceptance deadline offset.
func (n *Notifier) Lead() time.Duration { return n.lead }

// NotifyEvent processes every active enrollment of the event's program whose
// site is not yet represented. Calling it again only handles enrollments that
// appeared since. Failures for one enrollment are logged and do not stop the
// others.
func (n *Notifier) NotifyEvent(ctx context.Context, eventID int64) (Summary, error) {
	ev, err := n.reg.Event(eventID)
	if err != nil {
		return Summary{}, err
	}
	if ev.Status.Terminal() {
		return Summary{}, model.Invalid("event %d is %s", ev.ID, ev.Status)
	}
	prog, err := n.reg.Program(ev.ProgramID)
	if err != nil {
		return Summary{}, err
	}

	var sum Summary
	for _, enr := range n.reg.EnrollmentsByProgram(prog.ID) {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if enr.Status != model.EnrollmentActive || ev.HasSite(enr.SiteID) {
			continue
		}
		if _, err := n.reg.ParticipationByEventSite(ev.ID, enr.SiteID); err == nil {
			sum.Skipped++
			continue
		}
		var handled bool
		if enr.AutoAccepts() {
			handled, err = n.autoEnroll(ctx, ev, prog, enr)
			if handled {
				sum.AutoEnrolled++
			}
		} else {
			handled, err = n.requestAcceptance(ctx, ev, prog, enr)
			if handled {
				sum.Notified++
			}
		}
		switch {
		case err != nil:
			sum.Failed++
			n.log.Errorf("notify: event %d site %d: %v", ev.ID, enr.SiteID, err)
			n.mon.CaptureException(err, map[string]string{"component": "notifier", "event": fmt.Sprint(ev.ID)})
		case !handled:
			sum.Skipped++
		}
	}

	now := n.now()
	if _, err := n.reg.UpdateEvent(ev.ID, func(e *model.Event) error {
		if !e.NotificationSent {
			e.NotificationSent = true
			e.NotificationSentAt = &now
		}
		return nil
	}); err != nil {
		return sum, fmt.Errorf("mark event %d notified: %w", ev.ID, err)
	}
	n.log.Infof("notify: event %d: %d auto-enrolled, %d notified, %d skipped, %d failed",
		ev.ID, sum.AutoEnrolled, sum.Notified, sum.Skipped, sum.Failed)
	return sum, nil
}

// autoEnroll accepts the event for the enrollment. handled is false when a
// concurrent caller already represented the site.
func (n *Notifier) autoEnroll(ctx context.Context, ev model.Event, prog model.Program, enr model.Enrollment) (bool, error) {
	ev, part, err := n.enroll(ev.ID, model.Participation{
		EnrollmentID:       enr.ID,
		SiteID:             enr.SiteID,
		Status:             model.ParticipationAccepted,
		AcceptedCapacityKW: enr.CapacityKW,
		Currency:           prog.Currency,
	})
	if errors.Is(err, model.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n.transition(part, "", ev)

	plan, err := n.planner.GenerateResponsePlan(ctx, part, enr, ev, prog)
	if err != nil {
		return true, fmt.Errorf("plan participation %d: %w", part.ID, err)
	}
	if _, err := n.reg.AddPlan(plan); err != nil && !errors.Is(err, model.ErrDuplicate) {
		return true, fmt.Errorf("store plan for participation %d: %w", part.ID, err)
	}
	notice := bus.SiteEventNotice{
		Kind:               bus.KindAutoEnrolled,
		EventID:            ev.ID,
		ParticipationID:    part.ID,
		AcceptedCapacityKW: part.AcceptedCapacityKW,
		StartTime:          ev.StartTime,
		EndTime:            ev.EndTime,
		Direction:          string(ev.Direction),
		Timestamp:          n.now(),
	}
	if err := n.bus.Publish(ctx, bus.SiteEventTopic(enr.SiteID, ev.ID, bus.KindAutoEnrolled), notice); err != nil {
		return true, fmt.Errorf("%w: auto_enrolled notice: %v", model.ErrDownstreamUnavailable, err)
	}
	return true, nil
}

// requestAcceptance records a pending participation and asks the site to answer.
func (n *Notifier) requestAcceptance(ctx context.Context, ev model.Event, prog model.Program, enr model.Enrollment) (bool, error) {
	ev, part, err := n.enroll(ev.ID, model.Participation{
		EnrollmentID: enr.ID,
		SiteID:       enr.SiteID,
		Status:       model.ParticipationPending,
		Currency:     prog.Currency,
	})
	if errors.Is(err, model.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	n.transition(part, "", ev)

	msg := bus.EventNotification{
		EventID:             ev.ID,
		ProgramID:           prog.ID,
		ParticipationID:     part.ID,
		StartTime:           ev.StartTime,
		EndTime:             ev.EndTime,
		Direction:           string(ev.Direction),
		RequestedCapacityKW: ev.RequestedCapacityKW,
		CompensationRate:    ev.Rate(prog),
		Currency:            prog.Currency,
		AcceptanceDeadline:  ev.Deadline(n.lead),
	}
	if err := n.bus.Publish(ctx, bus.NotificationTopic(enr.SiteID), msg); err != nil {
		return true, fmt.Errorf("%w: notification: %v", model.ErrDownstreamUnavailable, err)
	}
	return true, nil
}

// enroll inserts tmpl for its site while the event is still open. Accepted
// participations join the participating set in the same write; an existing
// participation is reported as model.ErrDuplicate.
func (n *Notifier) enroll(eventID int64, tmpl model.Participation) (model.Event, model.Participation, error) {
	return n.reg.Respond(eventID, tmpl.SiteID, func(e *model.Event, p *model.Participation) error {
		if e.Status.Terminal() {
			return model.Invalid("event %d is %s", e.ID, e.Status)
		}
		if p.ID != 0 {
			return fmt.Errorf("participation for event %d site %d: %w", e.ID, tmpl.SiteID, model.ErrDuplicate)
		}
		*p = tmpl
		if p.Status == model.ParticipationAccepted {
			p.AcceptedCapacityKW = math.Min(tmpl.AcceptedCapacityKW, e.RequestedCapacityKW)
			e.AddSite(tmpl.SiteID)
		}
		return nil
	})
}

func (n *Notifier) transition(p model.Participation, from model.ParticipationStatus, ev model.Event) {
	n.events.Publish(events.Transition{
		Entity:  "participation",
		ID:      p.ID,
		EventID: ev.ID,
		SiteID:  p.SiteID,
		From:    string(from),
		To:      string(p.Status),
		Time:    n.now(),
	})
}
