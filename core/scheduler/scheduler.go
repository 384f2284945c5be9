// Package scheduler drives events through their lifecycle: it starts events
// whose window opened, executes the accepted response plans, ends events
// whose window closed, releases resources and settles participations.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kilianp07/vpp/core/allocation"
	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/events"
	"github.com/kilianp07/vpp/core/execution"
	"github.com/kilianp07/vpp/core/logger"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/monitoring"
	"github.com/kilianp07/vpp/core/registry"
)

// Executor sends allocate and release commands for a stored plan.
type Executor interface {
	Execute(ctx context.Context, planID int64, ev model.Event) (execution.Result, error)
	Release(ctx context.Context, planID int64, ev model.Event) (execution.Result, error)
}

// Sampler records a metrics sample for a participating participation.
type Sampler interface {
	Sample(ctx context.Context, participationID int64) (model.Metrics, error)
}

// Settler writes the settlement of a participation.
type Settler interface {
	Settle(ctx context.Context, participationID int64, end time.Time) (model.Participation, error)
}

// Planner builds a response plan when an accepted participation has none.
type Planner interface {
	GenerateResponsePlan(ctx context.Context, part model.Participation, enr model.Enrollment, ev model.Event, prog model.Program) (model.ResponsePlan, error)
}

// Scheduler is the EventScheduler.
type Scheduler struct {
	reg     registry.Repository
	exec    Executor
	sampler Sampler
	settler Settler
	planner Planner
	bus     bus.MessageBus
	events  events.Publisher
	mon     monitoring.Monitor
	log     logger.Logger
	now     func() time.Time
}

// Deps groups the collaborators of a Scheduler.
type Deps struct {
	Registry registry.Repository
	Executor Executor
	Sampler  Sampler
	Settler  Settler
	Planner  Planner
	Bus      bus.MessageBus
	Events   events.Publisher
	Monitor  monitoring.Monitor
	Logger   logger.Logger
	Clock    func() time.Time
}

// New returns a Scheduler.
func New(d Deps) *Scheduler {
	s := &Scheduler{
		reg:     d.Registry,
		exec:    d.Executor,
		sampler: d.Sampler,
		settler: d.Settler,
		planner: d.Planner,
		bus:     d.Bus,
		events:  events.OrNop(d.Events),
		mon:     monitoring.OrNop(d.Monitor),
		log:     logger.OrNop(d.Logger),
		now:     d.Clock,
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// TickResult lists the events moved by a tick.
type TickResult struct {
	Started   []int64
	Completed []int64
	Failed    int
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick starts upcoming events whose start time has passed, then completes
// active events whose end time has passed. An event whose whole window lies
// in the past is started and completed by the same tick. Accepted
// participations committed on an event after it started are started here
// before the event is considered for completion.
func (s *Scheduler) Tick(ctx context.Context) TickResult {
	var res TickResult
	now := s.now()
	for _, ev := range s.reg.EventsByStatus(model.EventUpcoming) {
		if ev.StartTime.After(now) {
			continue
		}
		if s.guard(ctx, ev.ID, "start", s.StartEvent) {
			res.Started = append(res.Started, ev.ID)
		} else {
			res.Failed++
		}
	}
	for _, ev := range s.reg.EventsByStatus(model.EventActive) {
		if n := s.startAccepted(ctx, ev); n > 0 {
			s.log.Infof("scheduler: event %d: started %d late participations", ev.ID, n)
		}
		if ev.EndTime.After(now) {
			continue
		}
		if s.guard(ctx, ev.ID, "end", s.EndEvent) {
			res.Completed = append(res.Completed, ev.ID)
		} else {
			res.Failed++
		}
	}
	return res
}

func (s *Scheduler) guard(ctx context.Context, id int64, step string, fn func(context.Context, int64) error) bool {
	tags := map[string]string{"component": "scheduler", "step": step, "event": fmt.Sprint(id)}
	err := monitoring.Guard(s.mon, tags, func() error { return fn(ctx, id) })
	if err == nil {
		return true
	}
	var te *model.TransitionError
	if errors.As(err, &te) {
		s.log.Debugf("scheduler: %s event %d skipped: %v", step, id, err)
		return false
	}
	s.log.Errorf("scheduler: %s event %d: %v", step, id, err)
	s.mon.CaptureException(err, tags)
	return false
}

// StartEvent moves an upcoming event to active, starts every accepted
// participation and executes its plan.
func (s *Scheduler) StartEvent(ctx context.Context, eventID int64) error {
	ev, err := s.transitionEvent(eventID, model.EventActive)
	if err != nil {
		return err
	}
	s.log.Infof("scheduler: event %d started", ev.ID)
	s.startAccepted(ctx, ev)
	return nil
}

// startAccepted starts every accepted participation of an active event.
func (s *Scheduler) startAccepted(ctx context.Context, ev model.Event) int {
	var n int
	for _, p := range s.reg.ParticipationsByEvent(ev.ID) {
		if p.Status != model.ParticipationAccepted {
			continue
		}
		if err := s.startParticipation(ctx, ev, p); err != nil {
			s.log.Errorf("scheduler: event %d participation %d: %v", ev.ID, p.ID, err)
			s.mon.CaptureException(err, map[string]string{"component": "scheduler", "participation": fmt.Sprint(p.ID)})
			continue
		}
		n++
	}
	return n
}

func (s *Scheduler) startParticipation(ctx context.Context, ev model.Event, p model.Participation) error {
	now := s.now()
	part, err := s.reg.UpdateParticipation(p.ID, func(p *model.Participation) error {
		if err := p.Transition(model.ParticipationParticipating); err != nil {
			return err
		}
		p.StartTime = &now
		return nil
	})
	if err != nil {
		return err
	}
	s.publishTransition("participation", part.ID, ev.ID, part.SiteID, model.ParticipationAccepted, part.Status)

	plan, err := s.planFor(ctx, ev, part)
	if err != nil {
		s.log.Warnf("scheduler: participation %d has no plan: %v", part.ID, err)
	} else {
		res, err := s.exec.Execute(ctx, plan.ID, ev)
		switch {
		case errors.Is(err, execution.ErrAlreadyExecuted):
		case err != nil:
			s.log.Errorf("scheduler: execute plan %d: %v", plan.ID, err)
		default:
			if len(res.Failed) > 0 {
				s.log.Warnf("scheduler: plan %d: %d of %d commands failed: %v", plan.ID, len(res.Failed), res.Total(), res.Failed)
			}
			s.evaluateFallback(ev, part, plan.ID)
		}
	}

	if _, err := s.sampler.Sample(ctx, part.ID); err != nil {
		s.log.Warnf("scheduler: initial sample for participation %d: %v", part.ID, err)
	}
	s.notice(ctx, ev, part, bus.KindStart)
	return nil
}

// planFor returns the participation's plan, generating one when missing.
// The enrollment is looked up by the participation's own site.
func (s *Scheduler) planFor(ctx context.Context, ev model.Event, part model.Participation) (model.ResponsePlan, error) {
	plan, err := s.reg.PlanByParticipation(part.ID)
	if err == nil || !errors.Is(err, model.ErrNotFound) || s.planner == nil {
		return plan, err
	}
	prog, err := s.reg.Program(ev.ProgramID)
	if err != nil {
		return model.ResponsePlan{}, err
	}
	enr, err := s.reg.Enrollment(part.EnrollmentID)
	if err != nil {
		if enr, err = s.reg.ActiveEnrollment(part.SiteID, prog.ID); err != nil {
			return model.ResponsePlan{}, err
		}
	}
	plan, err = s.planner.GenerateResponsePlan(ctx, part, enr, ev, prog)
	if err != nil {
		return model.ResponsePlan{}, err
	}
	return s.reg.AddPlan(plan)
}

// evaluateFallback applies the plan's fallback rules to the real command outcome.
func (s *Scheduler) evaluateFallback(ev model.Event, part model.Participation, planID int64) {
	var d allocation.FallbackDecision
	plan, err := s.reg.UpdatePlan(planID, func(p *model.ResponsePlan) error {
		d = allocation.EvaluateFallback(*p, allocation.AvailableFromStates(*p))
		if !d.Triggered || p.FallbackTriggered {
			d.Triggered = false
			return nil
		}
		p.FallbackTriggered = true
		p.EffectiveCapacityKW = d.EffectiveKW
		return nil
	})
	if err != nil {
		s.log.Errorf("scheduler: evaluate fallback for plan %d: %v", planID, err)
		return
	}
	if !d.Triggered {
		return
	}
	s.log.Warnf("scheduler: participation %d fallback %s: %.1f%% executed, effective %.2f kW",
		part.ID, d.Action, d.AvailablePct, d.EffectiveKW)
	s.events.Publish(events.Fallback{
		ParticipationID: part.ID,
		EventID:         ev.ID,
		SiteID:          part.SiteID,
		AvailablePct:    d.AvailablePct,
		TargetKW:        plan.TotalTargetKW(),
		EffectiveKW:     d.EffectiveKW,
		Reason:          "commands failed",
		Time:            s.now(),
	})
}

// EndEvent completes an active event and drains its participating
// participations: final sample, release, completion and settlement.
func (s *Scheduler) EndEvent(ctx context.Context, eventID int64) error {
	ev, err := s.transitionEvent(eventID, model.EventCompleted)
	if err != nil {
		return err
	}
	s.log.Infof("scheduler: event %d completed", ev.ID)
	s.drain(ctx, ev, true)
	return nil
}

// CancelEvent cancels an upcoming or active event and notifies its sites.
// Participations already delivering are drained without a final sample and
// settled from the metrics captured so far.
func (s *Scheduler) CancelEvent(ctx context.Context, eventID int64) (model.Event, error) {
	var prev model.EventStatus
	now := s.now()
	ev, err := s.reg.UpdateEvent(eventID, func(e *model.Event) error {
		prev = e.Status
		if err := e.Transition(model.EventCancelled); err != nil {
			return err
		}
		e.CancelledAt = &now
		return nil
	})
	if err != nil {
		return model.Event{}, err
	}
	s.publishTransition("event", ev.ID, ev.ID, 0, prev, ev.Status)
	s.log.Infof("scheduler: event %d cancelled (was %s)", ev.ID, prev)
	for _, site := range ev.ParticipatingSites {
		s.publishNotice(ctx, site, ev, bus.SiteEventNotice{Kind: bus.KindCancel}, bus.KindCancel)
	}
	if prev == model.EventActive {
		s.drain(ctx, ev, false)
	}
	return ev, nil
}

func (s *Scheduler) drain(ctx context.Context, ev model.Event, finalSample bool) {
	for _, p := range s.reg.ParticipationsByEvent(ev.ID) {
		if p.Status != model.ParticipationParticipating {
			continue
		}
		if err := s.finishParticipation(ctx, ev, p, finalSample); err != nil {
			s.log.Errorf("scheduler: event %d participation %d: %v", ev.ID, p.ID, err)
			s.mon.CaptureException(err, map[string]string{"component": "scheduler", "participation": fmt.Sprint(p.ID)})
		}
	}
}

func (s *Scheduler) finishParticipation(ctx context.Context, ev model.Event, p model.Participation, finalSample bool) error {
	if finalSample {
		if _, err := s.sampler.Sample(ctx, p.ID); err != nil {
			s.log.Warnf("scheduler: final sample for participation %d: %v", p.ID, err)
		}
	}
	if plan, err := s.reg.PlanByParticipation(p.ID); err == nil {
		if _, err := s.exec.Release(ctx, plan.ID, ev); err != nil && !errors.Is(err, execution.ErrAlreadyReleased) {
			s.log.Errorf("scheduler: release plan %d: %v", plan.ID, err)
		}
	}

	end := s.now()
	part, err := s.reg.UpdateParticipation(p.ID, func(p *model.Participation) error {
		if err := p.Transition(model.ParticipationCompleted); err != nil {
			return err
		}
		p.EndTime = &end
		return nil
	})
	if err != nil {
		return err
	}
	s.publishTransition("participation", part.ID, ev.ID, part.SiteID, model.ParticipationParticipating, part.Status)

	settled, err := s.settler.Settle(ctx, part.ID, end)
	if err != nil {
		return fmt.Errorf("settle: %w", err)
	}
	if ev.Status == model.EventCompleted {
		s.notice(ctx, ev, settled, bus.KindEnd)
	}
	return nil
}

func (s *Scheduler) transitionEvent(id int64, to model.EventStatus) (model.Event, error) {
	var from model.EventStatus
	ev, err := s.reg.UpdateEvent(id, func(e *model.Event) error {
		from = e.Status
		return e.Transition(to)
	})
	if err != nil {
		return model.Event{}, err
	}
	s.publishTransition("event", ev.ID, ev.ID, 0, from, to)
	return ev, nil
}

func (s *Scheduler) notice(ctx context.Context, ev model.Event, part model.Participation, kind string) {
	n := bus.SiteEventNotice{
		Kind:               kind,
		ParticipationID:    part.ID,
		AcceptedCapacityKW: part.AcceptedCapacityKW,
	}
	if part.Settled() {
		perf, comp := part.Performance, part.Compensation
		n.Performance = &perf
		n.Compensation = &comp
	}
	s.publishNotice(ctx, part.SiteID, ev, n, kind)
}

func (s *Scheduler) publishNotice(ctx context.Context, site int64, ev model.Event, n bus.SiteEventNotice, kind string) {
	n.EventID = ev.ID
	n.StartTime = ev.StartTime
	n.EndTime = ev.EndTime
	n.Direction = string(ev.Direction)
	n.Timestamp = s.now()
	if err := s.bus.Publish(ctx, bus.SiteEventTopic(site, ev.ID, kind), n); err != nil {
		s.log.Errorf("scheduler: publish %s to site %d: %v", kind, site, err)
	}
}

func (s *Scheduler) publishTransition(entity string, id, eventID, site int64, from, to fmt.Stringer) {
	s.events.Publish(events.Transition{
		Entity:  entity,
		ID:      id,
		EventID: eventID,
		SiteID:  site,
		From:    from.String(),
		To:      to.String(),
		Time:    s.now(),
	})
}
