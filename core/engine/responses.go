package engine

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/kilianp07/vpp/core/model"
)

// capacityEpsilon absorbs float noise when comparing a plan to its capacity.
const capacityEpsilon = 1e-9

// AcceptEvent records a site's acceptance of an upcoming event. capacity
// defaults to the enrollment capacity and is capped by it and by the
// requested capacity. The participation is created when missing, the site
// joins the participating set and a response plan is generated, or
// regenerated when the existing one exceeds the accepted capacity. An accept
// that reaches the registry after the event started is refused.
func (e *Engine) AcceptEvent(ctx context.Context, eventID, siteID int64, capacity *float64) (model.Participation, error) {
	ev, err := e.upcoming(eventID)
	if err != nil {
		return model.Participation{}, err
	}
	prog, err := e.reg.Program(ev.ProgramID)
	if err != nil {
		return model.Participation{}, err
	}
	enr, err := e.reg.ActiveEnrollment(siteID, prog.ID)
	if err != nil {
		return model.Participation{}, fmt.Errorf("site %d in program %d: %w", siteID, prog.ID, err)
	}
	kw := enr.CapacityKW
	if capacity != nil {
		if *capacity <= 0 || math.IsNaN(*capacity) || math.IsInf(*capacity, 0) {
			return model.Participation{}, model.Invalid("capacity %v must be positive", *capacity)
		}
		kw = math.Min(*capacity, enr.CapacityKW)
	}

	ev, part, from, err := e.respond(ev.ID, siteID, model.Participation{
		EnrollmentID:       enr.ID,
		Status:             model.ParticipationAccepted,
		AcceptedCapacityKW: kw,
		Currency:           prog.Currency,
	})
	if err != nil {
		return model.Participation{}, err
	}
	e.transition("participation", part.ID, ev.ID, siteID, string(from), string(part.Status))

	if err := e.ensurePlan(ctx, part, enr, ev, prog); err != nil {
		return part, err
	}
	e.log.Infof("engine: site %d accepted event %d with %.2f kW", siteID, ev.ID, part.AcceptedCapacityKW)
	return part, nil
}

// RejectEvent records a site's refusal of an upcoming event. The site leaves
// the participating set and any plan is dropped.
func (e *Engine) RejectEvent(_ context.Context, eventID, siteID int64) (model.Participation, error) {
	ev, err := e.upcoming(eventID)
	if err != nil {
		return model.Participation{}, err
	}
	tmpl := model.Participation{Status: model.ParticipationRejected}
	if enr, err := e.reg.ActiveEnrollment(siteID, ev.ProgramID); err == nil {
		tmpl.EnrollmentID = enr.ID
	}
	ev, part, from, err := e.respond(ev.ID, siteID, tmpl)
	if err != nil {
		return model.Participation{}, err
	}
	e.transition("participation", part.ID, ev.ID, siteID, string(from), string(part.Status))

	if plan, err := e.reg.PlanByParticipation(part.ID); err == nil {
		if err := e.reg.RemovePlan(plan.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return part, err
		}
	}
	e.log.Infof("engine: site %d rejected event %d", siteID, ev.ID)
	return part, nil
}

func (e *Engine) upcoming(eventID int64) (model.Event, error) {
	ev, err := e.reg.Event(eventID)
	if err != nil {
		return model.Event{}, err
	}
	if ev.Status != model.EventUpcoming {
		return model.Event{}, model.Invalid("event %d is %s", ev.ID, ev.Status)
	}
	return ev, nil
}

// respond moves the site's participation to tmpl.Status, creating it from
// tmpl when missing, and updates the participating set. The event status is
// checked in the same registry write, so the scheduler either sees the new
// status when it starts the event or the response is refused. from is the
// previous status, empty for a new participation.
func (e *Engine) respond(eventID, siteID int64, tmpl model.Participation) (model.Event, model.Participation, model.ParticipationStatus, error) {
	var from model.ParticipationStatus
	ev, part, err := e.reg.Respond(eventID, siteID, func(x *model.Event, p *model.Participation) error {
		if x.Status != model.EventUpcoming {
			return model.Invalid("event %d is %s", x.ID, x.Status)
		}
		kw := 0.0
		if tmpl.Status == model.ParticipationAccepted {
			kw = math.Min(tmpl.AcceptedCapacityKW, x.RequestedCapacityKW)
		}
		if p.ID == 0 {
			*p = tmpl
		} else {
			from = p.Status
			if err := p.Transition(tmpl.Status); err != nil {
				return err
			}
			if tmpl.EnrollmentID != 0 {
				p.EnrollmentID = tmpl.EnrollmentID
			}
			if tmpl.Currency != "" {
				p.Currency = tmpl.Currency
			}
		}
		p.AcceptedCapacityKW = kw
		if tmpl.Status == model.ParticipationAccepted {
			x.AddSite(siteID)
		} else {
			x.RemoveSite(siteID)
		}
		return nil
	})
	return ev, part, from, err
}

func (e *Engine) ensurePlan(ctx context.Context, part model.Participation, enr model.Enrollment, ev model.Event, prog model.Program) error {
	existing, err := e.reg.PlanByParticipation(part.ID)
	switch {
	case err == nil && existing.TotalTargetKW() <= part.AcceptedCapacityKW+capacityEpsilon:
		return nil
	case err != nil && !errors.Is(err, model.ErrNotFound):
		return err
	}
	plan, perr := e.planner.GenerateResponsePlan(ctx, part, enr, ev, prog)
	if perr != nil {
		return fmt.Errorf("plan participation %d: %w", part.ID, perr)
	}
	if err == nil {
		if _, err := e.reg.ReplacePlan(plan); errors.Is(err, model.ErrInvalidInput) {
			e.log.Warnf("engine: participation %d keeps its executed plan: %v", part.ID, err)
		} else if err != nil {
			return err
		}
		return nil
	}
	if _, err := e.reg.AddPlan(plan); err != nil && !errors.Is(err, model.ErrDuplicate) {
		return err
	}
	return nil
}
