package engine

import (
	"fmt"

	"github.com/kilianp07/vpp/core/model"
)

// CreateProgram validates and stores a new program. New programs are active.
func (e *Engine) CreateProgram(p model.Program) (model.Program, error) {
	if p.ParticipationMode == "" {
		p.ParticipationMode = model.ModeManual
	}
	p.IsActive = true
	if err := e.checkProgram(p); err != nil {
		return model.Program{}, err
	}
	p, err := e.reg.AddProgram(p)
	if err != nil {
		return model.Program{}, err
	}
	e.log.Infof("engine: program %d %q created", p.ID, p.Name)
	return p, nil
}

func (e *Engine) checkProgram(p model.Program) error {
	if err := e.check(p); err != nil {
		return err
	}
	if p.MaxCapacityKW > 0 && p.MinCapacityKW > p.MaxCapacityKW {
		return model.Invalid("min capacity %.2f above max %.2f", p.MinCapacityKW, p.MaxCapacityKW)
	}
	if p.MinResponseTime < 0 || p.MaxEventDuration < 0 || p.CooldownPeriod < 0 {
		return model.Invalid("program durations must not be negative")
	}
	return nil
}

// Program returns one program.
func (e *Engine) Program(id int64) (model.Program, error) { return e.reg.Program(id) }

// Programs lists every program.
func (e *Engine) Programs() []model.Program { return e.reg.Programs() }

// UpdateProgram applies fn to a program. The id and creation time cannot change.
func (e *Engine) UpdateProgram(id int64, fn func(*model.Program)) (model.Program, error) {
	return e.reg.UpdateProgram(id, func(p *model.Program) error {
		next := p.Clone()
		fn(&next)
		next.ID, next.CreatedAt = p.ID, p.CreatedAt
		if err := e.checkProgram(next); err != nil {
			return err
		}
		*p = next
		return nil
	})
}

// DeleteProgram removes a program. A program still referenced by events is
// deactivated instead; softDisabled reports which happened.
func (e *Engine) DeleteProgram(id int64) (softDisabled bool, err error) {
	if _, err := e.reg.Program(id); err != nil {
		return false, err
	}
	if len(e.reg.EventsByProgram(id)) > 0 {
		if _, err := e.reg.UpdateProgram(id, func(p *model.Program) error {
			p.IsActive = false
			return nil
		}); err != nil {
			return false, err
		}
		e.log.Infof("engine: program %d has events, deactivated", id)
		return true, nil
	}
	return false, e.reg.RemoveProgram(id)
}

// CreateEnrollment enrolls a site in an active program. The participation
// mode defaults to the program's and the capacity must lie within the
// program bounds.
func (e *Engine) CreateEnrollment(enr model.Enrollment) (model.Enrollment, error) {
	prog, err := e.reg.Program(enr.ProgramID)
	if err != nil {
		return model.Enrollment{}, err
	}
	if !prog.IsActive {
		return model.Enrollment{}, model.Invalid("program %d is not active", prog.ID)
	}
	if enr.ParticipationMode == "" {
		enr.ParticipationMode = prog.ParticipationMode
	}
	if enr.Status == "" {
		enr.Status = model.EnrollmentActive
	}
	if err := e.checkEnrollment(enr, prog); err != nil {
		return model.Enrollment{}, err
	}
	enr, err = e.reg.AddEnrollment(enr)
	if err != nil {
		return model.Enrollment{}, err
	}
	e.log.Infof("engine: site %d enrolled in program %d with %.2f kW", enr.SiteID, enr.ProgramID, enr.CapacityKW)
	return enr, nil
}

func (e *Engine) checkEnrollment(enr model.Enrollment, prog model.Program) error {
	if err := e.check(enr); err != nil {
		return err
	}
	if prog.MinCapacityKW > 0 && enr.CapacityKW < prog.MinCapacityKW {
		return model.Invalid("capacity %.2f kW below program minimum %.2f kW", enr.CapacityKW, prog.MinCapacityKW)
	}
	if prog.MaxCapacityKW > 0 && enr.CapacityKW > prog.MaxCapacityKW {
		return model.Invalid("capacity %.2f kW above program maximum %.2f kW", enr.CapacityKW, prog.MaxCapacityKW)
	}
	seen := make(map[string]bool, len(enr.ResourceIDs))
	for _, id := range enr.ResourceIDs {
		if id == "" || seen[id] {
			return model.Invalid("resource id %q empty or repeated", id)
		}
		seen[id] = true
	}
	return nil
}

// Enrollment returns one enrollment.
func (e *Engine) Enrollment(id int64) (model.Enrollment, error) { return e.reg.Enrollment(id) }

// EnrollmentsBySite lists the enrollments of a site.
func (e *Engine) EnrollmentsBySite(siteID int64) []model.Enrollment {
	return e.reg.EnrollmentsBySite(siteID)
}

// UpdateEnrollment applies fn to an enrollment. Site and program cannot change.
func (e *Engine) UpdateEnrollment(id int64, fn func(*model.Enrollment)) (model.Enrollment, error) {
	cur, err := e.reg.Enrollment(id)
	if err != nil {
		return model.Enrollment{}, err
	}
	prog, err := e.reg.Program(cur.ProgramID)
	if err != nil {
		return model.Enrollment{}, fmt.Errorf("enrollment %d: %w", id, err)
	}
	return e.reg.UpdateEnrollment(id, func(en *model.Enrollment) error {
		next := en.Clone()
		fn(&next)
		next.ID, next.SiteID, next.ProgramID, next.CreatedAt = en.ID, en.SiteID, en.ProgramID, en.CreatedAt
		if err := e.checkEnrollment(next, prog); err != nil {
			return err
		}
		*en = next
		return nil
	})
}

// DeleteEnrollment removes an enrollment. Participations keep their history.
func (e *Engine) DeleteEnrollment(id int64) error { return e.reg.RemoveEnrollment(id) }
