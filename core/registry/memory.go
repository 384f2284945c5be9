package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/vpp/core/model"
)

type eventSite struct{ event, site int64 }

type siteProgram struct{ site, program int64 }

// MemoryRegistry implements Repository in memory. A single RWMutex serialises
// writers; every value crossing the API boundary is a deep copy.
type MemoryRegistry struct {
	mu  sync.RWMutex
	now func() time.Time

	programs       *table[model.Program]
	enrollments    *table[model.Enrollment]
	events         *table[model.Event]
	participations *table[model.Participation]
	plans          *table[model.ResponsePlan]

	metrics   map[int64][]model.Metrics
	metricSeq int64

	enrollByProgram index[int64]
	enrollBySite    index[int64]
	activeEnroll    map[siteProgram]int64
	eventByProgram  index[int64]
	partByEvent     index[int64]
	partBySite      index[int64]
	partByEventSite map[eventSite]int64
	planByPart      map[int64]int64
}

// NewMemoryRegistry returns an empty registry using time.Now for timestamps.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		now:             time.Now,
		programs:        newTable(model.Program.Clone),
		enrollments:     newTable(model.Enrollment.Clone),
		events:          newTable(model.Event.Clone),
		participations:  newTable(model.Participation.Clone),
		plans:           newTable(model.ResponsePlan.Clone),
		metrics:         make(map[int64][]model.Metrics),
		enrollByProgram: index[int64]{},
		enrollBySite:    index[int64]{},
		activeEnroll:    make(map[siteProgram]int64),
		eventByProgram:  index[int64]{},
		partByEvent:     index[int64]{},
		partBySite:      index[int64]{},
		partByEventSite: make(map[eventSite]int64),
		planByPart:      make(map[int64]int64),
	}
}

// SetClock overrides the timestamp source.
func (r *MemoryRegistry) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// --- programs ---

func (r *MemoryRegistry) AddProgram(p model.Program) (model.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p.ID = r.programs.next()
	p.CreatedAt = r.now()
	p.UpdatedAt = p.CreatedAt
	r.programs.put(p.ID, p)
	return p.Clone(), nil
}

func (r *MemoryRegistry) Program(id int64) (model.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs.get(id)
	if !ok {
		return model.Program{}, model.NotFound("program", id)
	}
	return p, nil
}

func (r *MemoryRegistry) Programs() []model.Program {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.programs.all()
}

func (r *MemoryRegistry) UpdateProgram(id int64, fn func(*model.Program) error) (model.Program, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.programs.get(id)
	if !ok {
		return model.Program{}, model.NotFound("program", id)
	}
	if err := fn(&p); err != nil {
		return model.Program{}, err
	}
	p.ID = id
	p.UpdatedAt = r.now()
	r.programs.put(id, p)
	return p.Clone(), nil
}

// RemoveProgram deletes a program that no event references.
func (r *MemoryRegistry) RemoveProgram(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs.rows[id]; !ok {
		return model.NotFound("program", id)
	}
	if len(r.eventByProgram[id]) > 0 {
		return model.Invalid("program %d is referenced by events", id)
	}
	for _, eid := range append([]int64(nil), r.enrollByProgram[id]...) {
		r.removeEnrollmentLocked(eid)
	}
	delete(r.programs.rows, id)
	return nil
}

// --- enrollments ---

func (r *MemoryRegistry) AddEnrollment(e model.Enrollment) (model.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs.rows[e.ProgramID]; !ok {
		return model.Enrollment{}, model.NotFound("program", e.ProgramID)
	}
	if e.Status == "" {
		e.Status = model.EnrollmentActive
	}
	key := siteProgram{e.SiteID, e.ProgramID}
	if e.Status == model.EnrollmentActive {
		if _, taken := r.activeEnroll[key]; taken {
			return model.Enrollment{}, fmt.Errorf("active enrollment for site %d in program %d: %w", e.SiteID, e.ProgramID, model.ErrDuplicate)
		}
	}
	e.ID = r.enrollments.next()
	e.CreatedAt = r.now()
	e.UpdatedAt = e.CreatedAt
	r.enrollments.put(e.ID, e)
	r.enrollByProgram.add(e.ProgramID, e.ID)
	r.enrollBySite.add(e.SiteID, e.ID)
	if e.Status == model.EnrollmentActive {
		r.activeEnroll[key] = e.ID
	}
	return e.Clone(), nil
}

func (r *MemoryRegistry) Enrollment(id int64) (model.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.enrollments.get(id)
	if !ok {
		return model.Enrollment{}, model.NotFound("enrollment", id)
	}
	return e, nil
}

func (r *MemoryRegistry) UpdateEnrollment(id int64, fn func(*model.Enrollment) error) (model.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments.get(id)
	if !ok {
		return model.Enrollment{}, model.NotFound("enrollment", id)
	}
	prev := e
	if err := fn(&e); err != nil {
		return model.Enrollment{}, err
	}
	if e.SiteID != prev.SiteID || e.ProgramID != prev.ProgramID {
		return model.Enrollment{}, model.Invalid("enrollment %d: site and program are immutable", id)
	}
	key := siteProgram{e.SiteID, e.ProgramID}
	if e.Status == model.EnrollmentActive {
		if other, taken := r.activeEnroll[key]; taken && other != id {
			return model.Enrollment{}, fmt.Errorf("active enrollment for site %d in program %d: %w", e.SiteID, e.ProgramID, model.ErrDuplicate)
		}
		r.activeEnroll[key] = id
	} else if r.activeEnroll[key] == id {
		delete(r.activeEnroll, key)
	}
	e.ID = id
	e.UpdatedAt = r.now()
	r.enrollments.put(id, e)
	return e.Clone(), nil
}

func (r *MemoryRegistry) RemoveEnrollment(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.enrollments.rows[id]; !ok {
		return model.NotFound("enrollment", id)
	}
	r.removeEnrollmentLocked(id)
	return nil
}

func (r *MemoryRegistry) removeEnrollmentLocked(id int64) {
	e := r.enrollments.rows[id]
	r.enrollByProgram.remove(e.ProgramID, id)
	r.enrollBySite.remove(e.SiteID, id)
	key := siteProgram{e.SiteID, e.ProgramID}
	if r.activeEnroll[key] == id {
		delete(r.activeEnroll, key)
	}
	delete(r.enrollments.rows, id)
}

func (r *MemoryRegistry) EnrollmentsByProgram(programID int64) []model.Enrollment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enrollments.pick(r.enrollByProgram[programID])
}

func (r *MemoryRegistry) EnrollmentsBySite(siteID int64) []model.Enrollment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enrollments.pick(r.enrollBySite[siteID])
}

// ActiveEnrollment returns the active enrollment of site in program.
func (r *MemoryRegistry) ActiveEnrollment(siteID, programID int64) (model.Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.activeEnroll[siteProgram{siteID, programID}]
	if !ok {
		return model.Enrollment{}, model.NotFound("active enrollment", fmt.Sprintf("site=%d program=%d", siteID, programID))
	}
	e, _ := r.enrollments.get(id)
	return e, nil
}

// --- events ---

func (r *MemoryRegistry) AddEvent(e model.Event) (model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs.rows[e.ProgramID]; !ok {
		return model.Event{}, model.NotFound("program", e.ProgramID)
	}
	if !e.StartTime.Before(e.EndTime) {
		return model.Event{}, model.Invalid("event start must precede end")
	}
	if e.Status == "" {
		e.Status = model.EventUpcoming
	}
	e.ID = r.events.next()
	e.CreatedAt = r.now()
	e.UpdatedAt = e.CreatedAt
	r.events.put(e.ID, e)
	r.eventByProgram.add(e.ProgramID, e.ID)
	return e.Clone(), nil
}

func (r *MemoryRegistry) Event(id int64) (model.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events.get(id)
	if !ok {
		return model.Event{}, model.NotFound("event", id)
	}
	return e, nil
}

func (r *MemoryRegistry) Events() []model.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events.all()
}

func (r *MemoryRegistry) UpdateEvent(id int64, fn func(*model.Event) error) (model.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events.get(id)
	if !ok {
		return model.Event{}, model.NotFound("event", id)
	}
	prev := e
	if err := fn(&e); err != nil {
		return model.Event{}, err
	}
	if e.ProgramID != prev.ProgramID {
		return model.Event{}, model.Invalid("event %d: program is immutable", id)
	}
	if !e.StartTime.Before(e.EndTime) {
		return model.Event{}, model.Invalid("event start must precede end")
	}
	e.ID = id
	e.UpdatedAt = r.now()
	r.events.put(id, e)
	return e.Clone(), nil
}

func (r *MemoryRegistry) RemoveEvent(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.events.rows[id]
	if !ok {
		return model.NotFound("event", id)
	}
	if len(r.partByEvent[id]) > 0 {
		return model.Invalid("event %d has participations", id)
	}
	r.eventByProgram.remove(e.ProgramID, id)
	delete(r.events.rows, id)
	return nil
}

func (r *MemoryRegistry) EventsByProgram(programID int64) []model.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.events.pick(r.eventByProgram[programID])
}

func (r *MemoryRegistry) EventsByStatus(status model.EventStatus) []model.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int64
	for id, e := range r.events.rows {
		if e.Status == status {
			ids = append(ids, id)
		}
	}
	return r.events.pick(ids)
}

// --- participations ---

// AddParticipation inserts p unless a participation already exists for the
// same (event, site) pair, in which case model.ErrDuplicate is returned.
func (r *MemoryRegistry) AddParticipation(p model.Participation) (model.Participation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events.rows[p.EventID]; !ok {
		return model.Participation{}, model.NotFound("event", p.EventID)
	}
	key := eventSite{p.EventID, p.SiteID}
	if _, dup := r.partByEventSite[key]; dup {
		return model.Participation{}, fmt.Errorf("participation for event %d site %d: %w", p.EventID, p.SiteID, model.ErrDuplicate)
	}
	if p.Status == "" {
		p.Status = model.ParticipationPending
	}
	p.ID = r.participations.next()
	p.CreatedAt = r.now()
	p.UpdatedAt = p.CreatedAt
	r.participations.put(p.ID, p)
	r.partByEvent.add(p.EventID, p.ID)
	r.partBySite.add(p.SiteID, p.ID)
	r.partByEventSite[key] = p.ID
	return p.Clone(), nil
}

func (r *MemoryRegistry) Participation(id int64) (model.Participation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participations.get(id)
	if !ok {
		return model.Participation{}, model.NotFound("participation", id)
	}
	return p, nil
}

func (r *MemoryRegistry) UpdateParticipation(id int64, fn func(*model.Participation) error) (model.Participation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participations.get(id)
	if !ok {
		return model.Participation{}, model.NotFound("participation", id)
	}
	prev := p
	if err := fn(&p); err != nil {
		return model.Participation{}, err
	}
	if p.EventID != prev.EventID || p.SiteID != prev.SiteID {
		return model.Participation{}, model.Invalid("participation %d: event and site are immutable", id)
	}
	p.ID = id
	p.UpdatedAt = r.now()
	r.participations.put(id, p)
	return p.Clone(), nil
}

func (r *MemoryRegistry) RemoveParticipation(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.participations.rows[id]
	if !ok {
		return model.NotFound("participation", id)
	}
	r.partByEvent.remove(p.EventID, id)
	r.partBySite.remove(p.SiteID, id)
	delete(r.partByEventSite, eventSite{p.EventID, p.SiteID})
	if planID, ok := r.planByPart[id]; ok {
		delete(r.plans.rows, planID)
		delete(r.planByPart, id)
	}
	delete(r.metrics, id)
	delete(r.participations.rows, id)
	return nil
}

func (r *MemoryRegistry) ParticipationsByEvent(eventID int64) []model.Participation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participations.pick(r.partByEvent[eventID])
}

func (r *MemoryRegistry) ParticipationsBySite(siteID int64) []model.Participation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participations.pick(r.partBySite[siteID])
}

func (r *MemoryRegistry) ParticipationsByStatus(status model.ParticipationStatus) []model.Participation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []int64
	for id, p := range r.participations.rows {
		if p.Status == status {
			ids = append(ids, id)
		}
	}
	return r.participations.pick(ids)
}

func (r *MemoryRegistry) ParticipationByEventSite(eventID, siteID int64) (model.Participation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.partByEventSite[eventSite{eventID, siteID}]
	if !ok {
		return model.Participation{}, model.NotFound("participation", fmt.Sprintf("event=%d site=%d", eventID, siteID))
	}
	p, _ := r.participations.get(id)
	return p, nil
}

func (r *MemoryRegistry) Respond(eventID, siteID int64, fn func(*model.Event, *model.Participation) error) (model.Event, model.Participation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.events.get(eventID)
	if !ok {
		return model.Event{}, model.Participation{}, model.NotFound("event", eventID)
	}
	key := eventSite{eventID, siteID}
	var p model.Participation
	id, exists := r.partByEventSite[key]
	if exists {
		p, _ = r.participations.get(id)
	}
	prev := ev
	if err := fn(&ev, &p); err != nil {
		return model.Event{}, model.Participation{}, err
	}
	if ev.ProgramID != prev.ProgramID || !ev.StartTime.Before(ev.EndTime) {
		return model.Event{}, model.Participation{}, model.Invalid("event %d: program and window are kept by responses", eventID)
	}

	now := r.now()
	ev.ID = eventID
	ev.UpdatedAt = now
	r.events.put(eventID, ev)

	p.EventID, p.SiteID = eventID, siteID
	p.UpdatedAt = now
	if exists {
		p.ID = id
	} else {
		if p.Status == "" {
			p.Status = model.ParticipationPending
		}
		p.ID = r.participations.next()
		p.CreatedAt = now
		r.partByEvent.add(eventID, p.ID)
		r.partBySite.add(siteID, p.ID)
		r.partByEventSite[key] = p.ID
	}
	r.participations.put(p.ID, p)
	return ev.Clone(), p.Clone(), nil
}

// --- response plans ---

// AddPlan stores the plan of a participation. A participation owns at most one plan.
func (r *MemoryRegistry) AddPlan(p model.ResponsePlan) (model.ResponsePlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participations.rows[p.ParticipationID]; !ok {
		return model.ResponsePlan{}, model.NotFound("participation", p.ParticipationID)
	}
	if _, dup := r.planByPart[p.ParticipationID]; dup {
		return model.ResponsePlan{}, fmt.Errorf("plan for participation %d: %w", p.ParticipationID, model.ErrDuplicate)
	}
	p.ID = r.plans.next()
	p.CreatedAt = r.now()
	p.UpdatedAt = p.CreatedAt
	r.plans.put(p.ID, p)
	r.planByPart[p.ParticipationID] = p.ID
	return p.Clone(), nil
}

// ReplacePlan swaps the plan of p.ParticipationID, keeping the existing id.
// A plan whose commands were sent cannot be replaced.
func (r *MemoryRegistry) ReplacePlan(p model.ResponsePlan) (model.ResponsePlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.planByPart[p.ParticipationID]
	if !ok {
		return model.ResponsePlan{}, model.NotFound("plan for participation", p.ParticipationID)
	}
	old := r.plans.rows[id]
	if old.ExecutedAt != nil {
		return model.ResponsePlan{}, model.Invalid("plan %d for participation %d already executed", id, p.ParticipationID)
	}
	p.ID = id
	p.CreatedAt = old.CreatedAt
	p.UpdatedAt = r.now()
	r.plans.put(id, p)
	return p.Clone(), nil
}

func (r *MemoryRegistry) Plan(id int64) (model.ResponsePlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plans.get(id)
	if !ok {
		return model.ResponsePlan{}, model.NotFound("plan", id)
	}
	return p, nil
}

func (r *MemoryRegistry) UpdatePlan(id int64, fn func(*model.ResponsePlan) error) (model.ResponsePlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans.get(id)
	if !ok {
		return model.ResponsePlan{}, model.NotFound("plan", id)
	}
	partID := p.ParticipationID
	if err := fn(&p); err != nil {
		return model.ResponsePlan{}, err
	}
	p.ID = id
	p.ParticipationID = partID
	p.UpdatedAt = r.now()
	r.plans.put(id, p)
	return p.Clone(), nil
}

func (r *MemoryRegistry) RemovePlan(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plans.rows[id]
	if !ok {
		return model.NotFound("plan", id)
	}
	delete(r.planByPart, p.ParticipationID)
	delete(r.plans.rows, id)
	return nil
}

func (r *MemoryRegistry) PlanByParticipation(participationID int64) (model.ResponsePlan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.planByPart[participationID]
	if !ok {
		return model.ResponsePlan{}, model.NotFound("plan for participation", participationID)
	}
	p, _ := r.plans.get(id)
	return p, nil
}

// --- metrics ---

// AppendMetrics appends a sample. Samples older than the latest one for the
// same participation are rejected with model.ErrOutOfOrder.
func (r *MemoryRegistry) AppendMetrics(m model.Metrics) (model.Metrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.participations.rows[m.ParticipationID]; !ok {
		return model.Metrics{}, model.NotFound("participation", m.ParticipationID)
	}
	series := r.metrics[m.ParticipationID]
	if n := len(series); n > 0 && m.Timestamp.Before(series[n-1].Timestamp) {
		return model.Metrics{}, fmt.Errorf("participation %d at %s: %w", m.ParticipationID, m.Timestamp.Format(time.RFC3339), model.ErrOutOfOrder)
	}
	r.metricSeq++
	m.ID = r.metricSeq
	m.CreatedAt = r.now()
	m.UpdatedAt = m.CreatedAt
	r.metrics[m.ParticipationID] = append(series, m.Clone())
	return m.Clone(), nil
}

func (r *MemoryRegistry) MetricsByParticipation(participationID int64) []model.Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	series := r.metrics[participationID]
	out := make([]model.Metrics, len(series))
	for i, m := range series {
		out[i] = m.Clone()
	}
	return out
}

func (r *MemoryRegistry) LatestMetrics(participationID int64) (model.Metrics, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	series := r.metrics[participationID]
	if len(series) == 0 {
		return model.Metrics{}, model.NotFound("metrics for participation", participationID)
	}
	return series[len(series)-1].Clone(), nil
}

var _ Repository = (*MemoryRegistry)(nil)
