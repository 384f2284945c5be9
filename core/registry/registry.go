// Package registry is the authoritative store of engine entities. The
// Repository interface keeps orchestration code independent of the storage
// technology; MemoryRegistry is the in-process implementation.
package registry

import (
	"github.com/kilianp07/vpp/core/model"
)

// Repository exposes CRUD and indexed lookups for every entity type.
// Update methods run fn under the store's write lock so that read-decide-write
// sequences are atomic; an error returned by fn aborts the update and leaves
// the stored value untouched. Absence is reported as model.ErrNotFound.
type Repository interface {
	AddProgram(p model.Program) (model.Program, error)
	Program(id int64) (model.Program, error)
	Programs() []model.Program
	UpdateProgram(id int64, fn func(*model.Program) error) (model.Program, error)
	RemoveProgram(id int64) error

	AddEnrollment(e model.Enrollment) (model.Enrollment, error)
	Enrollment(id int64) (model.Enrollment, error)
	UpdateEnrollment(id int64, fn func(*model.Enrollment) error) (model.Enrollment, error)
	RemoveEnrollment(id int64) error
	EnrollmentsByProgram(programID int64) []model.Enrollment
	EnrollmentsBySite(siteID int64) []model.Enrollment
	ActiveEnrollment(siteID, programID int64) (model.Enrollment, error)

	AddEvent(e model.Event) (model.Event, error)
	Event(id int64) (model.Event, error)
	Events() []model.Event
	UpdateEvent(id int64, fn func(*model.Event) error) (model.Event, error)
	RemoveEvent(id int64) error
	EventsByProgram(programID int64) []model.Event
	EventsByStatus(status model.EventStatus) []model.Event

	AddParticipation(p model.Participation) (model.Participation, error)
	Participation(id int64) (model.Participation, error)
	UpdateParticipation(id int64, fn func(*model.Participation) error) (model.Participation, error)
	RemoveParticipation(id int64) error
	ParticipationsByEvent(eventID int64) []model.Participation
	ParticipationsBySite(siteID int64) []model.Participation
	ParticipationsByStatus(status model.ParticipationStatus) []model.Participation
	ParticipationByEventSite(eventID, siteID int64) (model.Participation, error)
	// Respond runs fn on an event and the participation of site in it under
	// one write lock and stores both. When the site has no participation yet
	// fn receives a zero value (ID 0) which is inserted if fn succeeds.
	Respond(eventID, siteID int64, fn func(*model.Event, *model.Participation) error) (model.Event, model.Participation, error)

	AddPlan(p model.ResponsePlan) (model.ResponsePlan, error)
	Plan(id int64) (model.ResponsePlan, error)
	ReplacePlan(p model.ResponsePlan) (model.ResponsePlan, error)
	UpdatePlan(id int64, fn func(*model.ResponsePlan) error) (model.ResponsePlan, error)
	RemovePlan(id int64) error
	PlanByParticipation(participationID int64) (model.ResponsePlan, error)

	AppendMetrics(m model.Metrics) (model.Metrics, error)
	MetricsByParticipation(participationID int64) []model.Metrics
	LatestMetrics(participationID int64) (model.Metrics, error)
}
