package model

import "time"

// Direction is the requested change of site power draw.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
	DirectionMaintain Direction = "maintain"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	switch d {
	case DirectionIncrease, DirectionDecrease, DirectionMaintain:
		return true
	}
	return false
}

// EventStatus is the lifecycle state of an event.
type EventStatus string

const (
	EventUpcoming  EventStatus = "upcoming"
	EventActive    EventStatus = "active"
	EventCompleted EventStatus = "completed"
	EventCancelled EventStatus = "cancelled"
)

var eventTransitions = map[EventStatus][]EventStatus{
	EventUpcoming: {EventActive, EventCancelled},
	EventActive:   {EventCompleted, EventCancelled},
}

func (s EventStatus) String() string { return string(s) }

// Terminal reports whether no further mutation is allowed.
func (s EventStatus) Terminal() bool {
	return s == EventCompleted || s == EventCancelled
}

// CanTransition reports whether s -> to is a legal event transition.
func (s EventStatus) CanTransition(to EventStatus) bool {
	for _, next := range eventTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// EventSource records who created the event.
type EventSource string

const (
	SourceOperator EventSource = "operator"
	SourceExternal EventSource = "external"
)

// Event is a time-boxed request from a program for capacity change.
type Event struct {
	ID                  int64       `json:"id"`
	ProgramID           int64       `json:"program_id" validate:"gt=0"`
	ExternalID          string      `json:"external_id,omitempty"`
	Name                string      `json:"name"`
	StartTime           time.Time   `json:"start_time" validate:"required"`
	EndTime             time.Time   `json:"end_time" validate:"required"`
	Direction           Direction   `json:"direction" validate:"oneof=increase decrease maintain"`
	RequestedCapacityKW float64     `json:"requested_capacity_kw" validate:"gt=0"`
	CompensationRate    *float64    `json:"compensation_rate,omitempty" validate:"omitempty,gte=0"`
	AcceptanceDeadline  *time.Time  `json:"acceptance_deadline,omitempty"`
	Status              EventStatus `json:"status"`
	ParticipatingSites  []int64     `json:"participating_sites"`
	NotificationSent    bool        `json:"notification_sent"`
	NotificationSentAt  *time.Time  `json:"notification_sent_at,omitempty"`
	Source              EventSource `json:"source"`
	CancelledAt         *time.Time  `json:"cancelled_at,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Transition moves the event to status to, enforcing the state machine.
func (e *Event) Transition(to EventStatus) error {
	if !e.Status.CanTransition(to) {
		return &TransitionError{Entity: "event", ID: e.ID, From: string(e.Status), To: string(to)}
	}
	e.Status = to
	return nil
}

// HasSite reports whether site is in the participating set.
func (e Event) HasSite(site int64) bool {
	for _, s := range e.ParticipatingSites {
		if s == site {
			return true
		}
	}
	return false
}

// AddSite appends site to the participating set. It returns false when the
// site was already present.
func (e *Event) AddSite(site int64) bool {
	if e.HasSite(site) {
		return false
	}
	e.ParticipatingSites = append(e.ParticipatingSites, site)
	return true
}

// RemoveSite drops site from the participating set.
func (e *Event) RemoveSite(site int64) bool {
	for i, s := range e.ParticipatingSites {
		if s == site {
			e.ParticipatingSites = append(e.ParticipatingSites[:i], e.ParticipatingSites[i+1:]...)
			return true
		}
	}
	return false
}

// Duration returns the length of the event window.
func (e Event) Duration() time.Duration { return e.EndTime.Sub(e.StartTime) }

// Deadline returns the acceptance deadline, defaulting to lead before start.
func (e Event) Deadline(lead time.Duration) time.Time {
	if e.AcceptanceDeadline != nil {
		return *e.AcceptanceDeadline
	}
	return e.StartTime.Add(-lead)
}

// Rate returns the event compensation override or the program rate.
func (e Event) Rate(p Program) float64 {
	if e.CompensationRate != nil {
		return *e.CompensationRate
	}
	return p.CompensationRate
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	e.ParticipatingSites = append([]int64(nil), e.ParticipatingSites...)
	if e.CompensationRate != nil {
		r := *e.CompensationRate
		e.CompensationRate = &r
	}
	e.AcceptanceDeadline = cloneTime(e.AcceptanceDeadline)
	e.NotificationSentAt = cloneTime(e.NotificationSentAt)
	e.CancelledAt = cloneTime(e.CancelledAt)
	return e
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
