package model

import "time"

// ParticipationStatus is the lifecycle state of one site's response to an event.
type ParticipationStatus string

const (
	ParticipationPending       ParticipationStatus = "pending"
	ParticipationAccepted      ParticipationStatus = "accepted"
	ParticipationRejected      ParticipationStatus = "rejected"
	ParticipationParticipating ParticipationStatus = "participating"
	ParticipationCompleted     ParticipationStatus = "completed"
)

// Sites may change their answer until the event starts.
var participationTransitions = map[ParticipationStatus][]ParticipationStatus{
	ParticipationPending:       {ParticipationAccepted, ParticipationRejected},
	ParticipationAccepted:      {ParticipationAccepted, ParticipationRejected, ParticipationParticipating},
	ParticipationRejected:      {ParticipationAccepted, ParticipationRejected},
	ParticipationParticipating: {ParticipationCompleted},
}

func (s ParticipationStatus) String() string { return string(s) }

// CanTransition reports whether s -> to is legal.
func (s ParticipationStatus) CanTransition(to ParticipationStatus) bool {
	for _, next := range participationTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Participation is one site's response record for one event.
type Participation struct {
	ID                 int64               `json:"id"`
	EventID            int64               `json:"event_id"`
	SiteID             int64               `json:"site_id"`
	EnrollmentID       int64               `json:"enrollment_id"`
	Status             ParticipationStatus `json:"status"`
	AcceptedCapacityKW float64             `json:"accepted_capacity_kw"`
	StartTime          *time.Time          `json:"start_time,omitempty"`
	EndTime            *time.Time          `json:"end_time,omitempty"`
	ActualResponseKW   float64             `json:"actual_response_kw"`
	Performance        float64             `json:"performance"`
	Compensation       float64             `json:"compensation"`
	Currency           string              `json:"currency,omitempty"`
	SettledAt          *time.Time          `json:"settled_at,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// Transition moves the participation to status to, enforcing the state machine.
func (p *Participation) Transition(to ParticipationStatus) error {
	if !p.Status.CanTransition(to) {
		return &TransitionError{Entity: "participation", ID: p.ID, From: string(p.Status), To: string(to)}
	}
	p.Status = to
	return nil
}

// Settled reports whether settlement figures were written.
func (p Participation) Settled() bool { return p.SettledAt != nil }

// Clone returns a deep copy.
func (p Participation) Clone() Participation {
	p.StartTime = cloneTime(p.StartTime)
	p.EndTime = cloneTime(p.EndTime)
	p.SettledAt = cloneTime(p.SettledAt)
	return p
}
