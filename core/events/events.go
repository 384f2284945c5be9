package events

import (
	"time"

	"github.com/kilianp07/vpp/core/model"
)

// Event is implemented by every lifecycle event.
type Event interface {
	Kind() string
}

// Publisher accepts lifecycle events. Publishing never blocks the caller.
type Publisher interface {
	Publish(Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Transition is emitted after a status change was committed.
type Transition struct {
	Entity  string
	ID      int64
	EventID int64
	SiteID  int64
	From    string
	To      string
	Time    time.Time
}

func (Transition) Kind() string { return "transition" }

// Command is emitted for each device command attempt.
type Command struct {
	CommandID       string
	ResourceID      string
	Action          string
	ParticipationID int64
	EventID         int64
	PowerKW         float64
	Err             error
	Time            time.Time
}

func (Command) Kind() string { return "command" }

// Sample is emitted after a metrics record was appended.
type Sample struct {
	EventID int64
	SiteID  int64
	Metrics model.Metrics
}

func (Sample) Kind() string { return "sample" }

// Fallback is emitted when a plan's fallback rule triggers.
type Fallback struct {
	ParticipationID int64
	EventID         int64
	SiteID          int64
	AvailablePct    float64
	TargetKW        float64
	EffectiveKW     float64
	Reason          string
	Time            time.Time
}

func (Fallback) Kind() string { return "fallback" }

// Settlement is emitted once per settled participation.
type Settlement struct {
	ParticipationID  int64
	EventID          int64
	ProgramID        int64
	SiteID           int64
	AcceptedKW       float64
	ActualResponseKW float64
	Performance      float64
	Compensation     float64
	Currency         string
	Time             time.Time
}

func (Settlement) Kind() string { return "settlement" }
