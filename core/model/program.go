package model

import "time"

// ProgramType classifies the grid service a program buys.
type ProgramType string

const (
	ProgramDemandResponse      ProgramType = "demand_response"
	ProgramFrequencyRegulation ProgramType = "frequency_regulation"
	ProgramCapacityMarket      ProgramType = "capacity_market"
	ProgramPeakShaving         ProgramType = "peak_shaving"
	ProgramLoadShifting        ProgramType = "load_shifting"
)

// ParticipationMode tells whether events are accepted without site interaction.
type ParticipationMode string

const (
	ModeAutomatic ParticipationMode = "automatic"
	ModeManual    ParticipationMode = "manual"
)

// ResourceType is the controllable resource class a program may dispatch.
type ResourceType string

const (
	ResourceBattery      ResourceType = "battery"
	ResourceEVCharger    ResourceType = "ev_charger"
	ResourceGeneration   ResourceType = "generation"
	ResourceFlexibleLoad ResourceType = "flexible_load"
)

// HoursWindow is a daily window expressed in UTC hours, [StartHour, EndHour).
// A window with StartHour > EndHour wraps past midnight.
type HoursWindow struct {
	StartHour int `json:"start_hour" validate:"min=0,max=23"`
	EndHour   int `json:"end_hour" validate:"min=0,max=24"`
}

// Contains reports whether the [start, end) interval lies within the window
// for every hour it touches.
func (w HoursWindow) Contains(start, end time.Time) bool {
	for t := start.UTC().Truncate(time.Hour); t.Before(end); t = t.Add(time.Hour) {
		if !w.containsHour(t.Hour()) {
			return false
		}
	}
	return true
}

func (w HoursWindow) containsHour(h int) bool {
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

// Program is an external scheme compensating sites for adjusting power flow.
type Program struct {
	ID                    int64             `json:"id"`
	Name                  string            `json:"name" validate:"required"`
	Provider              string            `json:"provider"`
	Type                  ProgramType       `json:"type" validate:"required"`
	MinCapacityKW         float64           `json:"min_capacity_kw" validate:"gte=0"`
	MaxCapacityKW         float64           `json:"max_capacity_kw" validate:"gte=0"`
	CompensationRate      float64           `json:"compensation_rate" validate:"gte=0"`
	Currency              string            `json:"currency"`
	ParticipationMode     ParticipationMode `json:"participation_mode" validate:"oneof=automatic manual"`
	EligibleResourceTypes []ResourceType    `json:"eligible_resource_types"`
	ActiveHours           *HoursWindow      `json:"active_hours,omitempty"`
	MinResponseTime       time.Duration     `json:"min_response_time"`
	MaxEventDuration      time.Duration     `json:"max_event_duration"`
	CooldownPeriod        time.Duration     `json:"cooldown_period"`
	IsActive              bool              `json:"is_active"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Eligible reports whether the program accepts resources of type t. An empty
// eligible set accepts every resource type.
func (p Program) Eligible(t ResourceType) bool {
	if len(p.EligibleResourceTypes) == 0 {
		return true
	}
	for _, e := range p.EligibleResourceTypes {
		if e == t {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (p Program) Clone() Program {
	p.EligibleResourceTypes = append([]ResourceType(nil), p.EligibleResourceTypes...)
	if p.ActiveHours != nil {
		w := *p.ActiveHours
		p.ActiveHours = &w
	}
	return p
}

// EnrollmentStatus is the lifecycle state of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentActive     EnrollmentStatus = "active"
	EnrollmentSuspended  EnrollmentStatus = "suspended"
	EnrollmentTerminated EnrollmentStatus = "terminated"
)

// Enrollment is a site's standing commitment of capacity to a program.
type Enrollment struct {
	ID                int64             `json:"id"`
	SiteID            int64             `json:"site_id" validate:"gt=0"`
	ProgramID         int64             `json:"program_id" validate:"gt=0"`
	CapacityKW        float64           `json:"capacity_kw" validate:"gt=0"`
	ParticipationMode ParticipationMode `json:"participation_mode" validate:"oneof=automatic manual"`
	AutoAcceptEvents  bool              `json:"auto_accept_events"`
	ResourceIDs       []string          `json:"resource_ids"`
	Status            EnrollmentStatus  `json:"status" validate:"oneof=active suspended terminated"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// AutoAccepts reports whether events are accepted on the site's behalf.
func (e Enrollment) AutoAccepts() bool {
	return e.ParticipationMode == ModeAutomatic && e.AutoAcceptEvents
}

// Clone returns a deep copy.
func (e Enrollment) Clone() Enrollment {
	e.ResourceIDs = append([]string(nil), e.ResourceIDs...)
	return e
}
