// Package fixtures loads development data sets (programs, devices,
// enrollments and events) from YAML or JSON and seeds them into an engine.
// Fixtures are only used by the CLI --seed flag and by tests.
package fixtures

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/vpp/core/devices"
	"github.com/kilianp07/vpp/core/model"
)

// DemoName selects the embedded demo data set.
const DemoName = "demo"

//go:embed demo.yaml
var demo []byte

// ProgramDef describes a program. Key is used by enrollments and events to
// reference it.
type ProgramDef struct {
	Key               string        `yaml:"key" json:"key"`
	Name              string        `yaml:"name" json:"name"`
	Provider          string        `yaml:"provider" json:"provider"`
	Type              string        `yaml:"type" json:"type"`
	MinCapacityKW     float64       `yaml:"min_capacity_kw" json:"min_capacity_kw"`
	MaxCapacityKW     float64       `yaml:"max_capacity_kw" json:"max_capacity_kw"`
	CompensationRate  float64       `yaml:"compensation_rate" json:"compensation_rate"`
	Currency          string        `yaml:"currency" json:"currency"`
	ParticipationMode string        `yaml:"participation_mode" json:"participation_mode"`
	EligibleTypes     []string      `yaml:"eligible_resource_types" json:"eligible_resource_types"`
	ActiveHours       *HoursDef     `yaml:"active_hours,omitempty" json:"active_hours,omitempty"`
	MinResponseTime   time.Duration `yaml:"min_response_time" json:"min_response_time"`
	MaxEventDuration  time.Duration `yaml:"max_event_duration" json:"max_event_duration"`
	CooldownPeriod    time.Duration `yaml:"cooldown_period" json:"cooldown_period"`
}

// HoursDef is a daily UTC window.
type HoursDef struct {
	Start int `yaml:"start" json:"start"`
	End   int `yaml:"end" json:"end"`
}

// ToModel converts the definition.
func (p ProgramDef) ToModel() model.Program {
	prog := model.Program{
		Name:              p.Name,
		Provider:          p.Provider,
		Type:              model.ProgramType(p.Type),
		MinCapacityKW:     p.MinCapacityKW,
		MaxCapacityKW:     p.MaxCapacityKW,
		CompensationRate:  p.CompensationRate,
		Currency:          p.Currency,
		ParticipationMode: model.ParticipationMode(p.ParticipationMode),
		MinResponseTime:   p.MinResponseTime,
		MaxEventDuration:  p.MaxEventDuration,
		CooldownPeriod:    p.CooldownPeriod,
	}
	for _, t := range p.EligibleTypes {
		prog.EligibleResourceTypes = append(prog.EligibleResourceTypes, model.ResourceType(t))
	}
	if p.ActiveHours != nil {
		prog.ActiveHours = &model.HoursWindow{StartHour: p.ActiveHours.Start, EndHour: p.ActiveHours.End}
	}
	return prog
}

// EnrollmentDef enrolls a site in a program.
type EnrollmentDef struct {
	SiteID            int64    `yaml:"site_id" json:"site_id"`
	Program           string   `yaml:"program" json:"program"`
	CapacityKW        float64  `yaml:"capacity_kw" json:"capacity_kw"`
	ParticipationMode string   `yaml:"participation_mode" json:"participation_mode"`
	AutoAccept        bool     `yaml:"auto_accept_events" json:"auto_accept_events"`
	ResourceIDs       []string `yaml:"resource_ids" json:"resource_ids"`
}

// EventDef schedules an event relative to the seeding time.
type EventDef struct {
	Program          string        `yaml:"program" json:"program"`
	Name             string        `yaml:"name" json:"name"`
	StartIn          time.Duration `yaml:"start_in" json:"start_in"`
	Duration         time.Duration `yaml:"duration" json:"duration"`
	Direction        string        `yaml:"direction" json:"direction"`
	CapacityKW       float64       `yaml:"capacity_kw" json:"capacity_kw"`
	CompensationRate *float64      `yaml:"compensation_rate,omitempty" json:"compensation_rate,omitempty"`
}

// ToModel converts the definition for a program id, anchored at now.
func (e EventDef) ToModel(programID int64, now time.Time) model.Event {
	start := now.Add(e.StartIn)
	return model.Event{
		ProgramID:           programID,
		Name:                e.Name,
		StartTime:           start,
		EndTime:             start.Add(e.Duration),
		Direction:           model.Direction(e.Direction),
		RequestedCapacityKW: e.CapacityKW,
		CompensationRate:    e.CompensationRate,
	}
}

// Fixture is a complete data set.
type Fixture struct {
	Name        string           `yaml:"name" json:"name"`
	Programs    []ProgramDef     `yaml:"programs" json:"programs"`
	Devices     []devices.Device `yaml:"devices" json:"devices"`
	Enrollments []EnrollmentDef  `yaml:"enrollments" json:"enrollments"`
	Events      []EventDef       `yaml:"events" json:"events"`
}

// Load reads a fixture from a JSON or YAML file. DemoName returns the
// embedded demo set.
func Load(path string) (Fixture, error) {
	if path == DemoName {
		return Decode(bytes.NewReader(demo), "yaml")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Fixture{}, err
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	return Decode(bytes.NewReader(b), ext)
}

// Decode reads a fixture from r in the given format (yaml, yml or json).
func Decode(r io.Reader, format string) (Fixture, error) {
	var fx Fixture
	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&fx); err != nil {
			return fx, fmt.Errorf("decode fixture: %w", err)
		}
	case "json":
		dec := json.NewDecoder(r)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&fx); err != nil {
			return fx, fmt.Errorf("decode fixture: %w", err)
		}
	default:
		return fx, fmt.Errorf("unsupported fixture format: %s", format)
	}
	return fx, nil
}

// Validate checks references and basic ranges without touching an engine.
func (fx Fixture) Validate() error {
	keys := make(map[string]bool, len(fx.Programs))
	for i, p := range fx.Programs {
		if p.Key == "" || keys[p.Key] {
			return fmt.Errorf("programs[%d]: key %q empty or repeated", i, p.Key)
		}
		keys[p.Key] = true
	}
	devs := make(map[string]int64, len(fx.Devices))
	for i, d := range fx.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: empty id", i)
		}
		if _, dup := devs[d.ID]; dup {
			return fmt.Errorf("devices[%d]: repeated id %q", i, d.ID)
		}
		if _, ok := devices.ResourceTypeOf(d.Type); !ok {
			return fmt.Errorf("device %s: unknown type %q", d.ID, d.Type)
		}
		devs[d.ID] = d.SiteID
	}
	for i, e := range fx.Enrollments {
		if !keys[e.Program] {
			return fmt.Errorf("enrollments[%d]: unknown program %q", i, e.Program)
		}
		for _, id := range e.ResourceIDs {
			site, ok := devs[id]
			if !ok {
				return fmt.Errorf("enrollments[%d]: unknown device %q", i, id)
			}
			if site != e.SiteID {
				return fmt.Errorf("enrollments[%d]: device %s belongs to site %d", i, id, site)
			}
		}
	}
	for i, e := range fx.Events {
		if !keys[e.Program] {
			return fmt.Errorf("events[%d]: unknown program %q", i, e.Program)
		}
		if e.Duration <= 0 {
			return fmt.Errorf("events[%d]: duration must be positive", i)
		}
	}
	return nil
}
