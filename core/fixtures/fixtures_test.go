package fixtures

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/vpp/core/allocation"
	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/devices"
	"github.com/kilianp07/vpp/core/engine"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/notify"
	"github.com/kilianp07/vpp/core/registry"
	"github.com/kilianp07/vpp/core/scheduler"
)

func TestDemoIsValid(t *testing.T) {
	fx, err := Load(DemoName)
	require.NoError(t, err)
	assert.Equal(t, "demo", fx.Name)
	require.NoError(t, fx.Validate())
	assert.Equal(t, 4*time.Hour, fx.Programs[0].MaxEventDuration)
	assert.Equal(t, 30.0, fx.Devices[0].Capability.MaxDischargeKW)
}

func TestSeedDemo(t *testing.T) {
	now := time.Date(2025, 6, 1, 17, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg := registry.NewMemoryRegistry()
	reg.SetClock(clock)
	dir := devices.NewMemoryDirectory()
	b := bus.NewMemoryBus()
	planner := allocation.New(dir, nil)
	eng, err := engine.New(engine.Deps{
		Registry:  reg,
		Planner:   planner,
		Notifier:  notify.New(reg, planner, b, nil, notify.WithClock(clock)),
		Canceller: scheduler.New(scheduler.Deps{Registry: reg, Bus: b, Clock: clock}),
		Clock:     clock,
	})
	require.NoError(t, err)

	fx, err := Load(DemoName)
	require.NoError(t, err)
	res, err := Seed(context.Background(), eng, dir, fx, now)
	require.NoError(t, err)
	assert.Len(t, res.Programs, 2)
	assert.Equal(t, 4, res.Devices)
	assert.Equal(t, 3, res.Enrollments)
	require.Len(t, res.Events, 2)

	peak, err := reg.Event(res.Events[0])
	require.NoError(t, err)
	assert.Equal(t, now.Add(2*time.Minute), peak.StartTime)
	assert.ElementsMatch(t, []int64{1, 3}, peak.ParticipatingSites)

	part, err := reg.ParticipationByEventSite(peak.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ParticipationAccepted, part.Status)
	plan, err := reg.PlanByParticipation(part.ID)
	require.NoError(t, err)
	assert.InDelta(t, 39.6, plan.TotalTargetKW(), 1e-9)
	assert.InDelta(t, 0.4, plan.UnallocatedKW, 1e-9)

	assert.Len(t, b.Messages(bus.NotificationTopic(2)), 1)
}

func TestDecodeJSON(t *testing.T) {
	fx, err := Decode(strings.NewReader(`{"name":"j","programs":[{"key":"p","name":"P","type":"peak_shaving"}],"events":[{"program":"p","duration":3600000000000,"direction":"decrease","capacity_kw":1}]}`), "json")
	require.NoError(t, err)
	require.NoError(t, fx.Validate())
	assert.Equal(t, time.Hour, fx.Events[0].Duration)

	_, err = Decode(strings.NewReader(`{"nope":1}`), "json")
	assert.Error(t, err)
	_, err = Decode(strings.NewReader(""), "toml")
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fx.yml")
	require.NoError(t, os.WriteFile(path, []byte("name: f\nprograms:\n  - key: a\n    name: A\n    type: demand_response\n"), 0o600))
	fx, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "A", fx.Programs[0].Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateReferences(t *testing.T) {
	base := func() Fixture {
		return Fixture{
			Programs:    []ProgramDef{{Key: "p"}},
			Devices:     []devices.Device{{ID: "b", Type: "battery", SiteID: 1}},
			Enrollments: []EnrollmentDef{{SiteID: 1, Program: "p", ResourceIDs: []string{"b"}}},
			Events:      []EventDef{{Program: "p", Duration: time.Hour}},
		}
	}
	require.NoError(t, base().Validate())

	cases := map[string]func(*Fixture){
		"repeated key":     func(f *Fixture) { f.Programs = append(f.Programs, ProgramDef{Key: "p"}) },
		"unknown type":     func(f *Fixture) { f.Devices[0].Type = "toaster" },
		"repeated device":  func(f *Fixture) { f.Devices = append(f.Devices, f.Devices[0]) },
		"unknown program":  func(f *Fixture) { f.Enrollments[0].Program = "q" },
		"foreign device":   func(f *Fixture) { f.Enrollments[0].SiteID = 2 },
		"missing device":   func(f *Fixture) { f.Enrollments[0].ResourceIDs = []string{"x"} },
		"empty event":      func(f *Fixture) { f.Events[0].Duration = 0 },
		"event no program": func(f *Fixture) { f.Events[0].Program = "" },
	}
	for name, mutate := range cases {
		fx := base()
		mutate(&fx)
		assert.Error(t, fx.Validate(), name)
	}
}
