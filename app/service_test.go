package app

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/vpp/config"
	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/engine"
	"github.com/kilianp07/vpp/core/factory"
	"github.com/kilianp07/vpp/core/fixtures"
	"github.com/kilianp07/vpp/core/ledger"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/monitoring"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T, cfg *config.Config, opts ...Option) (*Service, *bus.MemoryBus, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2025, 6, 2, 17, 0, 0, 0, time.UTC)}
	b := bus.NewMemoryBus()
	opts = append([]Option{WithBus(b), WithClock(clk.Now), WithMonitor(monitoring.NopMonitor{})}, opts...)
	svc, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc, b, clk
}

func TestServiceRunsDemoLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger = config.LedgerConfig{Backend: ledger.BackendJSONL, Path: filepath.Join(t.TempDir(), "ledger.jsonl")}
	svc, b, clk := newService(t, cfg)
	ctx := context.Background()

	fx, err := fixtures.Load(fixtures.DemoName)
	require.NoError(t, err)
	res, err := svc.Seed(ctx, fx)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	drEvent := res.Events[0]

	assert.Len(t, b.Messages("vpp/sites/{s}/events/{e}/auto_enrolled"), 2)
	assert.Len(t, b.Messages("vpp/sites/{s}/events/notification"), 1)

	clk.Advance(3 * time.Minute)
	tick := svc.Scheduler.Tick(ctx)
	assert.Equal(t, []int64{drEvent}, tick.Started)
	assert.NotEmpty(t, b.Messages("devices/site1-battery/commands/request"))

	assert.Positive(t, svc.Monitor.Tick(ctx))

	clk.Advance(30 * time.Minute)
	tick = svc.Scheduler.Tick(ctx)
	assert.Equal(t, []int64{drEvent}, tick.Completed)

	ev, err := svc.Engine.Event(drEvent)
	require.NoError(t, err)
	assert.Equal(t, model.EventCompleted, ev.Status)

	entries, err := svc.Engine.Settlements(ctx, ledger.Query{SiteID: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Compensation.IsPositive())
}

func TestServiceInboundOverBus(t *testing.T) {
	svc, b, clk := newService(t, config.Default())
	ctx := context.Background()
	prog, err := svc.Engine.CreateProgram(model.Program{Name: "dr", Type: model.ProgramDemandResponse,
		ParticipationMode: model.ModeManual, CompensationRate: 0.3, Currency: "EUR"})
	require.NoError(t, err)
	_, err = svc.Engine.CreateEnrollment(model.Enrollment{SiteID: 5, ProgramID: prog.ID, CapacityKW: 20})
	require.NoError(t, err)

	start := clk.Now().Add(2 * time.Hour)
	require.NoError(t, b.Publish(ctx, bus.ExternalEventTopic(prog.ID), bus.ExternalEvent{
		ExternalID: "ext-1", Name: "tso", StartTime: start, EndTime: start.Add(time.Hour),
		Direction: "decrease", CapacityKW: 15,
	}))
	evs := svc.Engine.Events(engine.EventFilter{ProgramID: prog.ID})
	require.Len(t, evs, 1)
	assert.Equal(t, model.SourceExternal, evs[0].Source)

	require.NoError(t, b.Publish(ctx, bus.SiteResponseTopic(evs[0].ID, 5), bus.SiteResponse{Action: bus.ResponseAccept}))
	part, err := svc.Registry.ParticipationByEventSite(evs[0].ID, 5)
	require.NoError(t, err)
	assert.Equal(t, model.ParticipationAccepted, part.Status)
	assert.Equal(t, 15.0, part.AcceptedCapacityKW)
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.StaleSeconds = 60
	svc, _, _ := newService(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServiceExportsTelemetryMetrics(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.Enabled = true
	reg := prometheus.NewRegistry()
	svc, b, _ := newService(t, cfg, WithPrometheus(reg))

	require.NoError(t, b.Publish(context.Background(), "devices/pv-9/state",
		[]byte(`{"status":"online","type":"pv_inverter","site_id":9,"current_power_kw":4}`)))
	dev, err := svc.Directory.Resolve(context.Background(), "pv-9")
	require.NoError(t, err)
	assert.Equal(t, int64(9), dev.SiteID)

	n, err := testutil.GatherAndCount(reg, "vpp_telemetry_messages_total", "vpp_telemetry_last_collect_timestamp_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewRejectsUnknownSink(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Sinks = append(cfg.Metrics.Sinks, factory.ModuleConfig{Type: "graphite"})
	_, err := New(cfg, WithBus(bus.NewMemoryBus()), WithMonitor(monitoring.NopMonitor{}))
	assert.Error(t, err)
}
