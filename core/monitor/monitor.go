// Package monitor samples the live delivery of participating sites and
// records it as append-only metrics. It also fires a plan's fallback when too
// much of the allocated capacity goes offline.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/kilianp07/vpp/core/allocation"
	"github.com/kilianp07/vpp/core/devices"
	"github.com/kilianp07/vpp/core/events"
	"github.com/kilianp07/vpp/core/logger"
	"github.com/kilianp07/vpp/core/model"
	"github.com/kilianp07/vpp/core/monitoring"
	"github.com/kilianp07/vpp/core/registry"
)

// Monitor is the ParticipationMonitor.
type Monitor struct {
	reg    registry.Repository
	dir    devices.Directory
	events events.Publisher
	mon    monitoring.Monitor
	log    logger.Logger
	now    func() time.Time
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock overrides the sample timestamp source.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithEvents publishes Sample and Fallback events.
func WithEvents(p events.Publisher) Option { return func(m *Monitor) { m.events = events.OrNop(p) } }

// WithMonitor reports per-participation failures.
func WithMonitor(mon monitoring.Monitor) Option {
	return func(m *Monitor) { m.mon = monitoring.OrNop(mon) }
}

// New returns a Monitor.
func New(reg registry.Repository, dir devices.Directory, log logger.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		reg:    reg,
		dir:    dir,
		events: events.Nop{},
		mon:    monitoring.NopMonitor{},
		log:    logger.OrNop(log),
		now:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run samples every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick samples every participating participation. Failures are isolated per
// participation. It returns the number of samples appended.
func (m *Monitor) Tick(ctx context.Context) int {
	n := 0
	for _, p := range m.reg.ParticipationsByStatus(model.ParticipationParticipating) {
		if ctx.Err() != nil {
			return n
		}
		tags := map[string]string{"component": "monitor", "participation": fmt.Sprint(p.ID)}
		err := monitoring.Guard(m.mon, tags, func() error {
			_, err := m.Sample(ctx, p.ID)
			return err
		})
		switch {
		case err == nil:
			n++
		case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrInvalidInput):
			// finished between listing and sampling
		default:
			m.log.Errorf("monitor: participation %d: %v", p.ID, err)
			m.mon.CaptureException(err, tags)
		}
	}
	return n
}

// reading is the resolved state of one allocation.
type reading struct {
	alloc  model.ResourceAllocation
	dev    devices.Device
	online bool
}

// Sample records one Metrics entry for a participating participation.
func (m *Monitor) Sample(ctx context.Context, participationID int64) (model.Metrics, error) {
	part, err := m.reg.Participation(participationID)
	if err != nil {
		return model.Metrics{}, err
	}
	if part.Status != model.ParticipationParticipating {
		return model.Metrics{}, model.Invalid("participation %d is %s", part.ID, part.Status)
	}
	plan, err := m.reg.PlanByParticipation(part.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return model.Metrics{}, err
	}

	readings := make([]reading, 0, len(plan.Allocations))
	for _, a := range plan.Allocations {
		r := reading{alloc: a}
		dev, err := m.dir.Resolve(ctx, a.ResourceID)
		if err != nil {
			m.log.Warnf("monitor: participation %d: resolve %s: %v", part.ID, a.ResourceID, err)
		} else {
			r.dev = dev
			r.online = dev.Online() && a.State != model.AllocationFailed
		}
		readings = append(readings, r)
	}

	target := plan.TotalTargetKW()
	if plan.FallbackTriggered {
		target = plan.EffectiveCapacityKW
	}
	rec := model.Metrics{
		ParticipationID: part.ID,
		Timestamp:       m.now(),
		Aggregate:       aggregate(readings, target),
		Resources:       make([]model.ResourceSample, len(readings)),
	}
	for i, r := range readings {
		actual := 0.0
		if r.online {
			actual = r.dev.Capability.DeliveredKW
		}
		rec.Resources[i] = model.ResourceSample{
			ResourceID:   r.alloc.ResourceID,
			ResourceType: r.alloc.ResourceType,
			TargetKW:     r.alloc.TargetCapacityKW,
			ActualKW:     actual,
			Online:       r.online,
		}
	}
	stored, err := m.reg.AppendMetrics(rec)
	if err != nil {
		return model.Metrics{}, err
	}
	ev, _ := m.reg.Event(part.EventID)
	m.events.Publish(events.Sample{EventID: part.EventID, SiteID: part.SiteID, Metrics: stored})

	if plan.ID != 0 && !plan.FallbackTriggered {
		m.checkFallback(plan, readings, part, ev)
	}
	return stored, nil
}

func aggregate(readings []reading, target float64) model.AggregateSample {
	var (
		actual    []float64
		freq, vol []float64
		active    int
	)
	for _, r := range readings {
		if !r.online {
			continue
		}
		active++
		actual = append(actual, r.dev.Capability.DeliveredKW)
		if f := r.dev.Capability.GridFrequencyHz; f > 0 {
			freq = append(freq, f)
		}
		if v := r.dev.Capability.GridVoltageV; v > 0 {
			vol = append(vol, v)
		}
	}
	agg := model.AggregateSample{
		TargetCapacityKW: target,
		ActualCapacityKW: floats.Sum(actual),
		ActiveResources:  active,
		TotalResources:   len(readings),
	}
	agg.DeviationKW = agg.ActualCapacityKW - target
	if target != 0 {
		agg.DeviationPercentage = agg.DeviationKW / target * 100
	}
	if len(freq) > 0 {
		agg.GridFrequencyHz = stat.Mean(freq, nil)
	}
	if len(vol) > 0 {
		agg.GridVoltageV = stat.Mean(vol, nil)
	}
	return agg
}

// checkFallback triggers the plan's fallback once when the capacity of
// online allocations drops below the configured threshold.
func (m *Monitor) checkFallback(plan model.ResponsePlan, readings []reading, part model.Participation, ev model.Event) {
	var onlineKW float64
	for _, r := range readings {
		if r.online {
			onlineKW += r.alloc.TargetCapacityKW
		}
	}
	d := allocation.EvaluateFallback(plan, onlineKW)
	if !d.Triggered {
		return
	}
	fired := false
	_, err := m.reg.UpdatePlan(plan.ID, func(p *model.ResponsePlan) error {
		if p.FallbackTriggered {
			return nil
		}
		p.FallbackTriggered = true
		p.EffectiveCapacityKW = d.EffectiveKW
		fired = true
		return nil
	})
	if err != nil {
		m.log.Errorf("monitor: trigger fallback for plan %d: %v", plan.ID, err)
		return
	}
	if !fired {
		return
	}
	m.log.Warnf("monitor: participation %d fallback %s: %.1f%% available, effective %.2f kW",
		part.ID, d.Action, d.AvailablePct, d.EffectiveKW)
	m.events.Publish(events.Fallback{
		ParticipationID: part.ID,
		EventID:         ev.ID,
		SiteID:          part.SiteID,
		AvailablePct:    d.AvailablePct,
		TargetKW:        plan.TotalTargetKW(),
		EffectiveKW:     d.EffectiveKW,
		Reason:          "resources offline",
		Time:            m.now(),
	})
}
