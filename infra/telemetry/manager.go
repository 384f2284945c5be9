// Package telemetry keeps the device directory current from the state
// messages devices publish on devices/{resourceId}/state.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/vpp/config"
	"github.com/kilianp07/vpp/core/bus"
	"github.com/kilianp07/vpp/core/devices"
	"github.com/kilianp07/vpp/core/logger"
	"github.com/kilianp07/vpp/core/monitoring"
)

// Store is the writable side of the device directory.
type Store interface {
	Set(dev devices.Device)
	Update(id string, fn func(*devices.Device)) error
	List(site int64) []devices.Device
}

var _ Store = (*devices.MemoryDirectory)(nil)

// Manager applies device state messages to a Store and marks silent devices
// offline.
type Manager struct {
	cfg   config.TelemetryConfig
	bus   bus.MessageBus
	store Store
	log   logger.Logger
	mon   monitoring.Monitor
	now   func() time.Time

	received    *prometheus.CounterVec
	stale       prometheus.Counter
	lastCollect prometheus.Gauge
}

// StatePayload is the message a device publishes on its state topic. Fields
// left out keep their previous value.
type StatePayload struct {
	Status          devices.Status `json:"status,omitempty"`
	Type            string         `json:"type,omitempty"`
	SiteID          int64          `json:"site_id,omitempty"`
	SoC             *float64       `json:"soc,omitempty"`
	CurrentPowerKW  *float64       `json:"current_power_kw,omitempty"`
	DeliveredKW     *float64       `json:"delivered_kw,omitempty"`
	MaxChargeKW     *float64       `json:"max_charge_kw,omitempty"`
	MaxDischargeKW  *float64       `json:"max_discharge_kw,omitempty"`
	GridFrequencyHz *float64       `json:"grid_frequency_hz,omitempty"`
	GridVoltageV    *float64       `json:"grid_voltage_v,omitempty"`
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock overrides the time source used by the staleness sweep.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithRegisterer registers the manager collectors on reg. Collectors already
// registered by an earlier manager are reused.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		var err error
		if m.received, err = register(reg, m.received); err != nil {
			m.log.Warnf("telemetry: register messages counter: %v", err)
		}
		if m.stale, err = register(reg, m.stale); err != nil {
			m.log.Warnf("telemetry: register stale counter: %v", err)
		}
		if m.lastCollect, err = register(reg, m.lastCollect); err != nil {
			m.log.Warnf("telemetry: register last collect gauge: %v", err)
		}
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// NewManager prepares telemetry collection. Call Start to subscribe.
func NewManager(cfg config.TelemetryConfig, b bus.MessageBus, store Store, log logger.Logger, mon monitoring.Monitor, opts ...Option) *Manager {
	m := &Manager{
		cfg:   cfg,
		bus:   b,
		store: store,
		log:   logger.OrNop(log),
		mon:   monitoring.OrNop(mon),
		now:   time.Now,
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vpp_telemetry_messages_total",
			Help: "Device state messages received, by result",
		}, []string{"result"}),
		stale:       prometheus.NewCounter(prometheus.CounterOpts{Name: "vpp_telemetry_stale_devices_total", Help: "Devices marked offline after missing state updates"}),
		lastCollect: prometheus.NewGauge(prometheus.GaugeOpts{Name: "vpp_telemetry_last_collect_timestamp_seconds", Help: "Unix timestamp of the last applied state message"}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start subscribes to device state topics.
func (m *Manager) Start() error {
	if err := m.bus.Subscribe(bus.DeviceStatePattern, m.onState); err != nil {
		return fmt.Errorf("subscribe device state: %w", err)
	}
	return nil
}

// Run starts the staleness sweep and blocks until ctx is done. It returns
// immediately when staleness detection is disabled.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.StaleAfter() <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.Sweep())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) onState(_ context.Context, topic string, payload []byte, params map[string]string) {
	err := monitoring.Guard(m.mon, map[string]string{"module": "telemetry", "topic": topic}, func() error {
		return m.Apply(params["resourceId"], payload)
	})
	if err != nil {
		m.received.WithLabelValues("rejected").Inc()
		m.log.Warnf("device state on %s: %v", topic, err)
		return
	}
	m.received.WithLabelValues("applied").Inc()
	m.lastCollect.SetToCurrentTime()
}

// Apply decodes a state message for id and writes it to the store. Unknown
// devices are registered when the message carries their type and site.
func (m *Manager) Apply(id string, payload []byte) error {
	if id == "" {
		return errors.New("empty resource id")
	}
	var st StatePayload
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if st.Status != "" && st.Status != devices.StatusOnline && st.Status != devices.StatusOffline && st.Status != devices.StatusFault {
		return fmt.Errorf("unknown status %q", st.Status)
	}
	err := m.store.Update(id, func(d *devices.Device) {
		st.applyTo(d)
		d.UpdatedAt = m.now()
	})
	if !errors.Is(err, devices.ErrNotFound) {
		return err
	}
	if st.Type == "" || st.SiteID == 0 {
		return fmt.Errorf("%s: %w", id, devices.ErrNotFound)
	}
	if _, ok := devices.ResourceTypeOf(st.Type); !ok {
		return fmt.Errorf("%s: unsupported device type %q", id, st.Type)
	}
	dev := devices.Device{ID: id, Type: st.Type, SiteID: st.SiteID, Status: devices.StatusOnline}
	st.applyTo(&dev)
	dev.UpdatedAt = m.now()
	m.store.Set(dev)
	m.log.Infof("registered device %s (%s) on site %d", id, st.Type, st.SiteID)
	return nil
}

func (st StatePayload) applyTo(d *devices.Device) {
	if st.Status != "" {
		d.Status = st.Status
	} else if d.Status == devices.StatusOffline {
		d.Status = devices.StatusOnline
	}
	c := &d.Capability
	if st.SoC != nil {
		c.SoC = clamp(*st.SoC, 0, 100)
	}
	set(&c.CurrentPowerKW, st.CurrentPowerKW)
	set(&c.DeliveredKW, st.DeliveredKW)
	set(&c.MaxChargeKW, st.MaxChargeKW)
	set(&c.MaxDischargeKW, st.MaxDischargeKW)
	set(&c.GridFrequencyHz, st.GridFrequencyHz)
	set(&c.GridVoltageV, st.GridVoltageV)
}

func set(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Sweep marks online devices offline when their last update is older than
// the configured staleness window. It returns the number of devices changed.
func (m *Manager) Sweep() int {
	limit := m.cfg.StaleAfter()
	if limit <= 0 {
		return 0
	}
	now := m.now()
	stale := func(d devices.Device) bool { return d.Online() && now.Sub(d.UpdatedAt) > limit }
	n := 0
	for _, d := range m.store.List(0) {
		if !stale(d) {
			continue
		}
		var marked bool
		err := m.store.Update(d.ID, func(dev *devices.Device) {
			if stale(*dev) {
				dev.Status = devices.StatusOffline
				marked = true
			}
		})
		if err != nil || !marked {
			continue
		}
		m.stale.Inc()
		m.log.Warnf("device %s silent since %s, marked offline", d.ID, d.UpdatedAt.Format(time.RFC3339))
		n++
	}
	return n
}
