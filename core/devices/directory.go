// Package devices defines the Device Directory consumed by the engine to
// resolve resource ids into type, status and capability information.
package devices

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kilianp07/vpp/core/model"
)

// ErrNotFound is returned when a resource id is unknown to the directory.
var ErrNotFound = errors.New("device not found")

// Status is the connectivity state reported by a device.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusFault   Status = "fault"
)

// Capability holds the electrical envelope and live readings of a device.
// Power is expressed in kW, state of charge in percent.
type Capability struct {
	MaxChargeKW    float64 `json:"max_charge_kw,omitempty" yaml:"max_charge_kw"`
	MaxDischargeKW float64 `json:"max_discharge_kw,omitempty" yaml:"max_discharge_kw"`
	SoC            float64 `json:"soc,omitempty" yaml:"soc"`
	MinSoC         float64 `json:"min_soc,omitempty" yaml:"min_soc"`
	MaxSoC         float64 `json:"max_soc,omitempty" yaml:"max_soc"`
	MinPowerKW     float64 `json:"min_power_kw,omitempty" yaml:"min_power_kw"`
	MaxPowerKW     float64 `json:"max_power_kw,omitempty" yaml:"max_power_kw"`
	RatedPowerKW   float64 `json:"rated_power_kw,omitempty" yaml:"rated_power_kw"`
	CurrentPowerKW float64 `json:"current_power_kw,omitempty" yaml:"current_power_kw"`
	// DeliveredKW is the flexibility currently delivered against the last command.
	DeliveredKW     float64 `json:"delivered_kw,omitempty" yaml:"delivered_kw"`
	GridFrequencyHz float64 `json:"grid_frequency_hz,omitempty" yaml:"grid_frequency_hz"`
	GridVoltageV    float64 `json:"grid_voltage_v,omitempty" yaml:"grid_voltage_v"`
}

// Device is a resolved resource.
type Device struct {
	ID         string     `json:"id" yaml:"id"`
	Type       string     `json:"type" yaml:"type"`
	SiteID     int64      `json:"site_id" yaml:"site_id"`
	Status     Status     `json:"status" yaml:"status"`
	Capability Capability `json:"capability" yaml:"capability"`
	UpdatedAt  time.Time  `json:"updated_at" yaml:"-"`
}

// Online reports whether the device can receive commands.
func (d Device) Online() bool { return d.Status == StatusOnline }

// ResourceType maps the device type onto a dispatchable resource type.
func (d Device) ResourceType() (model.ResourceType, bool) {
	return ResourceTypeOf(d.Type)
}

// ResourceTypeOf maps a device type string onto a resource type.
func ResourceTypeOf(deviceType string) (model.ResourceType, bool) {
	switch deviceType {
	case "battery", "home_battery", "bess":
		return model.ResourceBattery, true
	case "ev_charger", "evse":
		return model.ResourceEVCharger, true
	case "solar_inverter", "pv_inverter", "generator", "chp":
		return model.ResourceGeneration, true
	case "heat_pump", "hvac", "water_heater", "flexible_load":
		return model.ResourceFlexibleLoad, true
	default:
		return "", false
	}
}

// Directory resolves resource ids. Implementations may perform I/O.
type Directory interface {
	Resolve(ctx context.Context, resourceID string) (Device, error)
}

// MemoryDirectory is a thread-safe in-memory Directory.
type MemoryDirectory struct {
	mu      sync.RWMutex
	devices map[string]Device
	now     func() time.Time
}

// NewMemoryDirectory returns an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{devices: make(map[string]Device), now: time.Now}
}

// SetClock overrides the time source used to stamp devices inserted by Set.
func (d *MemoryDirectory) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	d.mu.Lock()
	d.now = now
	d.mu.Unlock()
}

// Resolve implements Directory.
func (d *MemoryDirectory) Resolve(_ context.Context, id string) (Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[id]
	if !ok {
		return Device{}, ErrNotFound
	}
	return dev, nil
}

// Set inserts or replaces a device.
func (d *MemoryDirectory) Set(dev Device) {
	d.mu.Lock()
	if dev.UpdatedAt.IsZero() {
		dev.UpdatedAt = d.now()
	}
	d.devices[dev.ID] = dev
	d.mu.Unlock()
}

// Update mutates a known device in place. It returns ErrNotFound for unknown
// ids. UpdatedAt is the time of the last state report and is only changed by
// fn.
func (d *MemoryDirectory) Update(id string, fn func(*Device)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[id]
	if !ok {
		return ErrNotFound
	}
	fn(&dev)
	dev.ID = id
	d.devices[id] = dev
	return nil
}

// SetStatus changes the connectivity state of a device.
func (d *MemoryDirectory) SetStatus(id string, st Status) error {
	return d.Update(id, func(dev *Device) { dev.Status = st })
}

// List returns every device of site, or all devices when site is 0.
func (d *MemoryDirectory) List(site int64) []Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	res := make([]Device, 0, len(d.devices))
	for _, dev := range d.devices {
		if site != 0 && dev.SiteID != site {
			continue
		}
		res = append(res, dev)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

var _ Directory = (*MemoryDirectory)(nil)
