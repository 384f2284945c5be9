package model

import "time"

// AggregateSample summarises a participation's delivery at one instant.
type AggregateSample struct {
	TargetCapacityKW    float64 `json:"target_capacity_kw"`
	ActualCapacityKW    float64 `json:"actual_capacity_kw"`
	DeviationKW         float64 `json:"deviation_kw"`
	DeviationPercentage float64 `json:"deviation_percentage"`
	ActiveResources     int     `json:"active_resources"`
	TotalResources      int     `json:"total_resources"`
	GridFrequencyHz     float64 `json:"grid_frequency_hz,omitempty"`
	GridVoltageV        float64 `json:"grid_voltage_v,omitempty"`
}

// ResourceSample is the per-resource breakdown of a metrics record.
type ResourceSample struct {
	ResourceID   string       `json:"resource_id"`
	ResourceType ResourceType `json:"resource_type"`
	TargetKW     float64      `json:"target_kw"`
	ActualKW     float64      `json:"actual_kw"`
	Online       bool         `json:"online"`
}

// Metrics is one append-only sample for a participation.
type Metrics struct {
	ID              int64            `json:"id"`
	ParticipationID int64            `json:"participation_id"`
	Timestamp       time.Time        `json:"timestamp"`
	Aggregate       AggregateSample  `json:"aggregate"`
	Resources       []ResourceSample `json:"resources"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Clone returns a deep copy.
func (m Metrics) Clone() Metrics {
	m.Resources = append([]ResourceSample(nil), m.Resources...)
	return m
}
