package config

import (
	"fmt"
	"time"
)

// TelemetryConfig holds configuration for the device state feeder.
type TelemetryConfig struct {
	Enabled bool `json:"enabled"`
	// StaleSeconds marks a device offline when no state arrived for that long.
	// Zero disables the check.
	StaleSeconds int `json:"stale_seconds"`
	// SweepSeconds is the period of the staleness check.
	SweepSeconds int `json:"sweep_seconds"`
}

func (c *TelemetryConfig) SetDefaults() {
	if c.SweepSeconds == 0 {
		c.SweepSeconds = 10
	}
}

func (c TelemetryConfig) Validate() error {
	if c.StaleSeconds < 0 || c.SweepSeconds < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

func (c TelemetryConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleSeconds) * time.Second
}

func (c TelemetryConfig) Sweep() time.Duration {
	if c.SweepSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.SweepSeconds) * time.Second
}
