package config

import (
	"fmt"
	"time"
)

// SchedulerConfig tunes the two control loops and the notification lead.
type SchedulerConfig struct {
	TickSeconds             int `json:"tick_seconds"`
	MonitorSeconds          int `json:"monitor_seconds"`
	NotificationLeadMinutes int `json:"notification_lead_minutes"`
}

// SetDefaults applies a 60s scheduler tick, 30s monitoring and a 30 minute lead.
func (c *SchedulerConfig) SetDefaults() {
	if c.TickSeconds == 0 {
		c.TickSeconds = 60
	}
	if c.MonitorSeconds == 0 {
		c.MonitorSeconds = 30
	}
	if c.NotificationLeadMinutes == 0 {
		c.NotificationLeadMinutes = 30
	}
}

func (c SchedulerConfig) Validate() error {
	if c.TickSeconds < 0 || c.MonitorSeconds < 0 || c.NotificationLeadMinutes < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	return nil
}

func (c SchedulerConfig) Tick() time.Duration { return time.Duration(c.TickSeconds) * time.Second }

func (c SchedulerConfig) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorSeconds) * time.Second
}

func (c SchedulerConfig) Lead() time.Duration {
	return time.Duration(c.NotificationLeadMinutes) * time.Minute
}
