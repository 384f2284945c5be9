// Package monitoring defines the error reporting contract used by the control
// loops. Failures that are logged and skipped are also captured here.
package monitoring

import (
	"fmt"
	"time"
)

// Monitor reports errors and panics to an external tracker.
type Monitor interface {
	CaptureException(err error, tags map[string]string)
	CapturePanic(v any, tags map[string]string)
	Flush(timeout time.Duration)
}

// NopMonitor drops every report.
type NopMonitor struct{}

func (NopMonitor) CaptureException(error, map[string]string) {}
func (NopMonitor) CapturePanic(any, map[string]string)       {}
func (NopMonitor) Flush(time.Duration)                       {}

// OrNop returns m, or NopMonitor when m is nil.
func OrNop(m Monitor) Monitor {
	if m == nil {
		return NopMonitor{}
	}
	return m
}

// Guard runs fn and converts a panic into an error reported to m. Control
// loops use it so one failing entity does not stop the tick.
func Guard(m Monitor, tags map[string]string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			OrNop(m).CapturePanic(r, tags)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
