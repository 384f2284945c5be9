package metrics

import (
	"errors"

	"github.com/kilianp07/vpp/core/events"
)

// MultiSink fans events out to several sinks. Every sink is attempted; the
// returned error joins the individual failures.
type MultiSink struct {
	Sinks []Sink
}

// NewMultiSink creates a MultiSink with the provided sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{Sinks: sinks}
}

func (m *MultiSink) each(ev events.Event) error {
	var errs []error
	for _, s := range m.Sinks {
		if err := Record(s, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) RecordSample(ev events.Sample) error         { return m.each(ev) }
func (m *MultiSink) RecordTransition(ev events.Transition) error { return m.each(ev) }
func (m *MultiSink) RecordCommand(ev events.Command) error       { return m.each(ev) }
func (m *MultiSink) RecordFallback(ev events.Fallback) error     { return m.each(ev) }
func (m *MultiSink) RecordSettlement(ev events.Settlement) error { return m.each(ev) }
