package metrics

import (
	"github.com/kilianp07/vpp/core/events"
	"github.com/kilianp07/vpp/core/factory"
)

// Config lists the configured sinks and the Prometheus listen address.
type Config struct {
	Sinks      []factory.ModuleConfig `json:"sinks"`
	ListenAddr string                 `json:"listen_addr"`
}

// Sink records monitor samples.
type Sink interface {
	RecordSample(ev events.Sample) error
}

// TransitionRecorder records status changes.
type TransitionRecorder interface {
	RecordTransition(ev events.Transition) error
}

// CommandRecorder records device commands.
type CommandRecorder interface {
	RecordCommand(ev events.Command) error
}

// FallbackRecorder records fallback activations.
type FallbackRecorder interface {
	RecordFallback(ev events.Fallback) error
}

// SettlementRecorder records settlements.
type SettlementRecorder interface {
	RecordSettlement(ev events.Settlement) error
}

// NopSink implements every recorder with no-op methods.
type NopSink struct{}

func (NopSink) RecordSample(events.Sample) error         { return nil }
func (NopSink) RecordTransition(events.Transition) error { return nil }
func (NopSink) RecordCommand(events.Command) error       { return nil }
func (NopSink) RecordFallback(events.Fallback) error     { return nil }
func (NopSink) RecordSettlement(events.Settlement) error { return nil }

// Record routes ev to the matching recorder of sink. Events the sink cannot
// record are ignored.
func Record(sink Sink, ev events.Event) error {
	switch e := ev.(type) {
	case events.Sample:
		return sink.RecordSample(e)
	case events.Transition:
		if r, ok := sink.(TransitionRecorder); ok {
			return r.RecordTransition(e)
		}
	case events.Command:
		if r, ok := sink.(CommandRecorder); ok {
			return r.RecordCommand(e)
		}
	case events.Fallback:
		if r, ok := sink.(FallbackRecorder); ok {
			return r.RecordFallback(e)
		}
	case events.Settlement:
		if r, ok := sink.(SettlementRecorder); ok {
			return r.RecordSettlement(e)
		}
	}
	return nil
}
