// Package metrics defines the sinks recording engine lifecycle events for
// observability. A Sink records metrics samples; richer sinks implement the
// optional recorder interfaces. Sinks are built from configuration through
// the factory registry, and several sinks are combined with NewMultiSink.
package metrics
