// Package events defines the lifecycle events emitted by the engine on the
// in-process event bus.
//
// Available event types:
//   - Transition: an event or participation changed status
//   - Command: an allocate or release command was published to a device
//   - Sample: the monitor appended a metrics record
//   - Fallback: a response plan's fallback rule fired
//   - Settlement: a participation was settled
package events
