package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced id does not resolve.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert would break a uniqueness invariant.
	ErrDuplicate = errors.New("duplicate entity")
	// ErrInvalidInput is returned for requests failing validation.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition is returned when a status change violates the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrOutOfOrder is returned when a metrics record is older than the latest one.
	ErrOutOfOrder = errors.New("metrics record out of order")
	// ErrDownstreamUnavailable marks failures of the device directory or message bus.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
)

// TransitionError describes a rejected status change. From == To means the
// entity was already in the requested state.
type TransitionError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	if e.From == e.To {
		return fmt.Sprintf("%s %d already %s", e.Entity, e.ID, e.To)
	}
	return fmt.Sprintf("%s %d: %s -> %s not allowed", e.Entity, e.ID, e.From, e.To)
}

// Unwrap allows errors.Is(err, ErrInvalidTransition).
func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// AlreadyInState reports whether the rejected transition targeted the current state.
func (e *TransitionError) AlreadyInState() bool { return e.From == e.To }

// NotFound wraps ErrNotFound with the entity name and id.
func NotFound(entity string, id any) error {
	return fmt.Errorf("%s %v: %w", entity, id, ErrNotFound)
}

// Invalid wraps ErrInvalidInput with a message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}
