// Package model defines the entities handled by the orchestration engine:
// programs, enrollments, events, participations, response plans and metrics
// samples, together with their status machines and the sentinel errors
// shared by every core package.
//
// Status changes go through Event.Transition and Participation.Transition,
// which return a *TransitionError instead of silently ignoring an illegal
// change.
package model
