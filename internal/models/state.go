package models

import "time"

// MachineState is the canonical operating mode derived from a snapshot.
type MachineState string

const (
	StateRunning MachineState = "running"
	StateStopped MachineState = "stopped"
	StateIdle    MachineState = "idle"
	StateError   MachineState = "error"
)

// Valid reports whether s is one of the four canonical states.
func (s MachineState) Valid() bool {
	switch s {
	case StateRunning, StateStopped, StateIdle, StateError:
		return true
	}
	return false
}

// EventKind distinguishes a state change from a same-state timer tick.
type EventKind string

const (
	EventTransition EventKind = "transition"
	EventTick       EventKind = "tick"
)

// StateTransitionEvent is emitted for every reconciled snapshot. Kind is
// EventTransition when ToState differs from FromState, EventTick otherwise.
type StateTransitionEvent struct {
	Kind                      EventKind    `json:"kind"`
	MachineID                 int          `json:"machineId"`
	FromState                 MachineState `json:"fromState"`
	ToState                   MachineState `json:"toState"`
	Timestamp                 time.Time    `json:"timestamp"`
	AccumulatedActiveSeconds  float64      `json:"accumulatedActiveSeconds"`
	AccumulatedStoppedSeconds float64      `json:"accumulatedStoppedSeconds"`
}

// IsTransition reports whether the event marks a state change.
func (e StateTransitionEvent) IsTransition() bool {
	return e.Kind == EventTransition
}
