// Package accumulator folds wall-clock intervals into per-machine active and
// stopped totals.
package accumulator

import (
	"time"

	"github.com/rnp-monitoreo/backend/internal/models"
)

// Fold describes what one Advance call did.
type Fold struct {
	From  models.MachineState
	To    models.MachineState
	Delta time.Duration // elapsed time attributed to From (zero for idle/error or clamped)
	Start time.Time     // when From began
}

// Accumulator tracks the seconds a machine spent running and stopped.
// Idle and error intervals are not counted. It is not safe for concurrent use;
// the reconciler serializes access per machine.
type Accumulator struct {
	MachineID        int
	ActiveSeconds    float64
	StoppedSeconds   float64
	LastTransitionAt time.Time
	CurrentState     models.MachineState

	stateSince time.Time
}

// New returns an accumulator in the idle state starting at now.
func New(machineID int, now time.Time) *Accumulator {
	return &Accumulator{
		MachineID:        machineID,
		LastTransitionAt: now,
		CurrentState:     models.StateIdle,
		stateSince:       now,
	}
}

// Advance attributes the time since the last call to the previous state, then
// records newState as current. Time going backwards counts as zero.
func (a *Accumulator) Advance(newState models.MachineState, now time.Time) Fold {
	delta := now.Sub(a.LastTransitionAt)
	if delta < 0 {
		delta = 0
	}

	switch a.CurrentState {
	case models.StateRunning:
		a.ActiveSeconds += delta.Seconds()
	case models.StateStopped:
		a.StoppedSeconds += delta.Seconds()
	default:
		delta = 0
	}

	fold := Fold{From: a.CurrentState, To: newState, Delta: delta, Start: a.stateSince}

	if newState != a.CurrentState {
		a.stateSince = now
	}
	a.LastTransitionAt = now
	a.CurrentState = newState
	return fold
}

// Reset zeroes the totals and restarts in the idle state at now.
func (a *Accumulator) Reset(now time.Time) {
	*a = *New(a.MachineID, now)
}

// StateSince returns when the current state began.
func (a *Accumulator) StateSince() time.Time {
	return a.stateSince
}

// Timers returns the totals in their live-view shape.
func (a *Accumulator) Timers() models.Timers {
	return models.Timers{Active: a.ActiveSeconds, Stopped: a.StoppedSeconds}
}
