package accumulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rnp-monitoreo/backend/internal/models"
)

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

func TestNew(t *testing.T) {
	a := New(7, t0)

	assert.Equal(t, 7, a.MachineID)
	assert.Equal(t, models.StateIdle, a.CurrentState)
	assert.Equal(t, t0, a.LastTransitionAt)
	assert.Zero(t, a.ActiveSeconds)
	assert.Zero(t, a.StoppedSeconds)
}

func TestAdvance_AttributesToPreviousState(t *testing.T) {
	a := New(1, at(0))

	a.Advance(models.StateRunning, at(0))
	fold := a.Advance(models.StateRunning, at(5))
	assert.Equal(t, 5*time.Second, fold.Delta)
	assert.InDelta(t, 5.0, a.ActiveSeconds, 1e-9)

	fold = a.Advance(models.StateStopped, at(10))
	assert.Equal(t, models.StateRunning, fold.From)
	assert.Equal(t, models.StateStopped, fold.To)
	assert.Equal(t, 5*time.Second, fold.Delta)
	assert.InDelta(t, 10.0, a.ActiveSeconds, 1e-9)
	assert.Zero(t, a.StoppedSeconds)

	a.Advance(models.StateStopped, at(13))
	assert.InDelta(t, 3.0, a.StoppedSeconds, 1e-9)
	assert.Equal(t, models.StateStopped, a.CurrentState)
	assert.Equal(t, at(13), a.LastTransitionAt)
}

func TestAdvance_IdleAndErrorUntracked(t *testing.T) {
	a := New(1, at(0))

	a.Advance(models.StateIdle, at(30))
	a.Advance(models.StateError, at(40))
	fold := a.Advance(models.StateRunning, at(55))

	assert.Zero(t, fold.Delta)
	assert.Zero(t, a.ActiveSeconds)
	assert.Zero(t, a.StoppedSeconds)
}

func TestAdvance_ClampsBackwardsTime(t *testing.T) {
	a := New(1, at(0))
	a.Advance(models.StateRunning, at(0))
	a.Advance(models.StateRunning, at(10))
	before := a.ActiveSeconds

	fold := a.Advance(models.StateRunning, at(4))

	assert.Zero(t, fold.Delta)
	assert.Equal(t, before, a.ActiveSeconds)
	assert.Equal(t, at(4), a.LastTransitionAt)

	a.Advance(models.StateStopped, at(6))
	assert.InDelta(t, before+2, a.ActiveSeconds, 1e-9)
}

func TestAdvance_DuplicateTimestamp(t *testing.T) {
	a := New(1, at(0))
	a.Advance(models.StateStopped, at(2))
	a.Advance(models.StateStopped, at(2))
	a.Advance(models.StateStopped, at(2))

	assert.Zero(t, a.StoppedSeconds)
}

func TestAdvance_SumOfNonIdleDeltas(t *testing.T) {
	steps := []struct {
		state models.MachineState
		after float64
	}{
		{models.StateRunning, 0},
		{models.StateStopped, 4},
		{models.StateRunning, 2.5},
		{models.StateIdle, 7},
		{models.StateStopped, 100},
		{models.StateRunning, 1.25},
		{models.StateRunning, 3},
	}

	a := New(1, at(0))
	now := 0.0
	prev := models.StateIdle
	expected := 0.0
	for _, s := range steps {
		now += s.after
		if prev == models.StateRunning || prev == models.StateStopped {
			expected += s.after
		}
		a.Advance(s.state, at(now))
		prev = s.state
	}

	assert.InDelta(t, expected, a.ActiveSeconds+a.StoppedSeconds, 1e-9)
	assert.InDelta(t, 4+7+3, a.ActiveSeconds, 1e-9)
	assert.InDelta(t, 2.5+1.25, a.StoppedSeconds, 1e-9)
}

func TestAdvance_StateSince(t *testing.T) {
	a := New(1, at(0))
	a.Advance(models.StateRunning, at(1))
	a.Advance(models.StateRunning, at(2))
	fold := a.Advance(models.StateStopped, at(3))

	assert.Equal(t, at(1), fold.Start)
	assert.Equal(t, at(3), a.StateSince())
}

func TestReset(t *testing.T) {
	a := New(3, at(0))
	a.Advance(models.StateRunning, at(0))
	a.Advance(models.StateStopped, at(20))

	a.Reset(at(25))

	assert.Equal(t, 3, a.MachineID)
	assert.Zero(t, a.ActiveSeconds)
	assert.Zero(t, a.StoppedSeconds)
	assert.Equal(t, models.StateIdle, a.CurrentState)
	assert.Equal(t, at(25), a.LastTransitionAt)
	assert.Equal(t, models.Timers{}, a.Timers())
}
