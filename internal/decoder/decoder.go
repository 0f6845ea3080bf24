// Package decoder maps traffic-light signal combinations to a canonical machine state.
//
// Decode is total: every combination of lines yields a state, so wiring glitches
// that light several lamps at once are resolved rather than rejected. Red wins
// over green; both together are reported as an error. The counter pulse never
// influences the state.
package decoder

import "github.com/rnp-monitoreo/backend/internal/models"

// Decode returns the canonical state for s.
func Decode(s models.Signals) models.MachineState {
	switch {
	case s.Red && s.Green:
		return models.StateError
	case s.Red, s.Yellow && !s.Green:
		return models.StateStopped
	case s.Green:
		return models.StateRunning
	default:
		return models.StateIdle
	}
}
