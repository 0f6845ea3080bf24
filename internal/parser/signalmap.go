package parser

import (
	"sync/atomic"

	"github.com/rnp-monitoreo/backend/internal/models"
)

// SignalMap maps raw line keys of one machine onto canonical signals.
type SignalMap struct {
	mappings []models.SignalMapping // declaration order, one entry per key
}

// NewSignalMap compiles a mapping list. Later entries win on duplicate keys
// but keep the position of the first.
func NewSignalMap(mappings []models.SignalMapping) *SignalMap {
	m := &SignalMap{mappings: make([]models.SignalMapping, 0, len(mappings))}
	index := make(map[string]int, len(mappings))
	for _, sm := range mappings {
		if i, ok := index[sm.Key]; ok {
			m.mappings[i] = sm
			continue
		}
		index[sm.Key] = len(m.mappings)
		m.mappings = append(m.mappings, sm)
	}
	return m
}

// Apply maps raw lines to signals, flipping inverse lines. Unknown keys are
// ignored. When several present keys feed the same signal, the first declared
// mapping decides it.
func (m *SignalMap) Apply(lines map[string]bool) models.Signals {
	var s models.Signals
	decided := make(map[models.Signal]bool, 4)
	for _, sm := range m.mappings {
		value, ok := lines[sm.Key]
		if !ok || decided[sm.Signal] {
			continue
		}
		if sm.Inverse {
			value = !value
		}
		s.Set(sm.Signal, value)
		decided[sm.Signal] = true
	}
	return s
}

// SignalMaps holds the per-machine maps. It is swapped atomically on reload so
// readers never see a half-applied table.
type SignalMaps struct {
	current  atomic.Pointer[map[int]*SignalMap]
	fallback *SignalMap
}

// NewSignalMaps returns maps built from table. Machines without their own
// signals use the default mappings.
func NewSignalMaps(table *models.MachineTable) *SignalMaps {
	sm := &SignalMaps{fallback: NewSignalMap(models.DefaultSignalMappings())}
	sm.Load(table)
	return sm
}

// Load replaces every machine map with the ones in table.
func (s *SignalMaps) Load(table *models.MachineTable) {
	next := make(map[int]*SignalMap)
	if table != nil {
		for _, m := range table.Machines {
			if len(m.Signals) > 0 {
				next[m.ID] = NewSignalMap(m.Signals)
			}
		}
	}
	s.current.Store(&next)
}

// For returns the map used for machineID.
func (s *SignalMaps) For(machineID int) *SignalMap {
	if maps := s.current.Load(); maps != nil {
		if m, ok := (*maps)[machineID]; ok {
			return m
		}
	}
	return s.fallback
}
