package models

// MachineTable is the YAML machine/signal-mapping configuration.
type MachineTable struct {
	Machines []MachineConfig `json:"machines" yaml:"machines"`
}

// MachineConfig describes one machine and how its raw lines map to canonical signals.
type MachineConfig struct {
	ID      int             `json:"id" yaml:"id"`
	Name    string          `json:"name" yaml:"name"`
	URL     string          `json:"url,omitempty" yaml:"url,omitempty"` // device WebSocket endpoint
	Signals []SignalMapping `json:"signals,omitempty" yaml:"signals,omitempty"`
}

// SignalMapping maps one source key of a device payload onto a canonical signal.
// Inverse flips the raw value (active-low wiring).
type SignalMapping struct {
	Key     string `json:"key" yaml:"key"`
	Signal  Signal `json:"signal" yaml:"signal"`
	Inverse bool   `json:"inverse,omitempty" yaml:"inverse,omitempty"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
}

// DefaultSignalMappings covers both payload dialects seen in the field:
// Spanish lamp names (estados.Verde) and English ones (lights.green).
func DefaultSignalMappings() []SignalMapping {
	return []SignalMapping{
		{Key: "Verde", Signal: SignalGreen, Label: "Verde"},
		{Key: "Amarillo", Signal: SignalYellow, Label: "Amarillo"},
		{Key: "Rojo", Signal: SignalRed, Label: "Rojo"},
		{Key: "Contador", Signal: SignalCounter, Label: "Contador"},
		{Key: "green", Signal: SignalGreen, Label: "Verde"},
		{Key: "yellow", Signal: SignalYellow, Label: "Amarillo"},
		{Key: "red", Signal: SignalRed, Label: "Rojo"},
		{Key: "counter", Signal: SignalCounter, Label: "Contador"},
		{Key: "counterPulse", Signal: SignalCounter, Label: "Contador"},
	}
}
