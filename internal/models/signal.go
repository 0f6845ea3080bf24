// Package models contains domain types for the machine monitoring backend.
package models

import "time"

// Signal names a canonical traffic-light line.
type Signal string

const (
	SignalGreen   Signal = "green"
	SignalYellow  Signal = "yellow"
	SignalRed     Signal = "red"
	SignalCounter Signal = "counter"
)

// Signals holds the boolean state of every canonical line at one instant.
type Signals struct {
	Green        bool `json:"green"`
	Yellow       bool `json:"yellow"`
	Red          bool `json:"red"`
	CounterPulse bool `json:"counterPulse"`
}

// Set assigns the value of a canonical signal. Unknown signals are ignored.
func (s *Signals) Set(sig Signal, value bool) {
	switch sig {
	case SignalGreen:
		s.Green = value
	case SignalYellow:
		s.Yellow = value
	case SignalRed:
		s.Red = value
	case SignalCounter:
		s.CounterPulse = value
	}
}

// SignalSnapshot is one reading of a machine's lines. It is never mutated after
// it leaves the ingestion boundary.
type SignalSnapshot struct {
	MachineID int       `json:"machineId"`
	Timestamp time.Time `json:"timestamp"`
	Signals   Signals   `json:"signals"`
	Source    string    `json:"source,omitempty"` // dialect that produced it
}
