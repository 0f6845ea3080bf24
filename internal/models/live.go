package models

import "time"

// Live-view message types (server -> client).
const (
	MsgTypeUpdate      = "update"
	MsgTypeConnection  = "connection"
	MsgTypeInitialData = "initialData"
	MsgTypePong        = "pong"
	MsgTypeError       = "error"
)

// LightState is the live view of one traffic-light lamp.
type LightState struct {
	State      bool    `json:"state" msgpack:"state"`
	IsActive   bool    `json:"isActive" msgpack:"isActive"`
	ActiveTime float64 `json:"activeTime" msgpack:"activeTime"` // seconds the lamp has been on
}

// Lights groups the three lamps under the names the dashboard uses.
type Lights struct {
	Verde    LightState `json:"Verde" msgpack:"Verde"`
	Amarillo LightState `json:"Amarillo" msgpack:"Amarillo"`
	Rojo     LightState `json:"Rojo" msgpack:"Rojo"`
}

// Counter is the production counter derived from counter pulses.
type Counter struct {
	Total      int       `json:"total" msgpack:"total"`
	LastUpdate time.Time `json:"lastUpdate" msgpack:"lastUpdate"`
}

// Timers are the accumulated active/stopped seconds.
type Timers struct {
	Active  float64 `json:"active" msgpack:"active"`
	Stopped float64 `json:"stopped" msgpack:"stopped"`
}

// MachineView is the reconciled live state of one machine.
type MachineView struct {
	MachineID int                   `json:"machineId"`
	State     MachineState          `json:"state"`
	Lights    Lights                `json:"lights"`
	Counter   Counter               `json:"counter"`
	Timers    Timers                `json:"timers"`
	Timestamp time.Time             `json:"timestamp"`
	Event     *StateTransitionEvent `json:"event,omitempty"`
}

// LiveMessage is the envelope sent to live-view clients.
type LiveMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// ConnectionUpdate reports a device link status change to live views.
type ConnectionUpdate struct {
	MachineID int        `json:"machineId"`
	SessionID string     `json:"sessionId"`
	Status    LinkStatus `json:"status"`
	Label     string     `json:"label"`
	Attempt   int        `json:"attempt"`
	Error     string     `json:"error,omitempty"`
}
