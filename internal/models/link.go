package models

import "time"

// LinkStatus is the status of a device connection session.
type LinkStatus string

const (
	LinkConnecting LinkStatus = "connecting"
	LinkOpen       LinkStatus = "open"
	LinkClosed     LinkStatus = "closed"
	LinkFailed     LinkStatus = "failed"
)

// Label returns the operator-facing text shown by live views.
func (s LinkStatus) Label() string {
	switch s {
	case LinkOpen:
		return "Conectado"
	case LinkConnecting:
		return "Reconectando"
	case LinkFailed:
		return "Error de conexión"
	default:
		return "Desconectado"
	}
}

// LinkInfo describes one connection session as seen by operators.
type LinkInfo struct {
	SessionID        string     `json:"sessionId"`
	MachineID        int        `json:"machineId"`
	URL              string     `json:"url"`
	Status           LinkStatus `json:"status"`
	Label            string     `json:"label"`
	ReconnectAttempt int        `json:"reconnectAttempt"`
	LastMessageAt    *time.Time `json:"lastMessageAt,omitempty"`
	LastError        string     `json:"lastError,omitempty"`
}
