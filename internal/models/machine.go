package models

import "time"

// MachineStatus is the administrative status of a registered machine.
type MachineStatus string

const (
	MachineActive      MachineStatus = "active"
	MachineInactive    MachineStatus = "inactive"
	MachineMaintenance MachineStatus = "maintenance"
)

// Machine is a registered physical machine.
type Machine struct {
	ID        int           `json:"id"`
	Name      string        `json:"name"`
	URL       string        `json:"url,omitempty"`
	Status    MachineStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// StateRecord is one persisted reconciled snapshot.
type StateRecord struct {
	ID             int64        `json:"id" msgpack:"id"`
	MachineID      int          `json:"machine_id" msgpack:"machine_id"`
	Timestamp      time.Time    `json:"timestamp" msgpack:"timestamp"`
	State          MachineState `json:"state" msgpack:"state"`
	Verde          bool         `json:"verde" msgpack:"verde"`
	Amarillo       bool         `json:"amarillo" msgpack:"amarillo"`
	Rojo           bool         `json:"rojo" msgpack:"rojo"`
	Contador       bool         `json:"contador" msgpack:"contador"`
	ActiveSeconds  float64      `json:"active_time" msgpack:"active_time"`
	StoppedSeconds float64      `json:"stopped_time" msgpack:"stopped_time"`
	UnitsCount     int          `json:"units_count" msgpack:"units_count"`
	BatchID        string       `json:"batch_id,omitempty" msgpack:"batch_id,omitempty"`
}

// TimeLog is a closed Running or Stopped segment.
type TimeLog struct {
	ID        int64        `json:"id"`
	MachineID int          `json:"machine_id"`
	StartTime time.Time    `json:"start_time"`
	EndTime   time.Time    `json:"end_time"`
	State     MachineState `json:"state"`
	Duration  float64      `json:"duration"`
}

// Production is one production batch on a machine.
type Production struct {
	ID            int64      `json:"id"`
	MachineID     int        `json:"machine_id"`
	BatchID       string     `json:"batch_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	UnitsProduced int        `json:"units_produced"`
	TargetUnits   *int       `json:"target_units,omitempty"`
	Efficiency    *float64   `json:"efficiency,omitempty"`
	RatePerHour   *float64   `json:"rate_per_hour,omitempty"`
}
