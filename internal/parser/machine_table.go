package parser

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rnp-monitoreo/backend/internal/models"
)

// ParseMachineTable parses a YAML machine table file:
//
//	machines:
//	  - id: 1
//	    name: Cremer 1
//	    url: ws://192.168.20.10:8765
//	    signals:
//	      - key: Verde
//	        signal: green
//	      - key: Presion
//	        signal: red
//	        inverse: true
func ParseMachineTable(filePath string) (*models.MachineTable, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return ParseMachineTableFromReader(file)
}

// ParseMachineTableFromReader parses a machine table from an io.Reader.
func ParseMachineTableFromReader(r io.Reader) (*models.MachineTable, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var table models.MachineTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, err
	}
	if err := ValidateMachineTable(&table); err != nil {
		return nil, err
	}
	return &table, nil
}

// ValidateMachineTable rejects duplicate or non-positive ids and mappings to
// unknown signals.
func ValidateMachineTable(table *models.MachineTable) error {
	seen := make(map[int]bool, len(table.Machines))
	for _, m := range table.Machines {
		if m.ID <= 0 {
			return fmt.Errorf("machine %q: id must be positive", m.Name)
		}
		if seen[m.ID] {
			return fmt.Errorf("machine %d: duplicate id", m.ID)
		}
		seen[m.ID] = true

		for _, sm := range m.Signals {
			if sm.Key == "" {
				return fmt.Errorf("machine %d: signal mapping without key", m.ID)
			}
			switch sm.Signal {
			case models.SignalGreen, models.SignalYellow, models.SignalRed, models.SignalCounter:
			default:
				return fmt.Errorf("machine %d: key %s maps to unknown signal %q", m.ID, sm.Key, sm.Signal)
			}
		}
	}
	return nil
}
