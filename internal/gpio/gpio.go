// Package gpio reads the traffic-light lines of a machine.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Lamps is one reading of the four machine lines, in logical form.
type Lamps struct {
	Verde    bool
	Amarillo bool
	Rojo     bool
	Contador bool
}

// Estados returns the reading keyed by the line names devices report.
func (l Lamps) Estados() map[string]bool {
	return map[string]bool{
		"Verde":    l.Verde,
		"Amarillo": l.Amarillo,
		"Rojo":     l.Rojo,
		"Contador": l.Contador,
	}
}

// Reader reads GPIO input states.
type Reader interface {
	// Read returns the current logical state of every line.
	Read() (Lamps, error)

	// Close releases GPIO resources.
	Close() error
}

// Pins maps each line to its BCM number.
type Pins struct {
	Verde    int
	Amarillo int
	Rojo     int
	Contador int
}

// DefaultPins is the wiring of the plant's Raspberry Pi boards (BCM numbering).
var DefaultPins = Pins{
	Verde:    21,
	Amarillo: 4,
	Rojo:     27,
	Contador: 13,
}
