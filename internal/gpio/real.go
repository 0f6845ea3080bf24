//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads GPIO from actual hardware using Linux GPIO character device.
type RealReader struct {
	chip     *gpiocdev.Chip
	lines    *gpiocdev.Lines
	activeLo bool
}

// NewRealReader requests the four lines of pins on chip (e.g. "gpiochip0").
// activeLow inverts every line for boards wired through pull-up optocouplers.
func NewRealReader(chipName string, pins Pins, activeLow bool) (*RealReader, error) {
	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	// Request lines as input with pull-down to match Pi boot defaults.
	offsets := []int{pins.Verde, pins.Amarillo, pins.Rojo, pins.Contador}
	lines, err := chip.RequestLines(offsets, gpiocdev.AsInput, gpiocdev.WithPullDown)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request pins %v: %w", offsets, err)
	}

	return &RealReader{chip: chip, lines: lines, activeLo: activeLow}, nil
}

// Read returns the logical states of the four lines.
func (r *RealReader) Read() (Lamps, error) {
	values := make([]int, 4)
	if err := r.lines.Values(values); err != nil {
		return Lamps{}, fmt.Errorf("read lines: %w", err)
	}

	on := func(v int) bool {
		if r.activeLo {
			return v == 0
		}
		return v == 1
	}
	return Lamps{
		Verde:    on(values[0]),
		Amarillo: on(values[1]),
		Rojo:     on(values[2]),
		Contador: on(values[3]),
	}, nil
}

// Close releases GPIO resources.
// Reconfigures the lines to input with pull-down (Pi boot defaults) before
// closing so the board reboots cleanly with the optocouplers attached.
func (r *RealReader) Close() error {
	var errs []error

	if r.lines != nil {
		if err := r.lines.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure lines: %w", err))
		}
		if err := r.lines.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lines: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
