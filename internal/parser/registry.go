package parser

import (
	"fmt"
	"strings"
)

// Registry holds all available dialects and provides auto-detection.
type Registry struct {
	dialects []Dialect
}

// NewRegistry returns a registry with the built-in dialects.
func NewRegistry() *Registry {
	return &Registry{
		dialects: []Dialect{
			NewEstadosDialect(),
			NewLightsDialect(),
			NewSignalsDialect(),
		},
	}
}

// Register adds a new dialect to the registry. Dialects are tried in
// registration order.
func (r *Registry) Register(d Dialect) {
	r.dialects = append(r.dialects, d)
}

// FindDialect detects the dialect of a decoded document.
func (r *Registry) FindDialect(doc Document) (Dialect, error) {
	for _, d := range r.dialects {
		if d.CanParse(doc) {
			return d, nil
		}
	}
	return nil, ErrUnknownDialect
}

// GetDialectByName returns a dialect by its name.
func (r *Registry) GetDialectByName(name string) (Dialect, error) {
	name = strings.ToLower(name)
	for _, d := range r.dialects {
		if strings.ToLower(d.Name()) == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("dialect not found: %s", name)
}

// Names lists the registered dialects.
func (r *Registry) Names() []string {
	names := make([]string, len(r.dialects))
	for i, d := range r.dialects {
		names[i] = d.Name()
	}
	return names
}
