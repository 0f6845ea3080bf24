package parser

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rnp-monitoreo/backend/internal/models"
)

// Normalizer turns raw payloads into canonical snapshots.
type Normalizer struct {
	registry *Registry
	maps     *SignalMaps
	now      func() time.Time
}

// NewNormalizer creates a normalizer. now supplies the receive time used when
// a payload carries no timestamp; nil means time.Now.
func NewNormalizer(registry *Registry, maps *SignalMaps, now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{registry: registry, maps: maps, now: now}
}

// Normalize parses raw into a snapshot for machineID. A machineID of 0 means
// the id must come from the payload itself. Errors wrap ErrMalformed or
// ErrUnknownDialect.
func (n *Normalizer) Normalize(machineID int, raw []byte) (models.SignalSnapshot, error) {
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
		return models.SignalSnapshot{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	return n.NormalizeDocument(machineID, doc)
}

// NormalizeDocument is Normalize for an already decoded document.
func (n *Normalizer) NormalizeDocument(machineID int, doc Document) (models.SignalSnapshot, error) {
	dialect, err := n.registry.FindDialect(doc)
	if err != nil {
		return models.SignalSnapshot{}, err
	}

	frame, err := dialect.Extract(doc)
	if err != nil {
		return models.SignalSnapshot{}, fmt.Errorf("%s: %w", dialect.Name(), err)
	}

	id := machineID
	if id == 0 {
		id = frame.MachineID
	}
	if id <= 0 {
		return models.SignalSnapshot{}, fmt.Errorf("%w: no machine id", ErrMalformed)
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = n.now()
	}

	return models.SignalSnapshot{
		MachineID: id,
		Timestamp: ts,
		Signals:   n.maps.For(id).Apply(frame.Lines),
		Source:    dialect.Name(),
	}, nil
}
