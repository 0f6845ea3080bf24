// handlers_ingest.go - HTTP ingestion of machine snapshots
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rnp-monitoreo/backend/internal/models"
	"github.com/rnp-monitoreo/backend/internal/parser"
)

// IngestResult is the data of a successful ingestion.
type IngestResult struct {
	ID           int64                        `json:"id"`
	MachineID    int                          `json:"machineId"`
	MachineState models.MachineState          `json:"machineState"`
	Timestamp    time.Time                    `json:"timestamp"`
	Event        models.StateTransitionEvent `json:"event"`
}

// HandleMachineState accepts a snapshot pushed by a device or gateway:
//
//	POST /api/machine-state
//	{"machine_id":1,"timestamp":"...","estados":{"Verde":true,...}}
//
// The id, a lines object and a parseable timestamp are required. Fields a
// gateway computed itself (state, active_time, units_count, ...) are ignored;
// the server derives them.
func (h *Handler) HandleMachineState(c echo.Context) error {
	var doc parser.Document
	if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil || doc == nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	if _, ok := doc["machine_id"]; !ok {
		if _, ok := doc["machineId"]; !ok {
			return NewValidationError("machine_id", nil)
		}
	}
	if _, ok := doc["timestamp"]; !ok {
		return NewValidationError("timestamp", nil)
	}

	snap, err := h.normalizer.NormalizeDocument(0, doc)
	if errors.Is(err, parser.ErrUnknownDialect) {
		return NewValidationError("estados", err)
	}
	if err != nil {
		return NewBadRequestError("invalid machine state payload", err)
	}
	snap.Source = "http"

	ctx := c.Request().Context()
	if _, err := h.store.EnsureMachine(ctx, models.Machine{ID: snap.MachineID, CreatedAt: snap.Timestamp}); err != nil {
		return NewInternalError("Error al guardar estado", err)
	}

	res := h.rec.Reconcile(ctx, snap)
	if res.PersistErr != nil {
		return NewInternalError("Error al guardar estado", res.PersistErr)
	}

	return success(c, http.StatusCreated, IngestResult{
		ID:           res.Record.ID,
		MachineID:    snap.MachineID,
		MachineState: res.Event.ToState,
		Timestamp:    snap.Timestamp,
		Event:        res.Event,
	})
}
