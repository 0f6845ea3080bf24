// handlers_production.go - Production batch handlers
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rnp-monitoreo/backend/internal/models"
	"github.com/rnp-monitoreo/backend/internal/parser"
	"github.com/rnp-monitoreo/backend/internal/storage"
)

// optionalTime parses an RFC 3339 or epoch-ms timestamp, using fallback when absent.
func optionalTime(raw json.RawMessage, fallback time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback, nil
	}
	return parser.ParseTimestamp(raw)
}

// HandleStartProduction opens a batch and resets the machine's timers and
// counter so the batch is measured from zero.
func (h *Handler) HandleStartProduction(c echo.Context) error {
	var req struct {
		MachineID   int             `json:"machine_id"`
		BatchID     string          `json:"batch_id"`
		StartTime   json.RawMessage `json:"start_time"`
		TargetUnits *int            `json:"target_units"`
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.MachineID <= 0 {
		return NewValidationError("machine_id", nil)
	}
	if req.BatchID == "" {
		return NewValidationError("batch_id", nil)
	}
	if req.TargetUnits != nil && *req.TargetUnits < 0 {
		return NewValidationError("target_units", nil)
	}
	start, err := optionalTime(req.StartTime, h.now())
	if err != nil {
		return NewValidationError("start_time", err)
	}

	ctx := c.Request().Context()
	if _, err := h.store.EnsureMachine(ctx, models.Machine{ID: req.MachineID, CreatedAt: start}); err != nil {
		return NewInternalError("failed to register machine", err)
	}

	p, err := h.store.StartProduction(ctx, models.Production{
		MachineID:   req.MachineID,
		BatchID:     req.BatchID,
		StartTime:   start,
		TargetUnits: req.TargetUnits,
	})
	if errors.Is(err, storage.ErrExists) {
		return NewConflictError("batch already exists: " + req.BatchID)
	}
	if errors.Is(err, storage.ErrBatchOpen) {
		return NewConflictError(fmt.Sprintf("machine %d has an open batch, end it first", req.MachineID))
	}
	if err != nil {
		return NewInternalError("failed to start production", err)
	}

	view := h.rec.Reset(req.MachineID, start, req.BatchID)
	h.logger.Info("production started", "machine_id", req.MachineID, "batch_id", req.BatchID)
	return success(c, http.StatusCreated, map[string]any{
		"production": p,
		"machine":    view,
	})
}

// HandleEndProduction closes a batch. units_produced defaults to the live
// counter when the batch is still attached to its machine, and is required
// otherwise (e.g. after a restart).
func (h *Handler) HandleEndProduction(c echo.Context) error {
	batchID := c.Param("batch_id")

	var req struct {
		UnitsProduced *int            `json:"units_produced"`
		EndTime       json.RawMessage `json:"end_time"`
		Stats         struct {
			Efficiency  *float64 `json:"efficiency"`
			RatePerHour *float64 `json:"rate_per_hour"`
		} `json:"stats"`
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.UnitsProduced != nil && *req.UnitsProduced < 0 {
		return NewValidationError("units_produced", nil)
	}
	end, err := optionalTime(req.EndTime, h.now())
	if err != nil {
		return NewValidationError("end_time", err)
	}

	ctx := c.Request().Context()
	p, err := h.store.GetProduction(ctx, batchID)
	if errors.Is(err, storage.ErrNotFound) {
		return NewNotFoundError("batch", batchID)
	}
	if err != nil {
		return NewInternalError("failed to get production", err)
	}
	if p.EndTime != nil {
		return NewConflictError("batch already ended: " + batchID)
	}

	units, attached := h.rec.EndBatch(p.MachineID, batchID)
	switch {
	case req.UnitsProduced != nil:
		units = *req.UnitsProduced
	case !attached:
		return NewConflictError("batch has no live counter, units_produced is required: " + batchID)
	}

	rate := req.Stats.RatePerHour
	if rate == nil {
		if hours := end.Sub(p.StartTime).Hours(); hours > 0 {
			r := float64(units) / hours
			rate = &r
		}
	}
	efficiency := req.Stats.Efficiency
	if efficiency == nil && p.TargetUnits != nil && *p.TargetUnits > 0 {
		e := float64(units) / float64(*p.TargetUnits) * 100
		efficiency = &e
	}

	p, err = h.store.EndProduction(ctx, batchID, storage.ProductionEnd{
		EndTime:       end,
		UnitsProduced: units,
		Efficiency:    efficiency,
		RatePerHour:   rate,
	})
	if errors.Is(err, storage.ErrNotFound) {
		return NewNotFoundError("batch", batchID)
	}
	if err != nil {
		return NewInternalError("failed to end production", err)
	}

	h.logger.Info("production ended", "machine_id", p.MachineID, "batch_id", batchID, "units", units, "live_counter", req.UnitsProduced == nil)
	return success(c, http.StatusOK, p)
}
