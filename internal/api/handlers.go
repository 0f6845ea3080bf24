package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rnp-monitoreo/backend/internal/models"
	"github.com/rnp-monitoreo/backend/internal/storage"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Store      storage.Store
	Reconciler StateReconciler
	Normalizer SnapshotNormalizer
	Links      LinkManager // nil when no device links run
	Hub        LiveHub
	Stats      []StatsSource
	Logger     *slog.Logger
	Version    string

	// BaseContext scopes links started from the API; defaults to Background.
	BaseContext context.Context
	// Now is the clock for operator actions; defaults to time.Now.
	Now func() time.Time
}

// Handler handles API requests.
type Handler struct {
	store      storage.Store
	rec        StateReconciler
	normalizer SnapshotNormalizer
	links      LinkManager
	hub        LiveHub
	stats      []StatsSource
	logger     *slog.Logger
	baseCtx    context.Context
	now        func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Dependencies) *Handler {
	h := &Handler{
		store:      deps.Store,
		rec:        deps.Reconciler,
		normalizer: deps.Normalizer,
		links:      deps.Links,
		hub:        deps.Hub,
		stats:      deps.Stats,
		logger:     deps.Logger,
		baseCtx:    deps.BaseContext,
		now:        deps.Now,
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.baseCtx == nil {
		h.baseCtx = context.Background()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// success wraps data in the {success:true,data} envelope.
func success(c echo.Context, status int, data any) error {
	return c.JSON(status, map[string]any{
		"success": true,
		"data":    data,
	})
}

// MachineSummary is a registered machine with its live state.
type MachineSummary struct {
	models.Machine
	Live *models.MachineView `json:"live,omitempty"`
	Link *models.LinkInfo    `json:"link,omitempty"`
}

func (h *Handler) summarize(m models.Machine) MachineSummary {
	s := MachineSummary{Machine: m}
	if v, ok := h.rec.View(m.ID); ok {
		s.Live = &v
	}
	if h.links != nil {
		if info, ok := h.links.GetLink(m.ID); ok {
			s.Link = &info
		}
	}
	return s
}

// HandleListMachines returns every registered machine merged with its live state.
func (h *Handler) HandleListMachines(c echo.Context) error {
	machines, err := h.store.ListMachines(c.Request().Context())
	if err != nil {
		return NewInternalError("failed to list machines", err)
	}

	out := make([]MachineSummary, 0, len(machines))
	for _, m := range machines {
		out = append(out, h.summarize(m))
	}
	return success(c, http.StatusOK, out)
}

// HandleGetMachine returns one machine with its live state.
func (h *Handler) HandleGetMachine(c echo.Context) error {
	id, err := machineIDParam(c)
	if err != nil {
		return err
	}

	m, err := h.store.GetMachine(c.Request().Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewNotFoundError("machine", c.Param("id"))
	}
	if err != nil {
		return NewInternalError("failed to get machine", err)
	}
	return success(c, http.StatusOK, h.summarize(*m))
}

// HandleCreateMachine registers a machine. A url starts its device link.
func (h *Handler) HandleCreateMachine(c echo.Context) error {
	var req struct {
		ID     int                  `json:"id"`
		Name   string               `json:"name"`
		URL    string               `json:"url"`
		Status models.MachineStatus `json:"status"`
	}
	if err := c.Bind(&req); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}
	if req.ID < 0 {
		return NewValidationError("id", nil)
	}
	switch req.Status {
	case "", models.MachineActive, models.MachineInactive, models.MachineMaintenance:
	default:
		return NewValidationError("status", nil)
	}

	m, err := h.store.CreateMachine(c.Request().Context(), models.Machine{
		ID:        req.ID,
		Name:      req.Name,
		URL:       req.URL,
		Status:    req.Status,
		CreatedAt: h.now(),
	})
	if errors.Is(err, storage.ErrExists) {
		return NewConflictError("machine already exists: " + strconv.Itoa(req.ID))
	}
	if err != nil {
		return NewInternalError("failed to create machine", err)
	}

	if m.URL != "" && h.links != nil {
		if err := h.links.Start(h.baseCtx, m.ID, m.URL); err != nil {
			h.logger.Warn("device link not started", "machine_id", m.ID, "err", err)
		}
	}
	h.logger.Info("machine created", "machine_id", m.ID, "name", m.Name)
	return success(c, http.StatusCreated, h.summarize(*m))
}

// HandleGetStates returns the newest persisted records of a machine.
func (h *Handler) HandleGetStates(c echo.Context) error {
	id, err := machineIDParam(c)
	if err != nil {
		return err
	}
	records, err := h.store.ListStates(c.Request().Context(), id, queryLimit(c))
	if err != nil {
		return NewInternalError("failed to list states", err)
	}
	return success(c, http.StatusOK, records)
}

// HandleGetStatesMsgpack is HandleGetStates in MessagePack for chart views
// that pull long histories.
func (h *Handler) HandleGetStatesMsgpack(c echo.Context) error {
	id, err := machineIDParam(c)
	if err != nil {
		return err
	}
	records, err := h.store.ListStates(c.Request().Context(), id, queryLimit(c))
	if err != nil {
		return NewInternalError("failed to list states", err)
	}

	data, err := msgpack.Marshal(map[string]interface{}{
		"machineId": id,
		"records":   records,
		"total":     len(records),
	})
	if err != nil {
		return NewInternalError("failed to encode msgpack", err)
	}
	return c.Blob(http.StatusOK, "application/msgpack", data)
}

// HandleGetTimeLogs returns the closed running/stopped segments of a machine.
func (h *Handler) HandleGetTimeLogs(c echo.Context) error {
	id, err := machineIDParam(c)
	if err != nil {
		return err
	}
	logs, err := h.store.ListTimeLogs(c.Request().Context(), id, queryLimit(c))
	if err != nil {
		return NewInternalError("failed to list time logs", err)
	}
	return success(c, http.StatusOK, logs)
}

// HandleResetMachine zeroes a machine's timers and counter.
func (h *Handler) HandleResetMachine(c echo.Context) error {
	id, err := machineIDParam(c)
	if err != nil {
		return err
	}
	if _, err := h.store.EnsureMachine(c.Request().Context(), models.Machine{ID: id, CreatedAt: h.now()}); err != nil {
		return NewInternalError("failed to register machine", err)
	}
	view := h.rec.Reset(id, h.now(), "")
	return success(c, http.StatusOK, view)
}

// HandleGetLinks lists every device connection session.
func (h *Handler) HandleGetLinks(c echo.Context) error {
	if h.links == nil {
		return success(c, http.StatusOK, []models.LinkInfo{})
	}
	return success(c, http.StatusOK, h.links.Links())
}

// HandleRestartLink starts a new session for a machine's device link,
// replacing one that failed or is still running.
func (h *Handler) HandleRestartLink(c echo.Context) error {
	if h.links == nil {
		return NewServiceUnavailableError("device links are disabled")
	}
	id, err := machineIDParam(c)
	if err != nil {
		return err
	}

	m, err := h.store.GetMachine(c.Request().Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		return NewNotFoundError("machine", c.Param("id"))
	}
	if err != nil {
		return NewInternalError("failed to get machine", err)
	}
	if m.URL == "" {
		return NewBadRequestError("machine has no device url", nil)
	}

	if err := h.links.Restart(h.baseCtx, m.ID, m.URL); err != nil {
		return NewInternalError("failed to restart link", err)
	}
	info, _ := h.links.GetLink(m.ID)
	h.logger.Info("device link restarted", "machine_id", m.ID, "session_id", info.SessionID)
	return success(c, http.StatusAccepted, info)
}

// HandleGetStats exposes pipeline counters, including drops.
func (h *Handler) HandleGetStats(c echo.Context) error {
	out := map[string]any{
		"reconciler": h.rec.Stats(),
	}
	if h.hub != nil {
		out["hub"] = h.hub.Stats()
	}
	if h.links != nil {
		out["links"] = map[string]any{
			"count":            len(h.links.Links()),
			"droppedMalformed": h.links.Dropped(),
		}
	}
	for _, s := range h.stats {
		out[s.Name()] = s.StatsValue()
	}
	return success(c, http.StatusOK, out)
}

func machineIDParam(c echo.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, NewValidationError("id", err)
	}
	return id, nil
}

func queryLimit(c echo.Context) int {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		return 100
	}
	return limit
}
