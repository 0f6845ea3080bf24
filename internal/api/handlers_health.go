// handlers_health.go - Health check handlers
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// HealthHandlerImpl implements the HealthHandler interface
type HealthHandlerImpl struct {
	version string
	driver  string
	started time.Time
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(version, driver string) HealthHandler {
	return &HealthHandlerImpl{
		version: version,
		driver:  driver,
		started: time.Now(),
	}
}

// HandleHealth returns server health status
func (h *HealthHandlerImpl) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"version": h.version,
		"storage": h.driver,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
	})
}

// HandleTest is the plain liveness probe dashboards poll.
func (h *HealthHandlerImpl) HandleTest(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"message": "API is working!",
	})
}
