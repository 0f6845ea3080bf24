// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/rnp-monitoreo/backend/internal/config"
)

// Handlers holds all handler instances
type Handlers struct {
	API       *Handler
	Health    HealthHandler
	WebSocket *WebSocketHandler
}

// NewHandlers creates all handler instances
func NewHandlers(deps Dependencies, driver string) *Handlers {
	h := NewHandler(deps)
	return &Handlers{
		API:       h,
		Health:    NewHealthHandler(deps.Version, driver),
		WebSocket: NewWebSocketHandler(h),
	}
}

// RegisterRoutes registers all API routes with the Echo instance
func RegisterRoutes(e *echo.Echo, handlers *Handlers) {
	h := handlers.API
	apiGroup := e.Group("/api")

	// Health check
	apiGroup.GET("/health", handlers.Health.HandleHealth)
	apiGroup.GET("/test", handlers.Health.HandleTest)

	// Ingestion
	apiGroup.POST("/machine-state", h.HandleMachineState)

	// Machines
	apiGroup.GET("/machines", h.HandleListMachines)
	apiGroup.POST("/machines", h.HandleCreateMachine)
	apiGroup.GET("/machines/:id", h.HandleGetMachine)
	apiGroup.GET("/machines/:id/states", h.HandleGetStates)
	apiGroup.GET("/machines/:id/states/msgpack", h.HandleGetStatesMsgpack)
	apiGroup.GET("/machines/:id/timelogs", h.HandleGetTimeLogs)
	apiGroup.POST("/machines/:id/reset", h.HandleResetMachine)

	// Production batches
	apiGroup.POST("/production/start", h.HandleStartProduction)
	apiGroup.POST("/production/:batch_id/end", h.HandleEndProduction)

	// Pipeline introspection
	apiGroup.GET("/links", h.HandleGetLinks)
	apiGroup.POST("/links/:id/restart", h.HandleRestartLink)
	apiGroup.GET("/stats", h.HandleGetStats)

	// Live view
	apiGroup.GET("/ws/live", handlers.WebSocket.HandleWebSocket)
}

func isQuietPath(path string) bool {
	return path == "/api/health" || path == "/api/test"
}

func isWebSocketPath(path string) bool {
	return strings.HasPrefix(path, "/api/ws/")
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg *config.AppConfig, logger *slog.Logger) {
	// Use custom error handler
	e.HTTPErrorHandler = ErrorHandler

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			// Skip logging if disabled in config
			if !cfg.Advanced.EnableRequestLogging {
				return true
			}
			return isQuietPath(c.Request().URL.Path)
		},
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"remote", v.RemoteIP,
			}
			if v.Error != nil {
				logger.Warn("request", append(attrs, "err", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 1024 * 4,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("panic recovered", "uri", c.Request().RequestURI, "err", err, "stack", string(stack))
			return err
		},
	}))

	if cfg.Server.ReadTimeout > 0 {
		e.Use(middleware.ContextTimeoutWithConfig(middleware.ContextTimeoutConfig{
			Timeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
			Skipper: func(c echo.Context) bool {
				return isWebSocketPath(c.Request().URL.Path)
			},
		}))
	}

	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			return isWebSocketPath(c.Request().URL.Path)
		},
	}))

	// Body limit middleware
	e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))

	// CORS configuration
	if cfg.Server.EnableCORS {
		origins := strings.Split(cfg.Server.AllowOrigins, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		if len(origins) == 0 || (len(origins) == 1 && origins[0] == "") {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
}
