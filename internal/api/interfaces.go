// interfaces.go - Collaborator interfaces so handlers can be tested with fakes
package api

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/rnp-monitoreo/backend/internal/hub"
	"github.com/rnp-monitoreo/backend/internal/models"
	"github.com/rnp-monitoreo/backend/internal/parser"
	"github.com/rnp-monitoreo/backend/internal/reconciler"
)

// StateReconciler is the core the handlers feed and query.
type StateReconciler interface {
	Reconcile(ctx context.Context, snap models.SignalSnapshot) reconciler.Result
	Reset(machineID int, now time.Time, batchID string) models.MachineView
	EndBatch(machineID int, batchID string) (units int, ok bool)
	View(machineID int) (models.MachineView, bool)
	Views(machineIDs ...int) []models.MachineView
	Stats() reconciler.Stats
}

// SnapshotNormalizer validates decoded ingestion payloads.
type SnapshotNormalizer interface {
	NormalizeDocument(machineID int, doc parser.Document) (models.SignalSnapshot, error)
}

// LinkManager exposes the device links.
type LinkManager interface {
	Start(ctx context.Context, machineID int, url string) error
	Restart(ctx context.Context, machineID int, url string) error
	Links() []models.LinkInfo
	GetLink(machineID int) (models.LinkInfo, bool)
	Dropped() int64
}

// LiveHub is the subscriber side of the fan-out hub.
type LiveHub interface {
	Subscribe(machineIDs ...int) *hub.Subscriber
	Resubscribe(sub *hub.Subscriber, machineIDs ...int) bool
	Unsubscribe(sub *hub.Subscriber)
	Stats() hub.Stats
}

// StatsSource reports extra counters under a name in /api/stats.
type StatsSource interface {
	Name() string
	StatsValue() any
}

// HealthHandler handles health check operations
type HealthHandler interface {
	HandleHealth(c echo.Context) error
	HandleTest(c echo.Context) error
}
