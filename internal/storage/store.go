// Package storage persists machines, state records, time logs and production
// batches in an embedded SQL database (DuckDB or SQLite).
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rnp-monitoreo/backend/internal/models"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a row whose key is taken.
	ErrExists = errors.New("already exists")
	// ErrBatchOpen is returned when starting a batch on a machine whose
	// previous batch has not ended.
	ErrBatchOpen = errors.New("machine has an open batch")
)

// Supported drivers.
const (
	DriverDuckDB = "duckdb"
	DriverSQLite = "sqlite"
)

// Store is the persistence collaborator of the monitoring core.
type Store interface {
	// EnsureMachine returns the machine with m.ID, creating it from m when absent.
	EnsureMachine(ctx context.Context, m models.Machine) (*models.Machine, error)
	// CreateMachine inserts m. An ID of 0 assigns the next free id.
	CreateMachine(ctx context.Context, m models.Machine) (*models.Machine, error)
	GetMachine(ctx context.Context, id int) (*models.Machine, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)

	AppendState(ctx context.Context, rec *models.StateRecord) error
	ListStates(ctx context.Context, machineID, limit int) ([]models.StateRecord, error)

	AppendTimeLog(ctx context.Context, log *models.TimeLog) error
	ListTimeLogs(ctx context.Context, machineID, limit int) ([]models.TimeLog, error)

	StartProduction(ctx context.Context, p models.Production) (*models.Production, error)
	EndProduction(ctx context.Context, batchID string, end ProductionEnd) (*models.Production, error)
	GetProduction(ctx context.Context, batchID string) (*models.Production, error)

	Close() error
}

// ProductionEnd carries the fields set when a batch closes.
type ProductionEnd struct {
	EndTime       time.Time
	UnitsProduced int
	Efficiency    *float64
	RatePerHour   *float64
}

// Open opens the store for driver at path and runs migrations.
func Open(ctx context.Context, driver, path string, logger *slog.Logger) (*SQLStore, error) {
	switch driver {
	case DriverDuckDB, "":
		return OpenDuckDB(ctx, path, logger)
	case DriverSQLite:
		return OpenSQLite(ctx, path, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
