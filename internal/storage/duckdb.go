package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"log/slog"

	"github.com/marcboeker/go-duckdb"
)

var duckDBDialect = dialect{
	name: DriverDuckDB,
	schema: []string{
		`CREATE SEQUENCE IF NOT EXISTS seq_machine_states START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_time_logs START 1`,
		`CREATE SEQUENCE IF NOT EXISTS seq_productions START 1`,
		`CREATE TABLE IF NOT EXISTS machines (
			id         INTEGER PRIMARY KEY,
			name       VARCHAR NOT NULL,
			url        VARCHAR,
			status     VARCHAR NOT NULL,
			created_at VARCHAR NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS machine_states (
			id           BIGINT PRIMARY KEY DEFAULT nextval('seq_machine_states'),
			machine_id   INTEGER NOT NULL,
			timestamp    VARCHAR NOT NULL,
			state        VARCHAR NOT NULL,
			verde        INTEGER NOT NULL,
			amarillo     INTEGER NOT NULL,
			rojo         INTEGER NOT NULL,
			contador     INTEGER NOT NULL,
			active_time  DOUBLE NOT NULL,
			stopped_time DOUBLE NOT NULL,
			units_count  INTEGER NOT NULL,
			batch_id     VARCHAR
		)`,
		`CREATE INDEX IF NOT EXISTS idx_states_machine ON machine_states(machine_id)`,
		`CREATE TABLE IF NOT EXISTS time_logs (
			id         BIGINT PRIMARY KEY DEFAULT nextval('seq_time_logs'),
			machine_id INTEGER NOT NULL,
			start_time VARCHAR NOT NULL,
			end_time   VARCHAR NOT NULL,
			state      VARCHAR NOT NULL,
			duration   DOUBLE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS productions (
			id             BIGINT PRIMARY KEY DEFAULT nextval('seq_productions'),
			machine_id     INTEGER NOT NULL,
			batch_id       VARCHAR NOT NULL,
			start_time     VARCHAR NOT NULL,
			end_time       VARCHAR,
			units_produced INTEGER NOT NULL,
			target_units   INTEGER,
			efficiency     DOUBLE,
			rate_per_hour  DOUBLE
		)`,
	},
}

// OpenDuckDB opens (or creates) a DuckDB database file. An empty path is an
// in-memory database.
func OpenDuckDB(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	connector, err := duckdb.NewConnector(path, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA memory_limit='256MB'",
			"PRAGMA threads=2",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create DuckDB connector: %w", err)
	}

	return newSQLStore(ctx, sql.OpenDB(connector), duckDBDialect, path, logger)
}
