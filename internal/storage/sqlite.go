package storage

import (
	"context"
	"database/sql"
	"log/slog"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: DriverSQLite,
	schema: []string{
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS machines (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			url TEXT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS machine_states (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id INTEGER NOT NULL,
			timestamp TEXT NOT NULL,
			state TEXT NOT NULL,
			verde INTEGER NOT NULL,
			amarillo INTEGER NOT NULL,
			rojo INTEGER NOT NULL,
			contador INTEGER NOT NULL,
			active_time REAL NOT NULL,
			stopped_time REAL NOT NULL,
			units_count INTEGER NOT NULL,
			batch_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_states_machine ON machine_states(machine_id);`,
		`CREATE TABLE IF NOT EXISTS time_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id INTEGER NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			state TEXT NOT NULL,
			duration REAL NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS productions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id INTEGER NOT NULL,
			batch_id TEXT NOT NULL UNIQUE,
			start_time TEXT NOT NULL,
			end_time TEXT,
			units_produced INTEGER NOT NULL,
			target_units INTEGER,
			efficiency REAL,
			rate_per_hour REAL
		);`,
	},
}

// OpenSQLite opens (or creates) a SQLite database file.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	return newSQLStore(ctx, db, sqliteDialect, path, logger)
}
