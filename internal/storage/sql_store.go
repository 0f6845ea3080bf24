package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rnp-monitoreo/backend/internal/models"
)

// timeLayout is fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dialect holds the statements that differ between engines.
type dialect struct {
	name   string
	schema []string
}

// SQLStore implements Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	path    string
	logger  *slog.Logger

	// serializes check-then-insert for machines and batches
	createMu sync.Mutex
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, path string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{db: db, dialect: d, path: path, logger: logger}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("storage ready", "driver", d.name, "path", path)
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate failed: %w", err)
		}
	}
	return nil
}

// Driver returns the engine name.
func (s *SQLStore) Driver() string { return s.dialect.name }

// DB returns the underlying handle.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) EnsureMachine(ctx context.Context, m models.Machine) (*models.Machine, error) {
	if m.ID <= 0 {
		return nil, fmt.Errorf("ensure machine: id must be positive")
	}
	fillMachineDefaults(&m)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (id, name, url, status, created_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		m.ID, m.Name, m.URL, string(m.Status), formatTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("ensure machine %d: %w", m.ID, err)
	}
	return s.GetMachine(ctx, m.ID)
}

func (s *SQLStore) CreateMachine(ctx context.Context, m models.Machine) (*models.Machine, error) {
	fillMachineDefaults(&m)

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if m.ID == 0 {
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM machines`).Scan(&m.ID); err != nil {
			return nil, fmt.Errorf("next machine id: %w", err)
		}
	} else if _, err := s.GetMachine(ctx, m.ID); err == nil {
		return nil, fmt.Errorf("machine %d: %w", m.ID, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (id, name, url, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.URL, string(m.Status), formatTime(m.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create machine %d: %w", m.ID, err)
	}
	return s.GetMachine(ctx, m.ID)
}

func (s *SQLStore) GetMachine(ctx context.Context, id int) (*models.Machine, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, url, status, created_at FROM machines WHERE id = ?`, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("machine %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get machine %d: %w", id, err)
	}
	return m, nil
}

func (s *SQLStore) ListMachines(ctx context.Context) ([]models.Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, url, status, created_at FROM machines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer rows.Close()

	machines := []models.Machine{}
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan machine: %w", err)
		}
		machines = append(machines, *m)
	}
	return machines, rows.Err()
}

func (s *SQLStore) AppendState(ctx context.Context, rec *models.StateRecord) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO machine_states
			(machine_id, timestamp, state, verde, amarillo, rojo, contador,
			 active_time, stopped_time, units_count, batch_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		rec.MachineID, formatTime(rec.Timestamp), string(rec.State),
		boolToInt(rec.Verde), boolToInt(rec.Amarillo), boolToInt(rec.Rojo), boolToInt(rec.Contador),
		rec.ActiveSeconds, rec.StoppedSeconds, rec.UnitsCount, nullString(rec.BatchID),
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("append state for machine %d: %w", rec.MachineID, err)
	}
	return nil
}

// ListStates returns the newest records of a machine first.
func (s *SQLStore) ListStates(ctx context.Context, machineID, limit int) ([]models.StateRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, machine_id, timestamp, state, verde, amarillo, rojo, contador,
			active_time, stopped_time, units_count, batch_id
		 FROM machine_states WHERE machine_id = ?
		 ORDER BY id DESC LIMIT ?`, machineID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list states: %w", err)
	}
	defer rows.Close()

	records := []models.StateRecord{}
	for rows.Next() {
		var (
			rec                             models.StateRecord
			ts, state                       string
			verde, amarillo, rojo, contador int64
			batch                           sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.MachineID, &ts, &state, &verde, &amarillo, &rojo, &contador,
			&rec.ActiveSeconds, &rec.StoppedSeconds, &rec.UnitsCount, &batch); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		rec.Timestamp = parseTime(ts)
		rec.State = models.MachineState(state)
		rec.Verde, rec.Amarillo, rec.Rojo, rec.Contador = verde != 0, amarillo != 0, rojo != 0, contador != 0
		rec.BatchID = batch.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLStore) AppendTimeLog(ctx context.Context, tl *models.TimeLog) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO time_logs (machine_id, start_time, end_time, state, duration)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING id`,
		tl.MachineID, formatTime(tl.StartTime), formatTime(tl.EndTime), string(tl.State), tl.Duration,
	).Scan(&tl.ID)
	if err != nil {
		return fmt.Errorf("append time log for machine %d: %w", tl.MachineID, err)
	}
	return nil
}

// ListTimeLogs returns the newest segments of a machine first.
func (s *SQLStore) ListTimeLogs(ctx context.Context, machineID, limit int) ([]models.TimeLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, machine_id, start_time, end_time, state, duration
		 FROM time_logs WHERE machine_id = ?
		 ORDER BY id DESC LIMIT ?`, machineID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list time logs: %w", err)
	}
	defer rows.Close()

	logs := []models.TimeLog{}
	for rows.Next() {
		var (
			tl                models.TimeLog
			start, end, state string
		)
		if err := rows.Scan(&tl.ID, &tl.MachineID, &start, &end, &state, &tl.Duration); err != nil {
			return nil, fmt.Errorf("scan time log: %w", err)
		}
		tl.StartTime, tl.EndTime = parseTime(start), parseTime(end)
		tl.State = models.MachineState(state)
		logs = append(logs, tl)
	}
	return logs, rows.Err()
}

func (s *SQLStore) StartProduction(ctx context.Context, p models.Production) (*models.Production, error) {
	if p.BatchID == "" {
		return nil, fmt.Errorf("start production: empty batch id")
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if _, err := s.GetProduction(ctx, p.BatchID); err == nil {
		return nil, fmt.Errorf("batch %s: %w", p.BatchID, ErrExists)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var open string
	err := s.db.QueryRowContext(ctx,
		`SELECT batch_id FROM productions WHERE machine_id = ? AND end_time IS NULL LIMIT 1`,
		p.MachineID).Scan(&open)
	switch {
	case err == nil:
		return nil, fmt.Errorf("machine %d, batch %s: %w", p.MachineID, open, ErrBatchOpen)
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("open batch of machine %d: %w", p.MachineID, err)
	}

	var target any
	if p.TargetUnits != nil {
		target = *p.TargetUnits
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO productions (machine_id, batch_id, start_time, units_produced, target_units)
		 VALUES (?, ?, ?, 0, ?)`,
		p.MachineID, p.BatchID, formatTime(p.StartTime), target)
	if err != nil {
		return nil, fmt.Errorf("start production %s: %w", p.BatchID, err)
	}
	return s.GetProduction(ctx, p.BatchID)
}

func (s *SQLStore) EndProduction(ctx context.Context, batchID string, end ProductionEnd) (*models.Production, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE productions
		 SET end_time = ?, units_produced = ?, efficiency = ?, rate_per_hour = ?
		 WHERE batch_id = ?`,
		formatTime(end.EndTime), end.UnitsProduced, nullFloat(end.Efficiency), nullFloat(end.RatePerHour), batchID)
	if err != nil {
		return nil, fmt.Errorf("end production %s: %w", batchID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	return s.GetProduction(ctx, batchID)
}

func (s *SQLStore) GetProduction(ctx context.Context, batchID string) (*models.Production, error) {
	var (
		p          models.Production
		start      string
		end        sql.NullString
		target     sql.NullInt64
		efficiency sql.NullFloat64
		rate       sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, machine_id, batch_id, start_time, end_time, units_produced,
			target_units, efficiency, rate_per_hour
		 FROM productions WHERE batch_id = ?`, batchID,
	).Scan(&p.ID, &p.MachineID, &p.BatchID, &start, &end, &p.UnitsProduced, &target, &efficiency, &rate)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get production %s: %w", batchID, err)
	}

	p.StartTime = parseTime(start)
	if end.Valid && end.String != "" {
		ts := parseTime(end.String)
		p.EndTime = &ts
	}
	if target.Valid {
		v := int(target.Int64)
		p.TargetUnits = &v
	}
	if efficiency.Valid {
		p.Efficiency = &efficiency.Float64
	}
	if rate.Valid {
		p.RatePerHour = &rate.Float64
	}
	return &p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMachine(row rowScanner) (*models.Machine, error) {
	var (
		m              models.Machine
		status, create string
		url            sql.NullString
	)
	if err := row.Scan(&m.ID, &m.Name, &url, &status, &create); err != nil {
		return nil, err
	}
	m.URL = url.String
	m.Status = models.MachineStatus(status)
	m.CreatedAt = parseTime(create)
	return &m, nil
}

func fillMachineDefaults(m *models.Machine) {
	if m.Name == "" {
		m.Name = fmt.Sprintf("Máquina %d", m.ID)
	}
	if m.Status == "" {
		m.Status = models.MachineActive
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 10000 {
		return 100
	}
	return limit
}
