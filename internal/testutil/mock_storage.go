// mock_storage.go - In-memory storage implementation for testing
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rnp-monitoreo/backend/internal/models"
	"github.com/rnp-monitoreo/backend/internal/storage"
)

// MockStorage implements storage.Store in memory
type MockStorage struct {
	mu          sync.RWMutex
	machines    map[int]models.Machine
	states      []models.StateRecord
	timeLogs    []models.TimeLog
	productions map[string]models.Production
	nextID      int64

	// AppendErr, when set, is returned by AppendState and AppendTimeLog
	AppendErr error
}

// NewMockStorage creates an empty mock storage
func NewMockStorage() *MockStorage {
	return &MockStorage{
		machines:    make(map[int]models.Machine),
		productions: make(map[string]models.Production),
	}
}

// Ensure MockStorage implements storage.Store
var _ storage.Store = (*MockStorage)(nil)

func (m *MockStorage) EnsureMachine(_ context.Context, mc models.Machine) (*models.Machine, error) {
	if mc.ID <= 0 {
		return nil, fmt.Errorf("ensure machine: id must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.machines[mc.ID]; ok {
		return &existing, nil
	}
	fillDefaults(&mc)
	m.machines[mc.ID] = mc
	return &mc, nil
}

func (m *MockStorage) CreateMachine(_ context.Context, mc models.Machine) (*models.Machine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mc.ID == 0 {
		for id := range m.machines {
			if id > mc.ID {
				mc.ID = id
			}
		}
		mc.ID++
	} else if _, ok := m.machines[mc.ID]; ok {
		return nil, fmt.Errorf("machine %d: %w", mc.ID, storage.ErrExists)
	}
	fillDefaults(&mc)
	m.machines[mc.ID] = mc
	return &mc, nil
}

func (m *MockStorage) GetMachine(_ context.Context, id int) (*models.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mc, ok := m.machines[id]
	if !ok {
		return nil, fmt.Errorf("machine %d: %w", id, storage.ErrNotFound)
	}
	return &mc, nil
}

func (m *MockStorage) ListMachines(_ context.Context) ([]models.Machine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.Machine, 0, len(m.machines))
	for _, mc := range m.machines {
		out = append(out, mc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockStorage) AppendState(_ context.Context, rec *models.StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.nextID++
	rec.ID = m.nextID
	m.states = append(m.states, *rec)
	return nil
}

func (m *MockStorage) ListStates(_ context.Context, machineID, limit int) ([]models.StateRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.StateRecord{}
	for i := len(m.states) - 1; i >= 0; i-- {
		if m.states[i].MachineID != machineID {
			continue
		}
		out = append(out, m.states[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockStorage) AppendTimeLog(_ context.Context, tl *models.TimeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.nextID++
	tl.ID = m.nextID
	m.timeLogs = append(m.timeLogs, *tl)
	return nil
}

func (m *MockStorage) ListTimeLogs(_ context.Context, machineID, limit int) ([]models.TimeLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []models.TimeLog{}
	for i := len(m.timeLogs) - 1; i >= 0; i-- {
		if m.timeLogs[i].MachineID != machineID {
			continue
		}
		out = append(out, m.timeLogs[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MockStorage) StartProduction(_ context.Context, p models.Production) (*models.Production, error) {
	if p.BatchID == "" {
		return nil, fmt.Errorf("start production: empty batch id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.productions[p.BatchID]; ok {
		return nil, fmt.Errorf("batch %s: %w", p.BatchID, storage.ErrExists)
	}
	for _, other := range m.productions {
		if other.MachineID == p.MachineID && other.EndTime == nil {
			return nil, fmt.Errorf("machine %d, batch %s: %w", p.MachineID, other.BatchID, storage.ErrBatchOpen)
		}
	}
	m.nextID++
	p.ID = m.nextID
	p.EndTime = nil
	p.UnitsProduced = 0
	m.productions[p.BatchID] = p
	return &p, nil
}

func (m *MockStorage) EndProduction(_ context.Context, batchID string, end storage.ProductionEnd) (*models.Production, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.productions[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, storage.ErrNotFound)
	}
	endTime := end.EndTime
	p.EndTime = &endTime
	p.UnitsProduced = end.UnitsProduced
	p.Efficiency = end.Efficiency
	p.RatePerHour = end.RatePerHour
	m.productions[batchID] = p
	return &p, nil
}

func (m *MockStorage) GetProduction(_ context.Context, batchID string) (*models.Production, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.productions[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, storage.ErrNotFound)
	}
	return &p, nil
}

func (m *MockStorage) Close() error { return nil }

// Test Helper Methods

// SetAppendErr sets the error returned by appends
func (m *MockStorage) SetAppendErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendErr = err
}

// States returns every appended state record in append order
func (m *MockStorage) States() []models.StateRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.StateRecord(nil), m.states...)
}

// TimeLogs returns every appended time log in append order
func (m *MockStorage) TimeLogs() []models.TimeLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.TimeLog(nil), m.timeLogs...)
}

func fillDefaults(mc *models.Machine) {
	if mc.Name == "" {
		mc.Name = fmt.Sprintf("Máquina %d", mc.ID)
	}
	if mc.Status == "" {
		mc.Status = models.MachineActive
	}
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = time.Now()
	}
}
