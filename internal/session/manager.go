// Package session maintains resilient WebSocket links to the machines' devices.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/rnp-monitoreo/backend/internal/models"
)

// Manager owns one Link per machine.
type Manager struct {
	links      map[int]*linkState
	mu         sync.RWMutex
	dialer     Dialer
	normalizer Normalizer
	deliver    SnapshotFunc
	opts       LinkOptions
	logger     *slog.Logger
}

type linkState struct {
	link   *Link
	cancel context.CancelFunc
	done   chan struct{}
	err    error // Run result, valid after done is closed
}

// NewManager creates a manager. Every link it starts shares dialer,
// normalizer, deliver and opts.
func NewManager(dialer Dialer, normalizer Normalizer, deliver SnapshotFunc, opts LinkOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		links:      make(map[int]*linkState),
		dialer:     dialer,
		normalizer: normalizer,
		deliver:    deliver,
		opts:       opts,
		logger:     opts.Logger,
	}
}

// Start launches the link for machineID in the background. A link that ended
// (failed or stopped) is replaced; a running one is an error.
func (m *Manager) Start(ctx context.Context, machineID int, url string) error {
	if url == "" {
		return fmt.Errorf("machine %d: no device url", machineID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.links[machineID]; ok {
		select {
		case <-st.done:
		default:
			return fmt.Errorf("machine %d: link already running", machineID)
		}
	}

	linkCtx, cancel := context.WithCancel(ctx)
	st := &linkState{
		link:   NewLink(machineID, url, m.dialer, m.normalizer, m.deliver, m.opts),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.links[machineID] = st

	go func() {
		defer close(st.done)
		st.err = st.link.Run(linkCtx)
		if errors.Is(st.err, ErrExhausted) {
			m.logger.Error("device link gave up", "machine_id", machineID, "err", st.err)
		}
	}()
	return nil
}

// Stop tears down the link for machineID and waits for it to finish.
func (m *Manager) Stop(machineID int) bool {
	m.mu.Lock()
	st, ok := m.links[machineID]
	if ok {
		delete(m.links, machineID)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}
	st.cancel()
	<-st.done
	return true
}

// Restart replaces the link for machineID with a fresh session. It is the way
// back from a link that gave up; a running link is stopped first.
func (m *Manager) Restart(ctx context.Context, machineID int, url string) error {
	if url == "" {
		return fmt.Errorf("machine %d: no device url", machineID)
	}
	m.Stop(machineID)
	return m.Start(ctx, machineID, url)
}

// StopAll tears down every link.
func (m *Manager) StopAll() {
	m.mu.Lock()
	states := make([]*linkState, 0, len(m.links))
	for id, st := range m.links {
		states = append(states, st)
		delete(m.links, id)
	}
	m.mu.Unlock()

	for _, st := range states {
		st.cancel()
	}
	for _, st := range states {
		<-st.done
	}
}

// Links returns the status of every link ordered by machine id.
func (m *Manager) Links() []models.LinkInfo {
	m.mu.RLock()
	infos := make([]models.LinkInfo, 0, len(m.links))
	for _, st := range m.links {
		infos = append(infos, st.link.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].MachineID < infos[j].MachineID })
	return infos
}

// GetLink returns the status of one link.
func (m *Manager) GetLink(machineID int) (models.LinkInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.links[machineID]
	if !ok {
		return models.LinkInfo{}, false
	}
	return st.link.Info(), true
}

// Dropped returns the malformed-frame count across all links.
func (m *Manager) Dropped() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, st := range m.links {
		total += st.link.Dropped()
	}
	return total
}
