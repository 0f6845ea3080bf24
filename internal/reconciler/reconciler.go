// Package reconciler turns snapshots into decoded state, accumulated time,
// transition events, persisted records and live updates.
//
// State is partitioned by machine id. Each machine has its own lock, held for
// the whole of a reconcile including the store append and the publish, so one
// machine's records and updates leave in the order its snapshots arrived while
// other machines proceed independently.
package reconciler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rnp-monitoreo/backend/internal/accumulator"
	"github.com/rnp-monitoreo/backend/internal/decoder"
	"github.com/rnp-monitoreo/backend/internal/models"
)

// Store is the append side of persistence.
type Store interface {
	// AppendState persists rec and sets rec.ID.
	AppendState(ctx context.Context, rec *models.StateRecord) error
	AppendTimeLog(ctx context.Context, log *models.TimeLog) error
}

// Publisher fans updates out to live views and event sinks.
type Publisher interface {
	Publish(machineID int, msg models.LiveMessage)
	PublishEvent(ev models.StateTransitionEvent)
}

// Result is the outcome of one Reconcile call.
type Result struct {
	Record     *models.StateRecord
	Event      models.StateTransitionEvent
	View       models.MachineView
	PersistErr error // logged already; callers may surface it
}

// Stats are reconciler counters.
type Stats struct {
	Machines        int   `json:"machines"`
	Reconciled      int64 `json:"reconciled"`
	Transitions     int64 `json:"transitions"`
	PersistFailures int64 `json:"persistFailures"`
}

type machine struct {
	mu        sync.Mutex
	acc       *accumulator.Accumulator
	lamps     [3]lamp // Verde, Amarillo, Rojo
	counter   models.Counter
	lastPulse bool
	batchID   string
	view      models.MachineView
}

type lamp struct {
	on     bool
	since  time.Time
	active float64
}

// Reconciler owns the per-machine accumulators. Create one per process and
// pass it to every ingestion path.
type Reconciler struct {
	store  Store
	pub    Publisher
	logger *slog.Logger

	mu       sync.RWMutex
	machines map[int]*machine

	reconciled      atomic.Int64
	transitions     atomic.Int64
	persistFailures atomic.Int64
}

// New creates a reconciler. pub may be nil.
func New(store Store, pub Publisher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		pub:      pub,
		logger:   logger,
		machines: make(map[int]*machine),
	}
}

// Reconcile folds snap into its machine's state. It assumes snap was
// validated at the ingestion boundary.
func (r *Reconciler) Reconcile(ctx context.Context, snap models.SignalSnapshot) Result {
	state := decoder.Decode(snap.Signals)
	m := r.machine(snap.MachineID, snap.Timestamp)

	m.mu.Lock()
	defer m.mu.Unlock()

	fold := m.acc.Advance(state, snap.Timestamp)
	m.advanceLamps(snap.Signals, snap.Timestamp)
	m.advanceCounter(snap.Signals.CounterPulse, snap.Timestamp)

	ev := models.StateTransitionEvent{
		Kind:                      models.EventTick,
		MachineID:                 snap.MachineID,
		FromState:                 fold.From,
		ToState:                   state,
		Timestamp:                 snap.Timestamp,
		AccumulatedActiveSeconds:  m.acc.ActiveSeconds,
		AccumulatedStoppedSeconds: m.acc.StoppedSeconds,
	}
	if fold.From != state {
		ev.Kind = models.EventTransition
		r.transitions.Add(1)
	}
	r.reconciled.Add(1)

	res := Result{Event: ev}

	if ev.IsTransition() && (fold.From == models.StateRunning || fold.From == models.StateStopped) {
		r.appendTimeLog(ctx, snap.MachineID, fold, snap.Timestamp)
	}

	rec := &models.StateRecord{
		MachineID:      snap.MachineID,
		Timestamp:      snap.Timestamp,
		State:          state,
		Verde:          snap.Signals.Green,
		Amarillo:       snap.Signals.Yellow,
		Rojo:           snap.Signals.Red,
		Contador:       snap.Signals.CounterPulse,
		ActiveSeconds:  m.acc.ActiveSeconds,
		StoppedSeconds: m.acc.StoppedSeconds,
		UnitsCount:     m.counter.Total,
		BatchID:        m.batchID,
	}
	if err := r.store.AppendState(ctx, rec); err != nil {
		r.persistFailures.Add(1)
		r.logger.Error("persist state record", "machine_id", snap.MachineID, "state", state, "err", err)
		res.PersistErr = err
	} else {
		res.Record = rec
	}

	m.view = m.buildView(snap.MachineID, state, snap.Timestamp)
	view := m.view
	view.Event = &ev
	res.View = view

	if r.pub != nil {
		r.pub.Publish(snap.MachineID, models.LiveMessage{Type: models.MsgTypeUpdate, Data: view})
		if ev.IsTransition() {
			r.pub.PublishEvent(ev)
		}
	}
	return res
}

// Reset zeroes a machine's timers and counter at now, the explicit operator
// reset done when a production batch starts. batchID tags later records.
func (r *Reconciler) Reset(machineID int, now time.Time, batchID string) models.MachineView {
	m := r.machine(machineID, now)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.acc.Reset(now)
	m.lamps = [3]lamp{}
	m.counter = models.Counter{LastUpdate: now}
	m.lastPulse = false
	m.batchID = batchID
	m.view = m.buildView(machineID, models.StateIdle, now)

	if r.pub != nil {
		r.pub.Publish(machineID, models.LiveMessage{Type: models.MsgTypeUpdate, Data: m.view})
	}
	r.logger.Info("machine timers reset", "machine_id", machineID, "batch_id", batchID)
	return m.view
}

// EndBatch detaches batchID from the machine and returns the units counted
// since it started. ok is false if batchID is not the running batch.
func (r *Reconciler) EndBatch(machineID int, batchID string) (units int, ok bool) {
	r.mu.RLock()
	m, found := r.machines[machineID]
	r.mu.RUnlock()
	if !found {
		return 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.batchID == "" || m.batchID != batchID {
		return 0, false
	}
	m.batchID = ""
	return m.counter.Total, true
}

// View returns the latest view of one machine.
func (r *Reconciler) View(machineID int) (models.MachineView, bool) {
	r.mu.RLock()
	m, ok := r.machines[machineID]
	r.mu.RUnlock()
	if !ok {
		return models.MachineView{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view, true
}

// Views returns the latest views of machineIDs (all machines when empty),
// ordered by machine id. Unknown machines are skipped.
func (r *Reconciler) Views(machineIDs ...int) []models.MachineView {
	r.mu.RLock()
	var ids []int
	if len(machineIDs) == 0 {
		for id := range r.machines {
			ids = append(ids, id)
		}
	} else {
		ids = append(ids, machineIDs...)
	}
	r.mu.RUnlock()

	sort.Ints(ids)
	views := make([]models.MachineView, 0, len(ids))
	for _, id := range ids {
		if v, ok := r.View(id); ok {
			views = append(views, v)
		}
	}
	return views
}

func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	n := len(r.machines)
	r.mu.RUnlock()

	return Stats{
		Machines:        n,
		Reconciled:      r.reconciled.Load(),
		Transitions:     r.transitions.Load(),
		PersistFailures: r.persistFailures.Load(),
	}
}

// machine returns the entry for id, creating it idle at now when first seen.
func (r *Reconciler) machine(id int, now time.Time) *machine {
	r.mu.RLock()
	m, ok := r.machines[id]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.machines[id]; ok {
		return m
	}
	m = &machine{
		acc:     accumulator.New(id, now),
		counter: models.Counter{LastUpdate: now},
	}
	m.view = m.buildView(id, models.StateIdle, now)
	r.machines[id] = m
	return m
}

func (r *Reconciler) appendTimeLog(ctx context.Context, machineID int, fold accumulator.Fold, end time.Time) {
	duration := end.Sub(fold.Start).Seconds()
	if duration < 0 {
		duration = 0
	}
	tl := &models.TimeLog{
		MachineID: machineID,
		StartTime: fold.Start,
		EndTime:   end,
		State:     fold.From,
		Duration:  duration,
	}
	if err := r.store.AppendTimeLog(ctx, tl); err != nil {
		r.persistFailures.Add(1)
		r.logger.Error("persist time log", "machine_id", machineID, "state", fold.From, "err", err)
	}
}

func (m *machine) advanceLamps(s models.Signals, now time.Time) {
	values := [3]bool{s.Green, s.Yellow, s.Red}
	for i := range m.lamps {
		l := &m.lamps[i]
		if l.on {
			if d := now.Sub(l.since); d > 0 {
				l.active += d.Seconds()
			}
		}
		l.on = values[i]
		l.since = now
	}
}

// advanceCounter counts rising edges of the counter pulse.
func (m *machine) advanceCounter(pulse bool, now time.Time) {
	if pulse && !m.lastPulse {
		m.counter.Total++
		m.counter.LastUpdate = now
	}
	m.lastPulse = pulse
}

func (m *machine) buildView(id int, state models.MachineState, now time.Time) models.MachineView {
	verde, amarillo, rojo := m.lamps[0], m.lamps[1], m.lamps[2]
	return models.MachineView{
		MachineID: id,
		State:     state,
		Lights: models.Lights{
			Verde: models.LightState{
				State:      verde.on,
				IsActive:   verde.on && state == models.StateRunning,
				ActiveTime: verde.active,
			},
			Amarillo: models.LightState{
				State:      amarillo.on,
				IsActive:   amarillo.on && !rojo.on && state == models.StateStopped,
				ActiveTime: amarillo.active,
			},
			Rojo: models.LightState{
				State:      rojo.on,
				IsActive:   rojo.on && (state == models.StateStopped || state == models.StateError),
				ActiveTime: rojo.active,
			},
		},
		Counter:   m.counter,
		Timers:    m.acc.Timers(),
		Timestamp: now,
	}
}
