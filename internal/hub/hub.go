// Package hub fans reconciled machine state out to live-view subscribers and
// external sinks.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rnp-monitoreo/backend/internal/models"
)

// AllMachines subscribes to every machine.
const AllMachines = 0

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Sink receives state transition events, e.g. an MQTT bridge.
type Sink interface {
	Name() string
	HandleEvent(ev models.StateTransitionEvent) error
}

// Subscriber is one live-view client. Messages are queued per subscriber in
// publish order; a subscriber whose queue is full is disconnected.
type Subscriber struct {
	ID string

	send     chan []byte
	machines []int
	closed   bool
}

// Messages yields encoded messages. It is closed when the subscriber is removed.
func (s *Subscriber) Messages() <-chan []byte {
	return s.send
}

// Machines returns the machine ids the subscriber follows; AllMachines means every machine.
func (s *Subscriber) Machines() []int {
	return append([]int(nil), s.machines...)
}

// Hub is the subscriber registry.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]map[*Subscriber]struct{}
	sinks  []Sink
	buffer int
	logger *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
	sinkErrs  atomic.Int64
}

// New creates a hub with the given per-subscriber buffer (DefaultBuffer when <= 0).
func New(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[int]map[*Subscriber]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// AddSink registers an external sink for transition events.
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// Subscribe registers a subscriber for machineIDs. No ids means all machines.
func (h *Hub) Subscribe(machineIDs ...int) *Subscriber {
	sub := &Subscriber{
		ID:   uuid.New().String(),
		send: make(chan []byte, h.buffer),
	}

	h.mu.Lock()
	h.register(sub, machineIDs)
	h.mu.Unlock()
	return sub
}

// Resubscribe replaces the machines a subscriber follows. It returns false if
// the subscriber was already removed.
func (h *Hub) Resubscribe(sub *Subscriber, machineIDs ...int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub.closed {
		return false
	}
	h.unregister(sub)
	h.register(sub, machineIDs)
	return true
}

// Unsubscribe removes sub and closes its queue. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.remove(sub)
}

// Publish encodes msg once and queues it for every subscriber of machineID.
// It never blocks: subscribers that cannot keep up are disconnected.
func (h *Hub) Publish(machineID int, msg models.LiveMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode live message", "machine_id", machineID, "type", msg.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.published.Add(1)
	var slow []*Subscriber
	for _, key := range []int{machineID, AllMachines} {
		for sub := range h.subs[key] {
			select {
			case sub.send <- data:
			default:
				slow = append(slow, sub)
			}
		}
	}
	for _, sub := range slow {
		if sub.closed {
			continue
		}
		h.remove(sub)
		h.dropped.Add(1)
		h.logger.Warn("disconnecting slow subscriber", "subscriber", sub.ID, "machine_id", machineID)
	}
}

// PublishEvent hands a transition event to every sink. Sink failures are
// logged and counted; they never affect other sinks.
func (h *Hub) PublishEvent(ev models.StateTransitionEvent) {
	h.mu.Lock()
	sinks := append([]Sink(nil), h.sinks...)
	h.mu.Unlock()

	for _, s := range sinks {
		if err := s.HandleEvent(ev); err != nil {
			h.sinkErrs.Add(1)
			h.logger.Warn("sink rejected event", "sink", s.Name(), "machine_id", ev.MachineID, "err", err)
		}
	}
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Subscribers     int   `json:"subscribers"`
	Published       int64 `json:"published"`
	DroppedSlow     int64 `json:"droppedSlowSubscribers"`
	SinkErrors      int64 `json:"sinkErrors"`
	RegisteredSinks int   `json:"sinks"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	seen := make(map[*Subscriber]struct{})
	for _, set := range h.subs {
		for sub := range set {
			seen[sub] = struct{}{}
		}
	}
	sinks := len(h.sinks)
	h.mu.Unlock()

	return Stats{
		Subscribers:     len(seen),
		Published:       h.published.Load(),
		DroppedSlow:     h.dropped.Load(),
		SinkErrors:      h.sinkErrs.Load(),
		RegisteredSinks: sinks,
	}
}

func (h *Hub) register(sub *Subscriber, machineIDs []int) {
	ids := make([]int, 0, len(machineIDs))
	seen := make(map[int]bool, len(machineIDs))
	for _, id := range machineIDs {
		if id == AllMachines {
			ids = nil
			break
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		ids = []int{AllMachines}
	}
	sub.machines = ids
	for _, id := range ids {
		set, ok := h.subs[id]
		if !ok {
			set = make(map[*Subscriber]struct{})
			h.subs[id] = set
		}
		set[sub] = struct{}{}
	}
}

func (h *Hub) unregister(sub *Subscriber) {
	for _, id := range sub.machines {
		if set, ok := h.subs[id]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(h.subs, id)
			}
		}
	}
}

func (h *Hub) remove(sub *Subscriber) {
	if sub.closed {
		return
	}
	h.unregister(sub)
	sub.closed = true
	close(sub.send)
}
