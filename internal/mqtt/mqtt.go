// Package mqtt forwards machine state transitions to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rnp-monitoreo/backend/internal/models"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "rnp/machines"

// Publisher publishes raw payloads to a broker.
type Publisher interface {
	// Publish sends payload to topic. Returns error if publishing fails.
	Publish(topic string, payload []byte) error

	// Close disconnects from the broker.
	Close() error
}

// EventPayload is the MQTT message body for a transition.
type EventPayload struct {
	MachineID      int     `json:"machineId"`
	From           string  `json:"from"`
	To             string  `json:"to"`
	Timestamp      string  `json:"timestamp"`
	ActiveSeconds  float64 `json:"activeSeconds"`
	StoppedSeconds float64 `json:"stoppedSeconds"`
}

// FormatPayload creates the JSON payload for a transition event.
func FormatPayload(ev models.StateTransitionEvent) ([]byte, error) {
	return json.Marshal(EventPayload{
		MachineID:      ev.MachineID,
		From:           string(ev.FromState),
		To:             string(ev.ToState),
		Timestamp:      ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ActiveSeconds:  ev.AccumulatedActiveSeconds,
		StoppedSeconds: ev.AccumulatedStoppedSeconds,
	})
}

// EventTopic returns <prefix>/<machineId>/events.
func EventTopic(prefix string, machineID int) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return fmt.Sprintf("%s/%d/events", prefix, machineID)
}

// Bridge is a hub sink that queues transition events and publishes them from
// a single goroutine, so a slow broker never holds up reconciliation.
// Events are published in the order they were queued; when the queue is full
// new events are dropped.
type Bridge struct {
	pub    Publisher
	prefix string
	queue  chan models.StateTransitionEvent
	logger *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewBridge creates a bridge with a queue of size queueLen.
func NewBridge(pub Publisher, prefix string, queueLen int, logger *slog.Logger) *Bridge {
	if queueLen <= 0 {
		queueLen = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		pub:    pub,
		prefix: prefix,
		queue:  make(chan models.StateTransitionEvent, queueLen),
		logger: logger,
	}
}

func (b *Bridge) Name() string { return "mqtt" }

// HandleEvent queues ev. Ticks are ignored.
func (b *Bridge) HandleEvent(ev models.StateTransitionEvent) error {
	if !ev.IsTransition() {
		return nil
	}
	select {
	case b.queue <- ev:
		return nil
	default:
		b.dropped.Add(1)
		return fmt.Errorf("mqtt queue full, dropped event for machine %d", ev.MachineID)
	}
}

// Run publishes queued events until ctx is done, then drains what is left.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case ev := <-b.queue:
			b.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-b.queue:
					b.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(ev models.StateTransitionEvent) {
	payload, err := FormatPayload(ev)
	if err != nil {
		b.failed.Add(1)
		b.logger.Error("format mqtt payload", "machine_id", ev.MachineID, "err", err)
		return
	}
	topic := EventTopic(b.prefix, ev.MachineID)
	if err := b.pub.Publish(topic, payload); err != nil {
		b.failed.Add(1)
		b.logger.Warn("mqtt publish failed", "machine_id", ev.MachineID, "topic", topic, "err", err)
		return
	}
	b.published.Add(1)
}

// BridgeStats are bridge counters.
type BridgeStats struct {
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
}

func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
	}
}

// StatsValue reports the counters for the stats endpoint.
func (b *Bridge) StatsValue() any { return b.Stats() }
