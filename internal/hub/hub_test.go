package hub

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnp-monitoreo/backend/internal/models"
)

func update(machineID, seq int) models.LiveMessage {
	return models.LiveMessage{
		Type: models.MsgTypeUpdate,
		Data: map[string]int{"machineId": machineID, "seq": seq},
	}
}

func drain(sub *Subscriber) []map[string]any {
	var out []map[string]any
	for {
		select {
		case data, ok := <-sub.Messages():
			if !ok {
				return out
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err == nil {
				out = append(out, msg)
			}
		default:
			return out
		}
	}
}

func seqs(msgs []map[string]any) []float64 {
	var out []float64
	for _, m := range msgs {
		out = append(out, m["data"].(map[string]any)["seq"].(float64))
	}
	return out
}

func TestPublish_RoutesByMachine(t *testing.T) {
	h := New(8, nil)
	one := h.Subscribe(1)
	two := h.Subscribe(2)
	all := h.Subscribe()

	h.Publish(1, update(1, 1))
	h.Publish(2, update(2, 2))
	h.Publish(3, update(3, 3))

	assert.Equal(t, []float64{1}, seqs(drain(one)))
	assert.Equal(t, []float64{2}, seqs(drain(two)))
	assert.Equal(t, []float64{1, 2, 3}, seqs(drain(all)))
	assert.Equal(t, []int{AllMachines}, all.Machines())
}

func TestPublish_PreservesOrderPerMachine(t *testing.T) {
	h := New(100, nil)
	sub := h.Subscribe(5)

	for i := 0; i < 50; i++ {
		h.Publish(5, update(5, i))
	}

	got := seqs(drain(sub))
	require.Len(t, got, 50)
	for i, s := range got {
		assert.Equal(t, float64(i), s)
	}
}

func TestPublish_SlowSubscriberIsDisconnected(t *testing.T) {
	h := New(2, nil)
	slow := h.Subscribe(1)
	fast := h.Subscribe(1)

	for i := 0; i < 5; i++ {
		h.Publish(1, update(1, i))
		drain(fast)
	}

	msgs := drain(slow)
	assert.Len(t, msgs, 2)
	_, open := <-slow.Messages()
	assert.False(t, open)

	h.Publish(1, update(1, 99))
	assert.Equal(t, []float64{99}, seqs(drain(fast)))

	stats := h.Stats()
	assert.Equal(t, int64(1), stats.DroppedSlow)
	assert.Equal(t, 1, stats.Subscribers)
	assert.Equal(t, int64(6), stats.Published)
}

func TestUnsubscribe(t *testing.T) {
	h := New(4, nil)
	sub := h.Subscribe(1, 2)

	h.Unsubscribe(sub)
	h.Unsubscribe(sub)

	_, open := <-sub.Messages()
	assert.False(t, open)
	assert.Zero(t, h.Stats().Subscribers)
	assert.False(t, h.Resubscribe(sub, 3))

	h.Publish(1, update(1, 1))
}

func TestResubscribe(t *testing.T) {
	h := New(4, nil)
	sub := h.Subscribe(1)

	require.True(t, h.Resubscribe(sub, 2))
	h.Publish(1, update(1, 1))
	h.Publish(2, update(2, 2))

	assert.Equal(t, []float64{2}, seqs(drain(sub)))
	assert.Equal(t, []int{2}, sub.Machines())
}

type recordingSink struct {
	name   string
	err    error
	events []models.StateTransitionEvent
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) HandleEvent(ev models.StateTransitionEvent) error {
	s.events = append(s.events, ev)
	return s.err
}

func TestPublishEvent_IsolatesSinkFailures(t *testing.T) {
	h := New(4, nil)
	broken := &recordingSink{name: "broken", err: errors.New("broker down")}
	ok := &recordingSink{name: "ok"}
	h.AddSink(broken)
	h.AddSink(ok)

	ev := models.StateTransitionEvent{Kind: models.EventTransition, MachineID: 1, FromState: models.StateIdle, ToState: models.StateRunning}
	h.PublishEvent(ev)

	assert.Len(t, broken.events, 1)
	assert.Equal(t, []models.StateTransitionEvent{ev}, ok.events)
	assert.Equal(t, int64(1), h.Stats().SinkErrors)
	assert.Equal(t, 2, h.Stats().RegisteredSinks)
}
