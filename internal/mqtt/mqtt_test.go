package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rnp-monitoreo/backend/internal/models"
)

func transition(id int, from, to models.MachineState) models.StateTransitionEvent {
	return models.StateTransitionEvent{
		Kind:                     models.EventTransition,
		MachineID:                id,
		FromState:                from,
		ToState:                  to,
		Timestamp:                time.Date(2024, 6, 3, 8, 0, 10, 0, time.UTC),
		AccumulatedActiveSeconds: 10,
	}
}

func TestFormatPayload(t *testing.T) {
	payload, err := FormatPayload(transition(2, models.StateRunning, models.StateStopped))
	require.NoError(t, err)

	var parsed EventPayload
	require.NoError(t, json.Unmarshal(payload, &parsed))
	assert.Equal(t, 2, parsed.MachineID)
	assert.Equal(t, "running", parsed.From)
	assert.Equal(t, "stopped", parsed.To)
	assert.Equal(t, "2024-06-03T08:00:10Z", parsed.Timestamp)
	assert.Equal(t, 10.0, parsed.ActiveSeconds)
}

func TestEventTopic(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"plant/line1", "plant/line1/3/events"},
		{"plant/line1/", "plant/line1/3/events"},
		{"", DefaultTopicPrefix + "/3/events"},
	}
	for _, tt := range tests {
		if got := EventTopic(tt.prefix, 3); got != tt.want {
			t.Errorf("EventTopic(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}

func TestBridge_PublishesTransitionsInOrder(t *testing.T) {
	fake := NewFakePublisher()
	b := NewBridge(fake, "plant", 8, nil)

	require.NoError(t, b.HandleEvent(transition(1, models.StateIdle, models.StateRunning)))
	require.NoError(t, b.HandleEvent(models.StateTransitionEvent{Kind: models.EventTick, MachineID: 1}))
	require.NoError(t, b.HandleEvent(transition(1, models.StateRunning, models.StateStopped)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)

	msgs := fake.Recorded()
	require.Len(t, msgs, 2)
	assert.Equal(t, "plant/1/events", msgs[0].Topic)
	assert.Contains(t, string(msgs[0].Payload), `"to":"running"`)
	assert.Contains(t, string(msgs[1].Payload), `"to":"stopped"`)
	assert.Equal(t, int64(2), b.Stats().Published)
}

func TestBridge_QueueFullDrops(t *testing.T) {
	b := NewBridge(NewFakePublisher(), "plant", 1, nil)

	require.NoError(t, b.HandleEvent(transition(1, models.StateIdle, models.StateRunning)))
	assert.Error(t, b.HandleEvent(transition(1, models.StateRunning, models.StateStopped)))
	assert.Equal(t, int64(1), b.Stats().Dropped)
}

func TestBridge_PublishErrorIsCounted(t *testing.T) {
	fake := NewFakePublisher()
	fake.PublishError = errors.New("broker down")
	b := NewBridge(fake, "plant", 4, nil)

	require.NoError(t, b.HandleEvent(transition(1, models.StateIdle, models.StateRunning)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Run(ctx)

	assert.Equal(t, int64(1), b.Stats().Failed)
	assert.Empty(t, fake.Recorded())
}

func TestBridge_RunStopsOnCancel(t *testing.T) {
	b := NewBridge(NewFakePublisher(), "plant", 4, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
