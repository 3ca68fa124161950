package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kbot/internal/kbotbus"
)

type recordingNotifier struct {
	mu       sync.Mutex
	received []Record
}

func (n *recordingNotifier) Notify(_ context.Context, record Record) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, record)
	return nil
}

func TestHandler_Escalate_NotifiesAndCreatesPendingRecord(t *testing.T) {
	notifier := &recordingNotifier{}
	h := NewHandler(DefaultConfig(), []Notifier{notifier}, nil, nil)

	record := h.Escalate(context.Background(), "agent crashed repeatedly", map[string]any{"attempts": 7}, nil)
	assert.Equal(t, StatePending, record.State)

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.received, 1)
	assert.Equal(t, record.ID, notifier.received[0].ID)
}

func TestHandler_Acknowledge_MovesToAcknowledgedAndCancelsTimer(t *testing.T) {
	h := NewHandler(Config{Timeout: 20 * time.Millisecond, DefaultFallback: FallbackPause}, nil, nil, nil)
	record := h.Escalate(context.Background(), "reason", nil, nil)

	ctx, err := h.Acknowledge(record.ID, "human-1")
	require.NoError(t, err)
	assert.Nil(t, ctx)

	got, ok := h.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, StateAcknowledged, got.State)
	assert.Equal(t, "human-1", got.AcknowledgedBy)

	// Wait past the configured timeout to confirm the timer was actually
	// cancelled and does not flip the already-acknowledged record.
	time.Sleep(40 * time.Millisecond)
	got, _ = h.Get(record.ID)
	assert.Equal(t, StateAcknowledged, got.State)
}

func TestHandler_TimesOutWhenUnacknowledged(t *testing.T) {
	h := NewHandler(Config{Timeout: 10 * time.Millisecond, DefaultFallback: FallbackRetry}, nil, nil, nil)
	record := h.Escalate(context.Background(), "reason", nil, nil)

	time.Sleep(50 * time.Millisecond)

	got, ok := h.Get(record.ID)
	require.True(t, ok)
	assert.Equal(t, StateTimeout, got.State)
}

func TestHandler_TimesOut_PublishesDistinctFallbackKind(t *testing.T) {
	bus := kbotbus.NewMemoryBus(nil)
	defer bus.Close()

	events := make(chan kbotbus.Event, 4)
	_, err := bus.Subscribe(kbotbus.KindEscalationFallback, func(_ context.Context, evt kbotbus.Event) error {
		events <- evt
		return nil
	})
	require.NoError(t, err)

	h := NewHandler(Config{Timeout: 10 * time.Millisecond, DefaultFallback: FallbackRetry}, nil, bus, nil)
	record := h.Escalate(context.Background(), "reason", map[string]any{"k": "v"}, nil)

	select {
	case evt := <-events:
		assert.Equal(t, kbotbus.KindEscalationFallback, evt.Kind)
		assert.Equal(t, record.ID, evt.SessionID)
		payload, ok := evt.Payload.(kbotbus.EscalationFallbackPayload)
		require.True(t, ok)
		assert.Equal(t, string(FallbackRetry), payload.Fallback)
		assert.Equal(t, map[string]any{"k": "v"}, payload.Context)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for escalation:fallback event")
	}
}

func TestHandler_Acknowledge_UnknownID(t *testing.T) {
	h := NewHandler(DefaultConfig(), nil, nil, nil)
	_, err := h.Acknowledge("does-not-exist", "human-1")
	assert.Error(t, err)
}
