package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tallybook/automaton/pkg/schema"
)

func collect(t *testing.T, ch <-chan ExecutionEvent, n int) []ExecutionEvent {
	t.Helper()
	out := make([]ExecutionEvent, 0, n)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "channel closed after %d events, wanted %d", len(out), n)
			out = append(out, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d events, wanted %d", len(out), n)
		}
	}
	return out
}

func TestHubPublishSubscribe(t *testing.T) {
	h := NewMemoryHub(HubConfig{HeartbeatEvery: time.Hour}, nil)
	t.Cleanup(h.Close)
	ctx := context.Background()

	ch, cancel := h.Subscribe(ctx, "ex-1")
	defer cancel()

	h.Publish(ctx, ExecutionEvent{ExecutionID: "ex-1", TenantID: "t1", Type: schema.EventExecutionStarted})
	h.Publish(ctx, ExecutionEvent{ExecutionID: "ex-1", Type: schema.EventStepStarted, StepID: "s1"})
	// Events for other executions are invisible.
	h.Publish(ctx, ExecutionEvent{ExecutionID: "ex-other", Type: schema.EventExecutionStarted})

	events := collect(t, ch, 2)
	assert.Equal(t, schema.EventExecutionStarted, events[0].Type)
	assert.Equal(t, schema.EventStepStarted, events[1].Type)
	assert.Equal(t, "s1", events[1].StepID)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestHubTerminalEventClosesStream(t *testing.T) {
	h := NewMemoryHub(HubConfig{HeartbeatEvery: time.Hour}, nil)
	t.Cleanup(h.Close)
	ctx := context.Background()

	ch, cancel := h.Subscribe(ctx, "ex-1")
	defer cancel()

	h.Publish(ctx, ExecutionEvent{ExecutionID: "ex-1", Type: schema.EventExecutionStarted})
	h.Publish(ctx, ExecutionEvent{ExecutionID: "ex-1", Type: schema.EventExecutionCompleted})

	events := collect(t, ch, 2)
	assert.Equal(t, schema.EventExecutionCompleted, events[1].Type)

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel must be closed after the terminal event")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after terminal event")
	}
}

func TestHubTerminalWithoutSubscribersIsNoop(t *testing.T) {
	h := NewMemoryHub(HubConfig{HeartbeatEvery: time.Hour}, nil)
	t.Cleanup(h.Close)

	// Must not create a stream that would never be cleaned up.
	h.Publish(context.Background(), ExecutionEvent{ExecutionID: "ghost", Type: schema.EventExecutionFailed})

	h.mu.Lock()
	_, exists := h.streams["ghost"]
	h.mu.Unlock()
	assert.False(t, exists)
}

func TestHubSlowSubscriberDropsEvents(t *testing.T) {
	h := NewMemoryHub(HubConfig{BufferSize: 2, HeartbeatEvery: time.Hour}, nil)
	t.Cleanup(h.Close)
	ctx := context.Background()

	ch, cancel := h.Subscribe(ctx, "ex-1")
	defer cancel()

	// Publish never blocks, even past the buffer.
	for i := 0; i < 10; i++ {
		h.Publish(ctx, ExecutionEvent{ExecutionID: "ex-1", Type: schema.EventStepStarted})
	}
	assert.Len(t, ch, 2)
}

func TestHubCancelUnsubscribes(t *testing.T) {
	h := NewMemoryHub(HubConfig{HeartbeatEvery: time.Hour}, nil)
	t.Cleanup(h.Close)
	ctx := context.Background()

	ch, cancel := h.Subscribe(ctx, "ex-1")
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	// Cancel twice is safe.
	cancel()
}

func TestHubHeartbeat(t *testing.T) {
	h := NewMemoryHub(HubConfig{HeartbeatEvery: 20 * time.Millisecond}, nil)
	t.Cleanup(h.Close)

	ch, cancel := h.Subscribe(context.Background(), "ex-quiet")
	defer cancel()

	events := collect(t, ch, 1)
	assert.Equal(t, schema.EventHeartbeat, events[0].Type)
	assert.Equal(t, "ex-quiet", events[0].ExecutionID)
}

func TestHubCloseClosesSubscribers(t *testing.T) {
	h := NewMemoryHub(HubConfig{HeartbeatEvery: time.Hour}, nil)
	ch, _ := h.Subscribe(context.Background(), "ex-1")

	h.Close()
	_, ok := <-ch
	assert.False(t, ok)
	// Close twice is safe.
	h.Close()
}
