package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan RunEvent) RunEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return RunEvent{}
	}
}

func assertEmpty(t *testing.T, ch <-chan RunEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := RunEvent{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		EventType:   "workflow_started",
		From:        "pending",
		To:          "running",
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := receive(t, ch)
	assert.Equal(t, event, got)
	assert.False(t, got.Terminal())
}

func TestFilters(t *testing.T) {
	tests := []struct {
		name   string
		filter EventFilter
		event  RunEvent
		match  bool
	}{
		{"empty matches all", EventFilter{}, RunEvent{WorkflowID: "wf-1"}, true},
		{"workflow match", EventFilter{WorkflowID: "wf-1"}, RunEvent{WorkflowID: "wf-1"}, true},
		{"workflow mismatch", EventFilter{WorkflowID: "wf-1"}, RunEvent{WorkflowID: "wf-2"}, false},
		{"execution match", EventFilter{ExecutionID: "e1"}, RunEvent{ExecutionID: "e1"}, true},
		{"execution mismatch", EventFilter{ExecutionID: "e1"}, RunEvent{ExecutionID: "e2"}, false},
		{"event type listed", EventFilter{EventTypes: []string{"workflow_failed", "workflow_completed"}}, RunEvent{EventType: "workflow_completed"}, true},
		{"event type not listed", EventFilter{EventTypes: []string{"workflow_failed"}}, RunEvent{EventType: "workflow_started"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.match, matchFilter(tc.filter, tc.event))
		})
	}
}

func TestFilteredSubscriber(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, RunEvent{ExecutionID: "exec-2", To: "running"}))
	require.NoError(t, hub.Publish(ctx, RunEvent{ExecutionID: "exec-1", To: "completed"}))

	got := receive(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.True(t, got.Terminal())
	assertEmpty(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, RunEvent{WorkflowID: "wf-1", To: "failed"}))

	for _, ch := range []<-chan RunEvent{ch1, ch2} {
		assert.Equal(t, "wf-1", receive(t, ch).WorkflowID)
	}
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, hub.Subscribers())
	require.NoError(t, hub.Publish(ctx, RunEvent{WorkflowID: "wf-1"}))
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub(2)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(ctx, RunEvent{WorkflowID: "wf-1"}))
	}
	assert.Len(t, ch, 2)
	assert.Equal(t, uint64(3), hub.Dropped())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, hub.Publish(ctx, RunEvent{}), context.Canceled)
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	hub := NewMemoryHub(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for j := 0; j < 10; j++ {
				_ = hub.Publish(ctx, RunEvent{WorkflowID: "wf"})
			}
			cancel()
			for range ch {
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}
