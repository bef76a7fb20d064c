package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan StreamEvent, n int) []StreamEvent {
	t.Helper()
	events := make([]StreamEvent, 0, n)
	for len(events) < n {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d", len(events)+1, n)
		}
	}
	return events
}

func TestMemoryHubPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	want := StreamEvent{ExecutionID: "exec-1", NodeID: "check", EventType: "node_completed", Sequence: 4}
	require.NoError(t, hub.Publish(ctx, want))

	got := collect(t, ch, 1)
	assert.Equal(t, want, got[0])
}

func TestMemoryHubFilters(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	byExec, cancelExec, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancelExec()

	byType, cancelType, err := hub.Subscribe(ctx, EventFilter{EventTypes: []string{"node_failed"}})
	require.NoError(t, err)
	defer cancelType()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "node_completed"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", EventType: "node_failed"}))

	gotExec := collect(t, byExec, 1)
	assert.Equal(t, "exec-1", gotExec[0].ExecutionID)

	gotType := collect(t, byType, 1)
	assert.Equal(t, "node_failed", gotType[0].EventType)

	select {
	case ev := <-byExec:
		t.Fatalf("unexpected event for exec filter: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryHubCancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "execution_started"}))
	select {
	case ev := <-ch:
		t.Fatalf("event delivered after cancel: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryHubSlowSubscriberDropsEvents(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "node_retrying", Sequence: int64(i)}))
	}

	// The buffer's worth of events arrives; the overflow was dropped
	// without blocking Publish.
	got := collect(t, ch, defaultChannelBuffer)
	assert.EqualValues(t, 0, got[0].Sequence)
	select {
	case ev := <-ch:
		t.Fatalf("expected overflow to be dropped, got %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryHubResumeReplaysBacklog(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "node_completed", Sequence: seq}))
	}
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-2", EventType: "node_completed", Sequence: 1}))

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1", AfterSequence: 2})
	require.NoError(t, err)
	defer cancel()

	got := collect(t, ch, 3)
	assert.EqualValues(t, 3, got[0].Sequence)
	assert.EqualValues(t, 4, got[1].Sequence)
	assert.EqualValues(t, 5, got[2].Sequence)

	// Live events past the backlog keep flowing on the same channel.
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "node_started", Sequence: 6}))
	live := collect(t, ch, 1)
	assert.EqualValues(t, 6, live[0].Sequence)
}

func TestMemoryHubResumeRequiresExecutionID(t *testing.T) {
	hub := NewMemoryHub()
	_, _, err := hub.Subscribe(context.Background(), EventFilter{AfterSequence: 5})
	assert.Error(t, err)
}

func TestMemoryHubNoDuplicateDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "execution_started", Sequence: 1}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "node_started", Sequence: 2}))

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	got := collect(t, ch, 2)
	assert.EqualValues(t, 1, got[0].Sequence)
	assert.EqualValues(t, 2, got[1].Sequence)

	// A publish racing in with an already-delivered sequence is suppressed.
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "node_started", Sequence: 2}))
	select {
	case ev := <-ch:
		t.Fatalf("duplicate sequence delivered: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "node_completed", Sequence: 3}))
	next := collect(t, ch, 1)
	assert.EqualValues(t, 3, next[0].Sequence)
}

func TestMemoryHubTerminalEventReleasesBacklog(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "execution_started", Sequence: 1}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "execution_completed", Sequence: 2}))

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1", AfterSequence: 1})
	require.NoError(t, err)
	defer cancel()

	select {
	case ev := <-ch:
		t.Fatalf("backlog of a finished execution replayed: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemoryHubBacklogBounded(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	total := int64(historyLimit + 10)
	for seq := int64(1); seq <= total; seq++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "exec-1", EventType: "node_retrying", Sequence: seq}))
	}

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1", AfterSequence: 1})
	require.NoError(t, err)
	defer cancel()

	// The oldest events fell out of the retained window; replay starts at
	// the window's first surviving sequence.
	got := collect(t, ch, 1)
	assert.EqualValues(t, total-historyLimit+1, got[0].Sequence)
}

func TestMemoryHubCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.Error(t, err)
	assert.Error(t, hub.Publish(ctx, StreamEvent{}))
}
