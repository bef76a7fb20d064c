package streaming

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/labelmint/flow/pkg/schema"
)

const (
	defaultChannelBuffer = 64

	// historyLimit bounds the per-execution replay backlog. A subscriber
	// resuming from further back than the retained window reads the
	// persisted event log instead.
	historyLimit = 256
)

// subscriber holds a channel, a filter, and the highest execution sequence
// already delivered. The sequence gate keeps a backlog replay and a racing
// live publish from double-delivering the same event.
type subscriber struct {
	ch      chan StreamEvent
	filter  EventFilter
	lastSeq atomic.Int64
}

// deliver sends the event to the subscriber without blocking. Sequenced
// events on an execution-scoped subscription pass through the lastSeq gate
// first; a full channel drops the event.
func (s *subscriber) deliver(event StreamEvent) {
	if s.filter.ExecutionID != "" && event.Sequence > 0 {
		for {
			last := s.lastSeq.Load()
			if event.Sequence <= last {
				return
			}
			if s.lastSeq.CompareAndSwap(last, event.Sequence) {
				break
			}
		}
	}
	select {
	case s.ch <- event:
	default:
		// backpressure: drop event for slow subscriber
	}
}

// MemoryHub is an in-memory EventHub. Besides fan-out it retains a bounded
// per-execution backlog of sequenced events so a subscriber can resume a
// live execution mid-flight via EventFilter.AfterSequence. Backlogs are
// released when the execution reaches a terminal event; finished executions
// are served by the store's event log, not the hub.
type MemoryHub struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber
	history map[string][]StreamEvent
	nextID  atomic.Uint64
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs:    make(map[uint64]*subscriber),
		history: make(map[string][]StreamEvent),
	}
}

// Publish records the event in the execution's replay backlog and fans it
// out to all matching subscribers. Non-blocking per subscriber.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if event.ExecutionID != "" && event.Sequence > 0 {
		backlog := append(h.history[event.ExecutionID], event)
		if len(backlog) > historyLimit {
			backlog = backlog[len(backlog)-historyLimit:]
		}
		h.history[event.ExecutionID] = backlog
	}

	for _, sub := range h.subs {
		if matchFilter(sub.filter, event) {
			sub.deliver(event)
		}
	}

	if isTerminalEvent(event.EventType) {
		delete(h.history, event.ExecutionID)
	}
	return nil
}

// Subscribe creates a new subscription filtered by the given EventFilter.
// When the filter resumes an execution (AfterSequence with ExecutionID),
// the retained backlog past that sequence is queued before any live event.
// Returns a receive-only channel and a cancel function that must be called
// to release the subscription.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if filter.AfterSequence > 0 && filter.ExecutionID == "" {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "resuming by sequence requires an execution id")
	}

	id := h.nextID.Add(1)
	ch := make(chan StreamEvent, defaultChannelBuffer)
	sub := &subscriber{ch: ch, filter: filter}

	h.mu.Lock()
	if filter.ExecutionID != "" {
		for _, event := range h.history[filter.ExecutionID] {
			if event.Sequence > filter.AfterSequence && matchFilter(filter, event) {
				sub.deliver(event)
			}
		}
	}
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel, nil
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.ExecutionID != "" && f.ExecutionID != e.ExecutionID {
		return false
	}
	if f.AfterSequence > 0 && e.Sequence > 0 && e.Sequence <= f.AfterSequence {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case schema.EventExecutionCompleted, schema.EventExecutionFailed, schema.EventExecutionCancelled:
		return true
	default:
		return false
	}
}

var _ EventHub = (*MemoryHub)(nil)
