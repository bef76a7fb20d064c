package streaming

import "context"

// StreamEvent is a real-time event emitted while an execution runs. It
// mirrors the persisted event record, minus storage concerns. Sequence is
// the store-assigned per-execution ordinal; subscribers use it to resume a
// stream without gaps or duplicates.
type StreamEvent struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id,omitempty"`
	EventType   string `json:"event_type"`
	Sequence    int64  `json:"sequence,omitempty"`
	Payload     any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
//
// AfterSequence resumes an execution-scoped stream: only events with a
// sequence strictly greater than it are delivered, and the hub replays its
// retained backlog of the named execution before going live. It requires
// ExecutionID to be set.
type EventFilter struct {
	ExecutionID   string   `json:"execution_id,omitempty"`
	EventTypes    []string `json:"event_types,omitempty"`
	AfterSequence int64    `json:"after_sequence,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
