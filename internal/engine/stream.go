package engine

import (
	"context"
	"encoding/json"

	"github.com/labelmint/flow/internal/store"
	"github.com/labelmint/flow/internal/streaming"
)

// publishingStore decorates a Store so every appended event is also
// broadcast on an EventHub. Publish failures never fail the append; the
// persisted record is the source of truth, the hub is best-effort.
type publishingStore struct {
	store.Store
	hub streaming.EventHub
}

func withEventHub(st store.Store, hub streaming.EventHub) store.Store {
	if hub == nil {
		return st
	}
	return &publishingStore{Store: st, hub: hub}
}

func (p *publishingStore) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := p.Store.AppendEvent(ctx, event); err != nil {
		return err
	}

	var payload any
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			payload = string(event.Payload)
		}
	}
	_ = p.hub.Publish(ctx, streaming.StreamEvent{
		ExecutionID: event.ExecutionID,
		NodeID:      event.NodeID,
		EventType:   event.Type,
		Sequence:    event.Sequence,
		Payload:     payload,
	})
	return nil
}
