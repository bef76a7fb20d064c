package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/labelmint/flow/pkg/schema"
)

// MemoryStore is the default in-process Store. Records live only as long
// as the process; it is the fallback when no persistence collaborator is
// configured, and the implementation the test suites run against.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*schema.WorkflowExecution
	nodes      map[string]map[string]*schema.NodeExecution // execution id -> node id
	events     map[string][]*Event
	nextID     int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*schema.WorkflowExecution),
		nodes:      make(map[string]map[string]*schema.NodeExecution),
		events:     make(map[string][]*Event),
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error {
	if exec == nil || exec.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	clone := *exec
	s.executions[exec.ID] = &clone
	return nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Variables != nil {
		exec.Variables = update.Variables
	}
	if update.Error != "" {
		exec.Error = update.Error
	}
	if update.FailedNode != "" {
		exec.FailedNode = update.FailedNode
	}
	if update.StartedAt != nil {
		exec.StartedAt = *update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}

	clone := *exec
	clone.Nodes = s.nodeListLocked(id)
	return &clone, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schema.WorkflowExecution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && exec.StartedAt.Before(*filter.Since) {
			continue
		}
		clone := *exec
		out = append(out, &clone)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertNodeExecution(ctx context.Context, ne *schema.NodeExecution) error {
	if ne == nil || ne.ExecutionID == "" || ne.NodeID == "" {
		return schema.NewError(schema.ErrCodeValidation, "node execution needs execution id and node id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byNode, ok := s.nodes[ne.ExecutionID]
	if !ok {
		byNode = make(map[string]*schema.NodeExecution)
		s.nodes[ne.ExecutionID] = byNode
	}
	clone := *ne
	byNode[ne.NodeID] = &clone
	return nil
}

func (s *MemoryStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*schema.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodeListLocked(executionID), nil
}

func (s *MemoryStore) nodeListLocked(executionID string) []*schema.NodeExecution {
	byNode := s.nodes[executionID]
	if len(byNode) == 0 {
		return nil
	}
	out := make([]*schema.NodeExecution, 0, len(byNode))
	for _, ne := range byNode {
		clone := *ne
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// AppendEvent records an event with a monotonically increasing
// per-execution sequence.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	if event == nil || event.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event needs an execution id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	clone := *event
	clone.ID = s.nextID
	clone.Sequence = int64(len(s.events[event.ExecutionID]) + 1)
	if clone.Timestamp.IsZero() {
		clone.Timestamp = time.Now().UTC()
	}
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &clone)

	event.ID = clone.ID
	event.Sequence = clone.Sequence
	return nil
}

// GetEvents returns events with sequence > since, ordered by sequence.
func (s *MemoryStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[executionID] {
		if e.Sequence > since {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
