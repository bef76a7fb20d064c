// Package store is the persistence collaborator for workflow executions.
// The engine emits execution and node state transitions as records and
// events; a Store implementation persists them for audit and replay. The
// engine depends only on the interface and works identically against the
// in-memory, libSQL, and Redis implementations.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/labelmint/flow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, exec *schema.WorkflowExecution) error
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	GetExecution(ctx context.Context, id string) (*schema.WorkflowExecution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.WorkflowExecution, error)

	// Node executions (materialized view)
	UpsertNodeExecution(ctx context.Context, ne *schema.NodeExecution) error
	ListNodeExecutions(ctx context.Context, executionID string) ([]*schema.NodeExecution, error)

	// Event log (append-only, per-execution sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Lifecycle
	Close() error
}

// Event is an immutable entry in the execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// ExecutionUpdate specifies mutable fields of an execution record.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Variables   map[string]any          `json:"variables,omitempty"`
	Error       string                  `json:"error,omitempty"`
	FailedNode  string                  `json:"failed_node,omitempty"`
	StartedAt   *time.Time              `json:"started_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

func sortNodeExecutions(nodes []*schema.NodeExecution) {
	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].NodeID < nodes[j].NodeID
	})
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}
