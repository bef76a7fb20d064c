package schema

import "time"

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// NodeStatus represents the lifecycle state of a single node execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// Terminal reports whether the status admits no further transitions.
func (s NodeStatus) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// WorkflowExecution is one run of a definition. Owned by the engine while
// live; once terminal it is handed to the persistence collaborator and
// becomes read-only.
type WorkflowExecution struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflowId"`
	Status      ExecutionStatus  `json:"status"`
	Input       map[string]any   `json:"input,omitempty"`
	Variables   map[string]any   `json:"variables,omitempty"` // context snapshot at finalization
	Error       string           `json:"error,omitempty"`
	FailedNode  string           `json:"failedNode,omitempty"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Nodes       []*NodeExecution `json:"nodes,omitempty"`
}

// NodeExecution is the per-node record of one execution. Created when the
// engine schedules the node, finalized when its executor returns.
type NodeExecution struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"executionId"`
	NodeID      string         `json:"nodeId"`
	Status      NodeStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// NodeResult is what an executor returns on success. Output is merged into
// the NodeExecution record and made addressable to downstream templates as
// ${nodeId.field}; Variables are merged into the shared runtime variables
// at the scheduler's merge point.
type NodeResult struct {
	Output    map[string]any `json:"output,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Conventional variable keys written by the built-in executors.
const (
	VarConditionResult = "conditionResult"
	VarLastAPIResponse = "lastApiResponse"
)

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"

	EventConditionEvaluated = "condition_evaluated"
	EventVariablesMerged    = "variables_merged"
)
