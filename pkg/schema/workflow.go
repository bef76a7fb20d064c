package schema

// WorkflowDefinition is the immutable, JSON-serializable workflow blueprint.
// Authoring collaborators validate and hand it to the engine together with a
// trigger input; the engine never mutates it.
type WorkflowDefinition struct {
	ID          string               `json:"id"`
	Name        string               `json:"name,omitempty"`
	Nodes       []WorkflowNode       `json:"nodes"`
	Connections []WorkflowConnection `json:"connections,omitempty"`
	Variables   map[string]any       `json:"variables,omitempty"`
	Triggers    []WorkflowTrigger    `json:"triggers,omitempty"`
}

// WorkflowNode describes a single typed step in the workflow graph.
type WorkflowNode struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"` // condition, api_call, trigger, ... (registry-extensible)
	Name          string         `json:"name,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Inputs        []string       `json:"inputs,omitempty"`  // declared input port names
	Outputs       []string       `json:"outputs,omitempty"` // declared output port names
	Retry         *RetryPolicy   `json:"retry,omitempty"`
	ErrorHandling *ErrorHandling `json:"errorHandling,omitempty"`
}

// Built-in node types. Any other type string is resolved through the
// executor registry, so new node kinds need no schema changes.
const (
	NodeTypeTrigger   = "trigger"
	NodeTypeCondition = "condition"
	NodeTypeAPICall   = "api_call"
)

// WorkflowConnection is a directed edge between two node ports.
// Condition holds an optional guard expression evaluated by the engine
// against the source node's output before the edge is followed.
type WorkflowConnection struct {
	SourceNode string `json:"sourceNode"`
	SourcePort string `json:"sourcePort,omitempty"`
	TargetNode string `json:"targetNode"`
	TargetPort string `json:"targetPort,omitempty"`
	Condition  string `json:"condition,omitempty"`
}

// Conditional reports whether the edge carries a guard: either an explicit
// guard expression or a boolean source port on a condition node.
func (c *WorkflowConnection) Conditional() bool {
	return c.Condition != "" || c.SourcePort == PortTrue || c.SourcePort == PortFalse
}

// Conventional boolean output ports of a condition node.
const (
	PortTrue  = "true"
	PortFalse = "false"
)

// TriggerType enumerates the kinds of trigger sources that may start an
// execution. Trigger sources themselves are external collaborators; the
// engine only reads the descriptor for validation and bookkeeping.
type TriggerType string

const (
	TriggerManual   TriggerType = "manual"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
	TriggerEvent    TriggerType = "event"
)

// WorkflowTrigger describes one way an execution of this definition may be
// started, with type-specific configuration (e.g. a cron expression for
// schedule triggers).
type WorkflowTrigger struct {
	Type   TriggerType    `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// RetryPolicy configures engine-driven retries for a node. Delays are Go
// duration strings (e.g. "100ms", "2s").
type RetryPolicy struct {
	MaxAttempts  int    `json:"maxAttempts"`
	BackoffType  string `json:"backoffType,omitempty"` // fixed | linear | exponential
	BackoffDelay string `json:"backoffDelay,omitempty"`
	MaxDelay     string `json:"maxDelay,omitempty"`
}

// Backoff type values for RetryPolicy.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// ErrorHandling controls how a node failure affects the workflow.
// ContinueOnError downgrades a failure into a degraded, non-fatal result.
type ErrorHandling struct {
	ContinueOnError bool `json:"continueOnError"`
}

// ContinuesOnError reports the effective continue-on-error flag for a node
// (false when no error handling block is configured).
func (n *WorkflowNode) ContinuesOnError() bool {
	return n.ErrorHandling != nil && n.ErrorHandling.ContinueOnError
}
