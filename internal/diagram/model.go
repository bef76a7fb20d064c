package diagram

// NodeKind classifies a diagram node by its workflow node type.
type NodeKind string

const (
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindCondition NodeKind = "condition"
	NodeKindAPICall   NodeKind = "api_call"
	NodeKindGeneric   NodeKind = "generic"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node represents a single workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status   string // from schema.NodeStatus
	Attempts int
	Error    string
}

// Edge represents a connection between two nodes. Label carries the
// boolean port or guard expression of a conditional connection.
type Edge struct {
	From  string
	To    string
	Label string
}
