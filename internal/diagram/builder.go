package diagram

import (
	"fmt"

	"github.com/labelmint/flow/pkg/schema"
)

// Build constructs a DiagramModel from a WorkflowDefinition. Nodes keep
// definition order; conditional connections carry their port or guard as
// the edge label.
func Build(def *schema.WorkflowDefinition) (*DiagramModel, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, fmt.Errorf("diagram: empty workflow definition")
	}

	nodes := make([]*Node, 0, len(def.Nodes))
	for i := range def.Nodes {
		nodes = append(nodes, definitionNode(&def.Nodes[i]))
	}

	edges := make([]Edge, 0, len(def.Connections))
	for i := range def.Connections {
		conn := &def.Connections[i]
		edges = append(edges, Edge{
			From:  conn.SourceNode,
			To:    conn.TargetNode,
			Label: edgeLabel(conn),
		})
	}

	return &DiagramModel{
		Title: titleFromDef(def),
		Nodes: nodes,
		Edges: edges,
	}, nil
}

// BuildWithExecution overlays per-node runtime state from an execution
// record onto the definition diagram.
func BuildWithExecution(def *schema.WorkflowDefinition, exec *schema.WorkflowExecution) (*DiagramModel, error) {
	model, err := Build(def)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return model, nil
	}

	records := make(map[string]*schema.NodeExecution, len(exec.Nodes))
	for _, ne := range exec.Nodes {
		records[ne.NodeID] = ne
	}
	for _, node := range model.Nodes {
		if ne, ok := records[node.ID]; ok {
			node.Status = &StatusOverlay{
				Status:   string(ne.Status),
				Attempts: ne.Attempts,
				Error:    ne.Error,
			}
		}
	}
	return model, nil
}

func definitionNode(wn *schema.WorkflowNode) *Node {
	return &Node{
		ID:    wn.ID,
		Label: nodeLabel(wn),
		Kind:  typeToKind(wn.Type),
	}
}

func typeToKind(nodeType string) NodeKind {
	switch nodeType {
	case schema.NodeTypeTrigger:
		return NodeKindTrigger
	case schema.NodeTypeCondition:
		return NodeKindCondition
	case schema.NodeTypeAPICall:
		return NodeKindAPICall
	default:
		return NodeKindGeneric
	}
}

func nodeLabel(wn *schema.WorkflowNode) string {
	if wn.Name != "" {
		return wn.Name
	}
	return wn.ID
}

func edgeLabel(conn *schema.WorkflowConnection) string {
	if conn.SourcePort == schema.PortTrue || conn.SourcePort == schema.PortFalse {
		return conn.SourcePort
	}
	return conn.Condition
}

func titleFromDef(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}
