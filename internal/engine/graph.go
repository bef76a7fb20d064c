// Package engine drives workflow executions: it resolves node order from
// the connection graph, dispatches nodes to their registered executors on
// a bounded worker pool, applies retry and continue-on-error policy, and
// records every state transition through the persistence collaborator.
package engine

import (
	"github.com/labelmint/flow/pkg/schema"
)

// Graph is the resolved adjacency view of a workflow definition.
type Graph struct {
	Nodes    map[string]*schema.WorkflowNode
	Outgoing map[string][]*schema.WorkflowConnection
	Incoming map[string][]*schema.WorkflowConnection

	// Roots are the entry points: nodes with no inbound connections.
	Roots []string
}

// BuildGraph indexes a definition's nodes and connections and verifies
// structural invariants: unique node IDs, connection endpoints that exist,
// and acyclicity along unconditional edges. Conditional back-edges are
// tolerated as an extension point and excluded from the cycle check.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition has no nodes")
	}

	g := &Graph{
		Nodes:    make(map[string]*schema.WorkflowNode, len(def.Nodes)),
		Outgoing: make(map[string][]*schema.WorkflowConnection),
		Incoming: make(map[string][]*schema.WorkflowConnection),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "workflow node with empty id")
		}
		if _, dup := g.Nodes[node.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", node.ID)
		}
		g.Nodes[node.ID] = node
	}

	for i := range def.Connections {
		conn := &def.Connections[i]
		if _, ok := g.Nodes[conn.SourceNode]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection references unknown source node %q", conn.SourceNode)
		}
		if _, ok := g.Nodes[conn.TargetNode]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection references unknown target node %q", conn.TargetNode)
		}
		g.Outgoing[conn.SourceNode] = append(g.Outgoing[conn.SourceNode], conn)
		g.Incoming[conn.TargetNode] = append(g.Incoming[conn.TargetNode], conn)
	}

	for i := range def.Nodes {
		id := def.Nodes[i].ID
		if len(g.Incoming[id]) == 0 {
			g.Roots = append(g.Roots, id)
		}
	}
	if len(g.Roots) == 0 {
		return nil, schema.NewError(schema.ErrCodeCycleDetected,
			"workflow graph has no entry point: every node has inbound connections")
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs Kahn's algorithm over unconditional edges only.
func (g *Graph) checkAcyclic() error {
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = 0
	}
	for _, conns := range g.Outgoing {
		for _, c := range conns {
			if c.Conditional() {
				continue
			}
			inDegree[c.TargetNode]++
		}
	}

	queue := make([]string, 0, len(g.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, c := range g.Outgoing[id] {
			if c.Conditional() {
				continue
			}
			inDegree[c.TargetNode]--
			if inDegree[c.TargetNode] == 0 {
				queue = append(queue, c.TargetNode)
			}
		}
	}

	if visited != len(g.Nodes) {
		return schema.NewError(schema.ErrCodeCycleDetected,
			"workflow graph contains a cycle along unconditional connections")
	}
	return nil
}
