package validation

import (
	"fmt"
	"sort"

	"github.com/labelmint/flow/pkg/schema"
)

// validateDAG performs graph analysis on the node graph: cycle detection
// over unguarded connections (Kahn's algorithm) and reachability from root
// nodes. Guarded edges are excluded from the cycle check since they may
// legitimately form loops that a boolean outcome breaks at runtime.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(def.Nodes))
	for i := range def.Nodes {
		nodeIDs[def.Nodes[i].ID] = true
	}

	outgoing := make(map[string][]string, len(def.Nodes))
	allOutgoing := make(map[string][]string, len(def.Nodes))
	inDegree := make(map[string]int, len(def.Nodes))
	hasInbound := make(map[string]bool, len(def.Nodes))
	for id := range nodeIDs {
		inDegree[id] = 0
	}

	for i := range def.Connections {
		conn := &def.Connections[i]
		if !nodeIDs[conn.SourceNode] || !nodeIDs[conn.TargetNode] {
			continue // invalid refs already caught by semantic
		}
		allOutgoing[conn.SourceNode] = append(allOutgoing[conn.SourceNode], conn.TargetNode)
		hasInbound[conn.TargetNode] = true
		if conn.Conditional() {
			continue
		}
		outgoing[conn.SourceNode] = append(outgoing[conn.SourceNode], conn.TargetNode)
		inDegree[conn.TargetNode]++
	}

	// Kahn's algorithm over unguarded edges.
	queue := make([]string, 0, len(nodeIDs))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range outgoing[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(nodeIDs) {
		result.AddError("connections", schema.ErrCodeCycleDetected,
			"workflow contains an unguarded connection cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from root nodes through all edges, guarded included.
	roots := make([]string, 0)
	for id := range nodeIDs {
		if !hasInbound[id] {
			roots = append(roots, id)
		}
	}
	if len(roots) == 0 {
		result.AddError("connections", schema.ErrCodeCycleDetected,
			"workflow has no root node: every node has an inbound connection")
		return result
	}

	reachable := make(map[string]bool, len(nodeIDs))
	bfs := make([]string, len(roots))
	copy(bfs, roots)
	for _, r := range roots {
		reachable[r] = true
	}
	for len(bfs) > 0 {
		node := bfs[0]
		bfs = bfs[1:]
		for _, next := range allOutgoing[node] {
			if !reachable[next] {
				reachable[next] = true
				bfs = append(bfs, next)
			}
		}
	}

	for i := range def.Nodes {
		id := def.Nodes[i].ID
		if !reachable[id] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", id),
				schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any root node", id))
		}
	}

	return result
}
