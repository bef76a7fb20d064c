package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelmint/flow/pkg/schema"
)

func linearDef(ids ...string) *schema.WorkflowDefinition {
	def := &schema.WorkflowDefinition{ID: "wf"}
	for _, id := range ids {
		def.Nodes = append(def.Nodes, schema.WorkflowNode{ID: id, Type: schema.NodeTypeTrigger})
	}
	for i := 0; i+1 < len(ids); i++ {
		def.Connections = append(def.Connections, schema.WorkflowConnection{SourceNode: ids[i], TargetNode: ids[i+1]})
	}
	return def
}

func TestBuildGraph(t *testing.T) {
	t.Run("linear chain", func(t *testing.T) {
		g, err := BuildGraph(linearDef("a", "b", "c"))
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, g.Roots)
		assert.Len(t, g.Outgoing["a"], 1)
		assert.Len(t, g.Incoming["c"], 1)
		assert.Empty(t, g.Outgoing["c"])
	})

	t.Run("multiple roots", func(t *testing.T) {
		def := linearDef("a", "c")
		def.Nodes = append(def.Nodes, schema.WorkflowNode{ID: "b", Type: schema.NodeTypeTrigger})
		def.Connections = append(def.Connections, schema.WorkflowConnection{SourceNode: "b", TargetNode: "c"})
		g, err := BuildGraph(def)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, g.Roots)
		assert.Len(t, g.Incoming["c"], 2)
	})

	t.Run("nil definition", func(t *testing.T) {
		_, err := BuildGraph(nil)
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	})

	t.Run("no nodes", func(t *testing.T) {
		_, err := BuildGraph(&schema.WorkflowDefinition{ID: "wf"})
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	})

	t.Run("duplicate node id", func(t *testing.T) {
		def := &schema.WorkflowDefinition{ID: "wf", Nodes: []schema.WorkflowNode{
			{ID: "a", Type: schema.NodeTypeTrigger},
			{ID: "a", Type: schema.NodeTypeTrigger},
		}}
		_, err := BuildGraph(def)
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	})

	t.Run("unknown connection endpoint", func(t *testing.T) {
		def := linearDef("a", "b")
		def.Connections = append(def.Connections, schema.WorkflowConnection{SourceNode: "b", TargetNode: "ghost"})
		_, err := BuildGraph(def)
		assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
	})

	t.Run("unconditional cycle", func(t *testing.T) {
		def := linearDef("a", "b", "c")
		def.Connections = append(def.Connections, schema.WorkflowConnection{SourceNode: "c", TargetNode: "b"})
		_, err := BuildGraph(def)
		assert.Equal(t, schema.ErrCodeCycleDetected, schema.ErrorCode(err))
	})

	t.Run("all nodes in cycle", func(t *testing.T) {
		def := linearDef("a", "b")
		def.Connections = append(def.Connections, schema.WorkflowConnection{SourceNode: "b", TargetNode: "a"})
		_, err := BuildGraph(def)
		assert.Equal(t, schema.ErrCodeCycleDetected, schema.ErrorCode(err))
	})

	t.Run("guarded back edge tolerated", func(t *testing.T) {
		def := linearDef("a", "b", "c")
		def.Connections = append(def.Connections, schema.WorkflowConnection{
			SourceNode: "c", TargetNode: "b", Condition: "conditionMet",
		})
		_, err := BuildGraph(def)
		require.NoError(t, err)
	})
}
