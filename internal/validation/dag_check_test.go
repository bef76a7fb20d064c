package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelmint/flow/pkg/schema"
)

func chainDef(ids ...string) *schema.WorkflowDefinition {
	def := &schema.WorkflowDefinition{ID: "wf"}
	for _, id := range ids {
		def.Nodes = append(def.Nodes, schema.WorkflowNode{ID: id, Type: schema.NodeTypeTrigger})
	}
	for i := 0; i+1 < len(ids); i++ {
		def.Connections = append(def.Connections, schema.WorkflowConnection{SourceNode: ids[i], TargetNode: ids[i+1]})
	}
	return def
}

func TestValidateDAG(t *testing.T) {
	t.Run("linear chain", func(t *testing.T) {
		result := validateDAG(chainDef("a", "b", "c"))
		assert.True(t, result.Valid())
		assert.Empty(t, result.Warnings)
	})

	t.Run("unguarded cycle", func(t *testing.T) {
		def := chainDef("a", "b", "c")
		def.Connections = append(def.Connections, schema.WorkflowConnection{SourceNode: "c", TargetNode: "b"})
		result := validateDAG(def)
		require.False(t, result.Valid())
		assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	})

	t.Run("guarded back edge allowed", func(t *testing.T) {
		def := chainDef("a", "b", "c")
		def.Connections = append(def.Connections, schema.WorkflowConnection{
			SourceNode: "c", TargetNode: "b", Condition: "!conditionMet",
		})
		assert.True(t, validateDAG(def).Valid())
	})

	t.Run("fully cyclic graph has no root", func(t *testing.T) {
		def := chainDef("a", "b")
		def.Connections = append(def.Connections, schema.WorkflowConnection{
			SourceNode: "b", TargetNode: "a", Condition: "conditionMet",
		})
		result := validateDAG(def)
		require.False(t, result.Valid())
		assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	})

	t.Run("unreachable node warns", func(t *testing.T) {
		def := chainDef("a", "b")
		def.Nodes = append(def.Nodes,
			schema.WorkflowNode{ID: "x", Type: schema.NodeTypeTrigger},
			schema.WorkflowNode{ID: "y", Type: schema.NodeTypeTrigger},
		)
		def.Connections = append(def.Connections,
			schema.WorkflowConnection{SourceNode: "x", TargetNode: "y", Condition: "conditionMet"},
			schema.WorkflowConnection{SourceNode: "y", TargetNode: "x", Condition: "!conditionMet"},
		)
		result := validateDAG(def)
		assert.True(t, result.Valid())
		assert.Len(t, result.Warnings, 2)
	})

	t.Run("disconnected islands are separate roots", func(t *testing.T) {
		def := chainDef("a", "b")
		def.Nodes = append(def.Nodes, schema.WorkflowNode{ID: "solo", Type: schema.NodeTypeTrigger})
		result := validateDAG(def)
		assert.True(t, result.Valid())
		assert.Empty(t, result.Warnings)
	})
}
