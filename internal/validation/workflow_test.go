package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelmint/flow/pkg/schema"
)

func TestWorkflowValidatorPipeline(t *testing.T) {
	wv, err := NewWorkflowValidator(builtinTypes)
	require.NoError(t, err)

	t.Run("valid workflow", func(t *testing.T) {
		result := wv.Validate(validDefinition())
		assert.True(t, result.Valid())
		require.NoError(t, wv.ValidateDefinition(validDefinition()))
	})

	t.Run("nil definition", func(t *testing.T) {
		result := wv.Validate(nil)
		assert.False(t, result.Valid())
	})

	t.Run("structural failure short-circuits", func(t *testing.T) {
		def := validDefinition()
		def.ID = ""
		def.Connections[0].TargetNode = "ghost" // semantic issue, should not be reported
		result := wv.Validate(def)
		require.False(t, result.Valid())
		for _, issue := range result.Errors {
			assert.Equal(t, "/", issue.Path)
		}
	})

	t.Run("semantic failure skips graph analysis", func(t *testing.T) {
		def := validDefinition()
		def.Connections[0].TargetNode = "ghost"
		result := wv.Validate(def)
		require.False(t, result.Valid())
		for _, issue := range result.Errors {
			assert.NotEqual(t, schema.ErrCodeCycleDetected, issue.Code)
		}
	})

	t.Run("graph failure reported last", func(t *testing.T) {
		def := validDefinition()
		def.Connections = append(def.Connections,
			schema.WorkflowConnection{SourceNode: "check", TargetNode: "notify"},
			schema.WorkflowConnection{SourceNode: "notify", TargetNode: "check"},
		)
		result := wv.Validate(def)
		require.False(t, result.Valid())
		assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
	})

	t.Run("ToError aggregates issue counts", func(t *testing.T) {
		def := validDefinition()
		def.Connections[0].TargetNode = "ghost"
		def.Nodes = append(def.Nodes, schema.WorkflowNode{ID: "start", Type: schema.NodeTypeTrigger})
		err := wv.ValidateDefinition(def)
		require.Error(t, err)
		fe := schema.AsFlowError(err, "")
		assert.Equal(t, 2, fe.Details["error_count"])
	})

	t.Run("input validation delegates", func(t *testing.T) {
		inputSchema := []byte(`{"type": "object", "required": ["id"]}`)
		require.NoError(t, wv.ValidateInput(map[string]any{"id": "x"}, inputSchema))
		assert.Error(t, wv.ValidateInput(map[string]any{}, inputSchema))
	})
}
