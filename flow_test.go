package flow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelmint/flow/internal/runtime"
	"github.com/labelmint/flow/pkg/schema"
)

func newFlow(t *testing.T) *Flow {
	t.Helper()
	f, err := New(Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func routingDef(apiURL string) *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:   "order-routing",
		Name: "Order Routing",
		Nodes: []WorkflowNode{
			{ID: "start", Type: schema.NodeTypeTrigger},
			{ID: "check", Type: schema.NodeTypeCondition, Config: map[string]any{
				"conditionType": "expression",
				"expression":    "amount > 100",
			}},
			{ID: "notify", Type: schema.NodeTypeAPICall, Config: map[string]any{
				"url":    apiURL + "/escalations",
				"method": "POST",
				"body":   map[string]any{"orderId": "${orderId}"},
			}},
			{ID: "archive", Type: schema.NodeTypeAPICall, Config: map[string]any{
				"url":    apiURL + "/archive",
				"method": "POST",
			}},
		},
		Connections: []WorkflowConnection{
			{SourceNode: "start", TargetNode: "check"},
			{SourceNode: "check", SourcePort: "true", TargetNode: "notify"},
			{SourceNode: "check", SourcePort: "false", TargetNode: "archive"},
		},
	}
}

func TestFlowExecuteEndToEnd(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"accepted": true}`)
	}))
	defer server.Close()

	f := newFlow(t)
	exec, err := f.Execute(context.Background(), routingDef(server.URL), map[string]any{
		"orderId": "o-42",
		"amount":  250,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
	assert.Equal(t, "/escalations", gotPath)
	assert.Equal(t, true, exec.Variables["conditionResult"])

	stored, err := f.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, stored.Status)

	events, err := f.Events(context.Background(), exec.ID, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestFlowExecuteRejectsInvalidDefinition(t *testing.T) {
	f := newFlow(t)

	def := routingDef("https://api.example.com")
	def.Connections[0].TargetNode = "ghost"
	_, err := f.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	result := f.Validate(def)
	assert.False(t, result.Valid())
}

func TestFlowValidateInput(t *testing.T) {
	f := newFlow(t)
	inputSchema := []byte(`{"type": "object", "required": ["orderId"]}`)
	require.NoError(t, f.ValidateInput(map[string]any{"orderId": "o-1"}, inputSchema))
	assert.Error(t, f.ValidateInput(map[string]any{}, inputSchema))
}

func TestFlowCustomExecutor(t *testing.T) {
	f, err := New(Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Executors: []Executor{noopExecutor{}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	def := &WorkflowDefinition{
		ID:    "wf-custom",
		Nodes: []WorkflowNode{{ID: "only", Type: "noop"}},
	}
	exec, err := f.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, exec.Status)
}

type noopExecutor struct{}

func (noopExecutor) Type() string { return "noop" }

func (noopExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, rc *runtime.Context) (*schema.NodeResult, error) {
	return &schema.NodeResult{}, nil
}

func TestFlowWatch(t *testing.T) {
	f := newFlow(t)

	ch, cancel, err := f.Watch(context.Background(), EventFilter{
		EventTypes: []string{schema.EventExecutionCompleted},
	})
	require.NoError(t, err)
	defer cancel()

	def := &WorkflowDefinition{
		ID:    "wf-watch",
		Nodes: []WorkflowNode{{ID: "start", Type: schema.NodeTypeTrigger}},
	}
	exec, err := f.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, schema.EventExecutionCompleted, ev.EventType)
		assert.Equal(t, exec.ID, ev.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("no completion event streamed")
	}
}

func TestFlowMermaid(t *testing.T) {
	f := newFlow(t)
	out, err := f.Mermaid(routingDef("https://api.example.com"), nil)
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "check -->|true| notify")
}
