package nodes

import (
	"context"
	"time"

	"github.com/labelmint/flow/internal/runtime"
	"github.com/labelmint/flow/pkg/schema"
)

// TriggerExecutor handles trigger nodes. The actual trigger source
// (webhook receipt, schedule firing, manual invocation) lives outside the
// engine; by the time an execution starts the trigger has already fired,
// so this executor only surfaces the triggering payload to the graph.
type TriggerExecutor struct{}

// NewTriggerExecutor creates the trigger node executor.
func NewTriggerExecutor() *TriggerExecutor {
	return &TriggerExecutor{}
}

func (e *TriggerExecutor) Type() string { return schema.NodeTypeTrigger }

func (e *TriggerExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, rc *runtime.Context) (*schema.NodeResult, error) {
	output := map[string]any{
		"triggerType": stringParam(node.Config, "triggerType", string(schema.TriggerManual)),
		"firedAt":     time.Now().UTC().Format(time.RFC3339),
		"input":       rc.Input(),
	}
	return &schema.NodeResult{Output: output}, nil
}

var _ Executor = (*TriggerExecutor)(nil)
