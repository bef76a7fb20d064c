package validation

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/labelmint/flow/pkg/schema"
)

// cronParser accepts standard five-field cron expressions plus the
// @every/@hourly style descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: node type registration, connection endpoint and port references,
// boolean ports restricted to condition nodes, statically ambiguous
// branches, trigger configs, and retry policies.
func validateSemantic(def *schema.WorkflowDefinition, lookup NodeTypeLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.WorkflowNode, len(def.Nodes))
	for i := range def.Nodes {
		node := &def.Nodes[i]
		path := fmt.Sprintf("nodes[%d]", i)

		if _, dup := nodes[node.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", node.ID))
			continue
		}
		nodes[node.ID] = node

		if lookup != nil && !lookup.Has(node.Type) {
			result.AddError(path+".type", schema.ErrCodeValidation,
				fmt.Sprintf("node type %q has no registered executor", node.Type))
		}
		validateRetryPolicy(node, path, result)
	}

	for i := range def.Connections {
		validateConnection(&def.Connections[i], fmt.Sprintf("connections[%d]", i), nodes, result)
	}
	validateBranchAmbiguity(def, result)

	for i := range def.Triggers {
		validateTrigger(&def.Triggers[i], fmt.Sprintf("triggers[%d]", i), result)
	}

	return result
}

func validateConnection(conn *schema.WorkflowConnection, path string, nodes map[string]*schema.WorkflowNode, result *schema.ValidationResult) {
	source, sourceOK := nodes[conn.SourceNode]
	if !sourceOK {
		result.AddError(path+".sourceNode", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent node %q", conn.SourceNode))
	}
	target, targetOK := nodes[conn.TargetNode]
	if !targetOK {
		result.AddError(path+".targetNode", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent node %q", conn.TargetNode))
	}
	if conn.SourceNode == conn.TargetNode && conn.SourceNode != "" {
		result.AddError(path, schema.ErrCodeValidation,
			fmt.Sprintf("node %q connects to itself", conn.SourceNode))
	}

	booleanPort := conn.SourcePort == schema.PortTrue || conn.SourcePort == schema.PortFalse
	if sourceOK && booleanPort && source.Type != schema.NodeTypeCondition {
		result.AddError(path+".sourcePort", schema.ErrCodeValidation,
			fmt.Sprintf("boolean port %q requires a condition source node, %q is %q",
				conn.SourcePort, conn.SourceNode, source.Type))
	}

	// Declared ports are optional; when a node declares them, references
	// must match. Boolean ports on condition nodes are implicit.
	if sourceOK && conn.SourcePort != "" && !booleanPort && len(source.Outputs) > 0 {
		if !containsString(source.Outputs, conn.SourcePort) {
			result.AddError(path+".sourcePort", schema.ErrCodeValidation,
				fmt.Sprintf("node %q declares no output port %q", conn.SourceNode, conn.SourcePort))
		}
	}
	if targetOK && conn.TargetPort != "" && len(target.Inputs) > 0 {
		if !containsString(target.Inputs, conn.TargetPort) {
			result.AddError(path+".targetPort", schema.ErrCodeValidation,
				fmt.Sprintf("node %q declares no input port %q", conn.TargetNode, conn.TargetPort))
		}
	}
}

// validateBranchAmbiguity flags nodes with two outgoing edges on the same
// boolean port. One boolean outcome may select at most one guarded edge.
func validateBranchAmbiguity(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	type portKey struct {
		node string
		port string
	}
	seen := make(map[portKey]int)
	for i := range def.Connections {
		conn := &def.Connections[i]
		if conn.SourcePort != schema.PortTrue && conn.SourcePort != schema.PortFalse {
			continue
		}
		key := portKey{conn.SourceNode, conn.SourcePort}
		seen[key]++
		if seen[key] == 2 {
			result.AddError(fmt.Sprintf("connections[%d].sourcePort", i),
				schema.ErrCodeConfiguration,
				fmt.Sprintf("node %q has multiple outgoing connections on port %q", conn.SourceNode, conn.SourcePort))
		}
	}
}

func validateRetryPolicy(node *schema.WorkflowNode, path string, result *schema.ValidationResult) {
	policy := node.Retry
	if policy == nil {
		return
	}
	if policy.MaxAttempts > 10 {
		result.AddWarning(path+".retry.maxAttempts", schema.ErrCodeValidation,
			fmt.Sprintf("high attempt count (%d) may cause excessive delays", policy.MaxAttempts))
	}
	if policy.BackoffDelay != "" {
		if _, err := time.ParseDuration(policy.BackoffDelay); err != nil {
			result.AddError(path+".retry.backoffDelay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", policy.BackoffDelay))
		}
	}
	if policy.MaxDelay != "" {
		if _, err := time.ParseDuration(policy.MaxDelay); err != nil {
			result.AddError(path+".retry.maxDelay", schema.ErrCodeValidation,
				fmt.Sprintf("invalid duration %q", policy.MaxDelay))
		}
	}
}

func validateTrigger(trigger *schema.WorkflowTrigger, path string, result *schema.ValidationResult) {
	switch trigger.Type {
	case schema.TriggerManual:
		// No config required.
	case schema.TriggerSchedule:
		expr, _ := trigger.Config["cron"].(string)
		if expr == "" {
			result.AddError(path+".config.cron", schema.ErrCodeValidation,
				"schedule trigger requires a cron expression")
			return
		}
		if _, err := cronParser.Parse(expr); err != nil {
			result.AddError(path+".config.cron", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %s", expr, err))
		}
	case schema.TriggerWebhook:
		if p, _ := trigger.Config["path"].(string); p == "" {
			result.AddError(path+".config.path", schema.ErrCodeValidation,
				"webhook trigger requires a path")
		}
	case schema.TriggerEvent:
		if name, _ := trigger.Config["event"].(string); name == "" {
			result.AddError(path+".config.event", schema.ErrCodeValidation,
				"event trigger requires an event name")
		}
	default:
		result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown trigger type %q", trigger.Type))
	}
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
