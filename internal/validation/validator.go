package validation

import "github.com/labelmint/flow/pkg/schema"

// Validator checks workflow definitions for correctness before execution.
// Uses JSON Schema Draft 2020-12 for structural validation.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// NodeTypeLookup answers whether a node type has a registered executor.
// The executor registry satisfies this.
type NodeTypeLookup interface {
	Has(nodeType string) bool
}
