// Package nodes defines the executor contract for workflow node types and
// the built-in condition and api_call executors. The engine dispatches each
// scheduled node to the executor registered under the node's type string;
// new node types plug in through the registry without engine changes.
package nodes

import (
	"context"
	"sort"
	"sync"

	"github.com/labelmint/flow/internal/runtime"
	"github.com/labelmint/flow/pkg/schema"
)

// Executor is the contract implemented by each node type.
type Executor interface {
	// Type returns the node type string this executor handles.
	Type() string

	// Execute runs the node against the runtime context and returns its
	// result. Executors must not retain rc beyond the call and must not
	// write rc variables directly; variable updates go through
	// NodeResult.Variables and are merged by the scheduler.
	Execute(ctx context.Context, node *schema.WorkflowNode, rc *runtime.Context) (*schema.NodeResult, error)
}

// Registry is a thread-safe mapping from node type strings to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[string]Executor),
	}
}

// Register adds an executor to the registry. Returns error on duplicate type.
func (r *Registry) Register(ex Executor) error {
	if ex == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}
	typ := ex.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "executor type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for node type %q already registered", typ)
	}

	r.executors[typ] = ex
	return nil
}

// Get retrieves the executor for a node type. An unknown type is a
// configuration problem in the definition, not a transient failure.
func (r *Registry) Get(nodeType string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.executors[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "no executor registered for node type %q", nodeType)
	}
	return ex, nil
}

// Has checks if a node type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[nodeType]
	return ok
}

// Types returns all registered node types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
