package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/labelmint/flow/pkg/schema"
)

// ExprEngine evaluates boolean condition expressions using expr-lang/expr.
// Condition expressions arrive with their variable references already
// substituted by JSON-encoded values, so the environment is closed: any
// leftover identifier is a compile error, which keeps the expression
// language restricted to literals, comparisons, boolean connectives, and
// arithmetic.
// Thread-safe: compiled *vm.Program objects are cached and reused.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and runs it.
// The data map is ignored: condition expressions are fully substituted
// before evaluation and must not reference any environment.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	return e.EvaluateBool(ctx, expression)
}

// EvaluateBool evaluates a substituted expression as a boolean. Syntax
// errors, unknown identifiers, and non-boolean results all fail with an
// evaluation error.
func (e *ExprEngine) EvaluateBool(ctx context.Context, expression string) (bool, error) {
	if expression == "" {
		return false, schema.NewError(schema.ErrCodeEvaluation, "empty condition expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return false, err
	}

	out, err := vm.Run(prg, map[string]any{})
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression %q did not evaluate to a boolean (got %T)", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
// The environment is a closed empty map: undefined identifiers are rejected.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, expr.Env(map[string]any{}))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"expression compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
