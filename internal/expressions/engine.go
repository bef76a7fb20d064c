package expressions

import "context"

// Engine evaluates expressions against a data scope.
// Three implementations: CEL (connection guards), Expr (boolean condition
// expressions), GoJQ (response transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
