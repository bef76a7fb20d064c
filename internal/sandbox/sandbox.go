// Package sandbox runs user-supplied condition and transform scripts in a
// restricted evaluator with a hard wall-clock limit. Scripts get a
// read-only scope and cannot reach the filesystem, network, or process
// environment.
package sandbox

import (
	"context"
	"time"

	"github.com/expr-lang/expr"

	"github.com/labelmint/flow/pkg/schema"
)

// DefaultTimeout is applied when a Config does not set one.
const DefaultTimeout = 5 * time.Second

// Runner executes an untrusted script against a scope and returns its value.
// Implementations must be safe for concurrent use.
type Runner interface {
	// Run evaluates script with the given scope. The scope is the only
	// data visible to the script; mutations made by the script are not
	// propagated back to the caller.
	Run(ctx context.Context, script string, scope map[string]any) (any, error)
}

// Config controls script execution limits.
type Config struct {
	// Timeout is the wall-clock limit per script run. Zero means DefaultTimeout.
	Timeout time.Duration
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// ExprRunner evaluates scripts with the Expr language. Each run uses a
// fresh compilation bound to the supplied scope, so no state leaks
// between invocations and scripts cannot reference identifiers outside
// their scope.
type ExprRunner struct {
	cfg Config
}

// NewExprRunner creates a Runner with the given limits.
func NewExprRunner(cfg Config) *ExprRunner {
	return &ExprRunner{cfg: cfg}
}

type runResult struct {
	value any
	err   error
}

// Run compiles and evaluates script against scope, enforcing the
// configured timeout. A script that overruns the limit fails with a
// timeout error; the runaway goroutine is abandoned.
func (r *ExprRunner) Run(ctx context.Context, script string, scope map[string]any) (any, error) {
	if script == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "empty script")
	}
	if scope == nil {
		scope = map[string]any{}
	}

	prg, err := expr.Compile(script, expr.Env(scope))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
			"script compile error: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"script": script})
	}

	timeout := r.cfg.timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan runResult, 1)
	go func() {
		out, runErr := expr.Run(prg, scope)
		ch <- runResult{value: out, err: runErr}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"script evaluation failed: %s", res.err.Error()).
				WithCause(res.err).
				WithDetails(map[string]any{"script": script})
		}
		return res.value, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "script execution cancelled").
				WithCause(ctx.Err())
		}
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"script exceeded %s limit", timeout).
			WithDetails(map[string]any{"script": script, "timeout": timeout.String()})
	}
}

var _ Runner = (*ExprRunner)(nil)
