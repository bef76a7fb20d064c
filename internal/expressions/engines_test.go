package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelmint/flow/pkg/schema"
)

func TestExprEngineEvaluateBool(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		want       bool
	}{
		{"numeric comparison", "3 > 2", true},
		{"numeric comparison false", "3 > 5", false},
		{"string equality", `"active" == "active"`, true},
		{"boolean connectives", "true && (1 < 2 || false)", true},
		{"arithmetic", "(10 + 5) * 2 == 30", true},
		{"negation", "!(2 == 2)", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(ctx, tt.expression)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExprEngineErrors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	t.Run("empty expression", func(t *testing.T) {
		_, err := e.EvaluateBool(ctx, "")
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeEvaluation, schema.ErrorCode(err))
	})

	t.Run("unknown identifier", func(t *testing.T) {
		_, err := e.EvaluateBool(ctx, "status == 200")
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeEvaluation, schema.ErrorCode(err))
	})

	t.Run("syntax error", func(t *testing.T) {
		_, err := e.EvaluateBool(ctx, "3 >")
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeEvaluation, schema.ErrorCode(err))
	})

	t.Run("non-boolean result", func(t *testing.T) {
		_, err := e.EvaluateBool(ctx, "1 + 2")
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeEvaluation, schema.ErrorCode(err))
	})
}

func TestExprEngineCachesPrograms(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.EvaluateBool(ctx, "1 < 2")
	require.NoError(t, err)
	_, err = e.EvaluateBool(ctx, "1 < 2")
	require.NoError(t, err)

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.cache, 1)
}

func TestGoJQEngineEvaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	data := map[string]any{
		"items": []any{
			map[string]any{"id": float64(1), "price": float64(10)},
			map[string]any{"id": float64(2), "price": float64(20)},
		},
		"status": "ok",
	}

	t.Run("single output", func(t *testing.T) {
		got, err := e.Evaluate(ctx, ".status", data)
		require.NoError(t, err)
		assert.Equal(t, "ok", got)
	})

	t.Run("aggregate", func(t *testing.T) {
		got, err := e.Evaluate(ctx, "[.items[].price] | add", data)
		require.NoError(t, err)
		assert.Equal(t, float64(30), got)
	})

	t.Run("multiple outputs collected", func(t *testing.T) {
		got, err := e.Evaluate(ctx, ".items[].id", data)
		require.NoError(t, err)
		assert.Equal(t, []any{float64(1), float64(2)}, got)
	})

	t.Run("no output", func(t *testing.T) {
		got, err := e.Evaluate(ctx, "empty", data)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("integer inputs widened", func(t *testing.T) {
		got, err := e.Evaluate(ctx, ".n + 1", map[string]any{"n": 41})
		require.NoError(t, err)
		assert.Equal(t, float64(42), got)
	})

	t.Run("parse error", func(t *testing.T) {
		_, err := e.Evaluate(ctx, ".items[", data)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
	})

	t.Run("env access blocked", func(t *testing.T) {
		got, err := e.Evaluate(ctx, `env.PATH`, data)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestCELEngineEvaluateBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	data := map[string]any{
		"conditionMet": true,
		"output":       map[string]any{"statusCode": float64(200)},
		"variables":    map[string]any{"retries": float64(2)},
	}

	tests := []struct {
		name       string
		expression string
		want       bool
	}{
		{"condition met", "conditionMet", true},
		{"condition not met", "!conditionMet", false},
		{"output field", "output.statusCode == 200.0", true},
		{"variables field", "variables.retries < 5.0", true},
		{"missing activation defaults", "conditionResult == false && size(input) == 0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvaluateBool(ctx, tt.expression, data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCELEngineErrors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("compile error", func(t *testing.T) {
		_, err := e.EvaluateBool(ctx, "conditionMet ==", nil)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
	})

	t.Run("undeclared variable", func(t *testing.T) {
		_, err := e.EvaluateBool(ctx, "unknownVar == true", nil)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
	})

	t.Run("non-boolean result", func(t *testing.T) {
		_, err := e.EvaluateBool(ctx, "variables.retries", map[string]any{
			"variables": map[string]any{"retries": float64(1)},
		})
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
	})
}
