package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labelmint/flow/internal/runtime"
	"github.com/labelmint/flow/internal/sandbox"
	"github.com/labelmint/flow/pkg/schema"
)

func conditionNode(config map[string]any) *schema.WorkflowNode {
	return &schema.WorkflowNode{
		ID:     "cond-1",
		Type:   schema.NodeTypeCondition,
		Config: config,
	}
}

func testContext(variables, input map[string]any) *runtime.Context {
	return runtime.NewContext("exec-test", variables, input, nil)
}

func TestConditionExpression(t *testing.T) {
	e := NewConditionExecutor(nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		expression string
		variables  map[string]any
		want       bool
	}{
		{"greater than true", "amount > 100", map[string]any{"amount": float64(150)}, true},
		{"greater than false", "amount > 100", map[string]any{"amount": float64(50)}, false},
		{"string equality", `status == "active"`, map[string]any{"status": "active"}, true},
		{"connectives", "amount > 100 && vip", map[string]any{"amount": float64(200), "vip": true}, true},
		{"arithmetic", "price * quantity >= 90", map[string]any{"price": float64(9), "quantity": float64(10)}, true},
		{"longer name not clobbered", "amountDue > amount", map[string]any{"amount": float64(10), "amountDue": float64(20)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := conditionNode(map[string]any{
				"conditionType": "expression",
				"expression":    tt.expression,
			})
			res, err := e.Execute(ctx, node, testContext(tt.variables, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output["conditionMet"])
			assert.Equal(t, "expression", res.Output["conditionType"])
			assert.NotEmpty(t, res.Output["evaluatedAt"])
			assert.Equal(t, tt.want, res.Variables[schema.VarConditionResult])
		})
	}
}

func TestConditionExpressionErrors(t *testing.T) {
	e := NewConditionExecutor(nil)
	ctx := context.Background()

	t.Run("unknown identifier", func(t *testing.T) {
		node := conditionNode(map[string]any{
			"conditionType": "expression",
			"expression":    "missing > 5",
		})
		_, err := e.Execute(ctx, node, testContext(nil, nil))
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeEvaluation, schema.ErrorCode(err))
	})

	t.Run("syntax error", func(t *testing.T) {
		node := conditionNode(map[string]any{
			"conditionType": "expression",
			"expression":    "amount >",
		})
		_, err := e.Execute(ctx, node, testContext(map[string]any{"amount": float64(1)}, nil))
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeEvaluation, schema.ErrorCode(err))
	})

	t.Run("empty expression", func(t *testing.T) {
		node := conditionNode(map[string]any{"conditionType": "expression"})
		_, err := e.Execute(ctx, node, testContext(nil, nil))
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
	})
}

func TestConditionUnknownType(t *testing.T) {
	e := NewConditionExecutor(nil)
	node := conditionNode(map[string]any{"conditionType": "fuzzy"})

	_, err := e.Execute(context.Background(), node, testContext(nil, nil))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
}

func TestConditionRules(t *testing.T) {
	e := NewConditionExecutor(nil)
	ctx := context.Background()

	variables := map[string]any{
		"amount": float64(150),
		"status": "active",
		"vip":    true,
		"tags":   []any{"gold", "eu"},
		"user":   map[string]any{"email": "ada@example.com"},
		"joined": "2024-03-01",
		"note":   "",
	}

	rulesOf := func(logicOp string, rules ...map[string]any) map[string]any {
		raw := make([]any, len(rules))
		for i, r := range rules {
			raw[i] = r
		}
		return map[string]any{
			"conditionType": "rules",
			"logicOperator": logicOp,
			"rules":         raw,
		}
	}

	tests := []struct {
		name   string
		config map[string]any
		want   bool
	}{
		{
			"numeric greater_than",
			rulesOf("and", map[string]any{"field": "amount", "operator": "greater_than", "value": float64(100), "valueType": "number"}),
			true,
		},
		{
			"numeric less_equal false",
			rulesOf("and", map[string]any{"field": "amount", "operator": "less_equal", "value": float64(100), "valueType": "number"}),
			false,
		},
		{
			"string equals",
			rulesOf("and", map[string]any{"field": "status", "operator": "equals", "value": "active"}),
			true,
		},
		{
			"boolean equals",
			rulesOf("and", map[string]any{"field": "vip", "operator": "equals", "value": true, "valueType": "boolean"}),
			true,
		},
		{
			"date greater_than",
			rulesOf("and", map[string]any{"field": "joined", "operator": "greater_than", "value": "2024-01-01", "valueType": "date"}),
			true,
		},
		{
			"contains on array",
			rulesOf("and", map[string]any{"field": "tags", "operator": "contains", "value": "gold"}),
			true,
		},
		{
			"not_contains on string",
			rulesOf("and", map[string]any{"field": "status", "operator": "not_contains", "value": "inact"}),
			true,
		},
		{
			"starts_with dotted field",
			rulesOf("and", map[string]any{"field": "user.email", "operator": "starts_with", "value": "ada@"}),
			true,
		},
		{
			"ends_with",
			rulesOf("and", map[string]any{"field": "user.email", "operator": "ends_with", "value": ".com"}),
			true,
		},
		{
			"is_empty",
			rulesOf("and", map[string]any{"field": "note", "operator": "is_empty"}),
			true,
		},
		{
			"is_not_empty on absent field",
			rulesOf("and", map[string]any{"field": "nope", "operator": "is_not_empty"}),
			false,
		},
		{
			"in",
			rulesOf("and", map[string]any{"field": "status", "operator": "in", "value": []any{"active", "trial"}}),
			true,
		},
		{
			"not_in",
			rulesOf("and", map[string]any{"field": "status", "operator": "not_in", "value": []any{"banned"}}),
			true,
		},
		{
			"matches_regex",
			rulesOf("and", map[string]any{"field": "user.email", "operator": "matches_regex", "value": `^[a-z]+@example\.com$`}),
			true,
		},
		{
			"index access",
			rulesOf("and", map[string]any{"field": "tags[0]", "operator": "equals", "value": "gold"}),
			true,
		},
		{
			"and combines",
			rulesOf("and",
				map[string]any{"field": "amount", "operator": "greater_than", "value": float64(100), "valueType": "number"},
				map[string]any{"field": "status", "operator": "equals", "value": "active"},
			),
			true,
		},
		{
			"or rescues",
			rulesOf("or",
				map[string]any{"field": "status", "operator": "equals", "value": "banned"},
				map[string]any{"field": "vip", "operator": "equals", "value": true, "valueType": "boolean"},
			),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(ctx, conditionNode(tt.config), testContext(variables, nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Output["conditionMet"])
		})
	}
}

func TestConditionRulesShortCircuit(t *testing.T) {
	e := NewConditionExecutor(nil)
	ctx := context.Background()

	// The second rule has an invalid regex; it must never be evaluated
	// because the first rule already decides the result.
	t.Run("and stops at first false", func(t *testing.T) {
		node := conditionNode(map[string]any{
			"conditionType": "rules",
			"logicOperator": "and",
			"rules": []any{
				map[string]any{"field": "status", "operator": "equals", "value": "banned"},
				map[string]any{"field": "status", "operator": "matches_regex", "value": "("},
			},
		})
		res, err := e.Execute(ctx, node, testContext(map[string]any{"status": "active"}, nil))
		require.NoError(t, err)
		assert.Equal(t, false, res.Output["conditionMet"])
	})

	t.Run("or stops at first true", func(t *testing.T) {
		node := conditionNode(map[string]any{
			"conditionType": "rules",
			"logicOperator": "or",
			"rules": []any{
				map[string]any{"field": "status", "operator": "equals", "value": "active"},
				map[string]any{"field": "status", "operator": "matches_regex", "value": "("},
			},
		})
		res, err := e.Execute(ctx, node, testContext(map[string]any{"status": "active"}, nil))
		require.NoError(t, err)
		assert.Equal(t, true, res.Output["conditionMet"])
	})
}

func TestConditionRulesConfigurationErrors(t *testing.T) {
	e := NewConditionExecutor(nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		config map[string]any
	}{
		{
			"invalid regex",
			map[string]any{
				"conditionType": "rules",
				"rules": []any{
					map[string]any{"field": "status", "operator": "matches_regex", "value": "("},
				},
			},
		},
		{
			"unknown operator",
			map[string]any{
				"conditionType": "rules",
				"rules": []any{
					map[string]any{"field": "status", "operator": "approximately", "value": "x"},
				},
			},
		},
		{
			"unknown logicOperator",
			map[string]any{
				"conditionType": "rules",
				"logicOperator": "xor",
				"rules": []any{
					map[string]any{"field": "status", "operator": "equals", "value": "x"},
				},
			},
		},
		{
			"unknown valueType",
			map[string]any{
				"conditionType": "rules",
				"rules": []any{
					map[string]any{"field": "status", "operator": "equals", "value": "x", "valueType": "uuid"},
				},
			},
		},
		{
			"empty rules",
			map[string]any{"conditionType": "rules", "rules": []any{}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(ctx, conditionNode(tt.config), testContext(map[string]any{"status": "active"}, nil))
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeConfiguration, schema.ErrorCode(err))
		})
	}
}

func TestConditionScript(t *testing.T) {
	e := NewConditionExecutor(nil)
	ctx := context.Background()

	t.Run("sees variables and input", func(t *testing.T) {
		node := conditionNode(map[string]any{
			"conditionType": "script",
			"script":        `variables.amount > 100 && input.region == "eu"`,
		})
		rc := testContext(map[string]any{"amount": 150}, map[string]any{"region": "eu"})
		res, err := e.Execute(ctx, node, rc)
		require.NoError(t, err)
		assert.Equal(t, true, res.Output["conditionMet"])
	})

	t.Run("non-boolean result", func(t *testing.T) {
		node := conditionNode(map[string]any{
			"conditionType": "script",
			"script":        "variables.amount",
		})
		_, err := e.Execute(ctx, node, testContext(map[string]any{"amount": 1}, nil))
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeEvaluation, schema.ErrorCode(err))
	})

	t.Run("timeout aborts", func(t *testing.T) {
		runner := sandbox.NewExprRunner(sandbox.Config{Timeout: 50 * time.Millisecond})
		slow := NewConditionExecutor(runner)

		xs := make([]any, 5000)
		for i := range xs {
			xs[i] = i
		}
		node := conditionNode(map[string]any{
			"conditionType": "script",
			"script":        "all(variables.xs, {all(variables.xs, {# >= 0})})",
		})
		_, err := slow.Execute(ctx, node, testContext(map[string]any{"xs": xs}, nil))
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeTimeout, schema.ErrorCode(err))
	})
}
