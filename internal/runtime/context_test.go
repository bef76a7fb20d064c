package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewContextDeepCopiesSeeds(t *testing.T) {
	vars := map[string]any{"region": "eu", "limits": map[string]any{"max": 5}}
	input := map[string]any{"orderId": "ord-1"}

	rc := NewContext("exec-1", vars, input, nil)

	vars["region"] = "us"
	vars["limits"].(map[string]any)["max"] = 99
	input["orderId"] = "mutated"

	assert.Equal(t, "eu", rc.Variables()["region"])
	assert.Equal(t, 5, rc.Variables()["limits"].(map[string]any)["max"])
	assert.Equal(t, "ord-1", rc.Input()["orderId"])
}

func TestMergedVariablesWinOverInput(t *testing.T) {
	rc := NewContext("exec-1",
		map[string]any{"amount": 500},
		map[string]any{"amount": 50, "orderId": "ord-1"},
		nil)

	merged := rc.Merged()
	assert.Equal(t, 500, merged["amount"])
	assert.Equal(t, "ord-1", merged["orderId"])
}

func TestMergeVariablesOverrides(t *testing.T) {
	rc := NewContext("exec-1", map[string]any{
		"status": "pending",
		"meta":   map[string]any{"retries": 0, "owner": "ops"},
	}, nil, nil)

	err := rc.MergeVariables(map[string]any{
		"status": "done",
		"meta":   map[string]any{"retries": 2},
	})
	require.NoError(t, err)

	got := rc.Variables()
	assert.Equal(t, "done", got["status"])
	meta := got["meta"].(map[string]any)
	assert.Equal(t, 2, meta["retries"])
	assert.Equal(t, "ops", meta["owner"])
}

func TestMergeVariablesEmptyIsNoop(t *testing.T) {
	rc := NewContext("exec-1", map[string]any{"a": 1}, nil, nil)
	require.NoError(t, rc.MergeVariables(nil))
	assert.Equal(t, map[string]any{"a": 1}, rc.Variables())
}

func TestSetVariableCopiesValue(t *testing.T) {
	rc := NewContext("exec-1", nil, nil, nil)
	out := map[string]any{"conditionMet": true}
	rc.SetVariable("check", out)
	out["conditionMet"] = false

	stored, ok := rc.Lookup("check.conditionMet")
	require.True(t, ok)
	assert.Equal(t, true, stored)
}

func TestResolvePath(t *testing.T) {
	root := map[string]any{
		"order": map[string]any{
			"items": []any{
				map[string]any{"sku": "a-1"},
				map[string]any{"sku": "b-2"},
			},
			"total": 42.5,
		},
	}

	tests := []struct {
		name  string
		path  string
		want  any
		found bool
	}{
		{"nested map", "order.total", 42.5, true},
		{"indexed segment", "order.items[1].sku", "b-2", true},
		{"missing key", "order.missing", nil, false},
		{"index out of range", "order.items[5]", nil, false},
		{"negative index", "order.items[-1]", nil, false},
		{"index into non-slice", "order.total[0]", nil, false},
		{"malformed index", "order.items[x]", nil, false},
		{"empty path", "", nil, false},
		{"path through scalar", "order.total.cents", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolvePath(root, tt.path)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
