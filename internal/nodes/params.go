package nodes

import (
	"encoding/json"
	"time"

	"github.com/labelmint/flow/pkg/schema"
)

// Param helpers shared by the node executors. Node configuration arrives as
// decoded JSON, so numbers are usually float64 and nested objects are
// map[string]any.

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

// durationParam reads a duration config value. Strings use Go duration
// syntax; bare numbers are milliseconds. Absent returns defaultVal; a
// malformed or non-positive value is a configuration error, never a silent
// fallback.
func durationParam(m map[string]any, key string, defaultVal time.Duration) (time.Duration, error) {
	v, ok := m[key]
	if !ok {
		return defaultVal, nil
	}

	var d time.Duration
	switch n := v.(type) {
	case string:
		parsed, err := time.ParseDuration(n)
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid duration %q for %q", n, key)
		}
		d = parsed
	case int:
		d = time.Duration(n) * time.Millisecond
	case float64:
		d = time.Duration(n * float64(time.Millisecond))
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid duration %q for %q", n.String(), key)
		}
		d = time.Duration(f * float64(time.Millisecond))
	default:
		return 0, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid duration value for %q", key)
	}

	if d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeConfiguration, "duration for %q must be positive", key)
	}
	return d, nil
}

func mapParam(m map[string]any, key string) map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	mm, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	return mm
}

func sliceParam(m map[string]any, key string) []any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	s, ok := v.([]any)
	if !ok {
		return nil
	}
	return s
}
