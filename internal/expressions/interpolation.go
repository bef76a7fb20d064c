package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/labelmint/flow/internal/runtime"
)

// Interpolator resolves ${path.to.value} references against the merged
// variable/input view of a runtime context. Variables override input on key
// collision. Path segments support an index suffix (items[2]). A reference
// whose path cannot be fully resolved is left verbatim in the output so a
// partially configured template stays visibly wrong instead of silently
// empty.
type Interpolator struct{}

// NewInterpolator creates a new Interpolator.
func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Interpolate resolves all ${...} placeholders in the template against the
// runtime context. The merged scope is snapshotted once per call.
func (interp *Interpolator) Interpolate(template string, rc *runtime.Context) string {
	if !strings.Contains(template, "${") {
		return template
	}
	return interp.resolve(template, rc.Merged())
}

// InterpolateValue deep-interpolates a value: maps and slices are walked
// recursively and only string leaves are interpolated. Non-string leaves
// pass through unchanged.
func (interp *Interpolator) InterpolateValue(v any, rc *runtime.Context) any {
	return interp.interpolateAny(v, rc.Merged())
}

// InterpolateMap deep-interpolates every string leaf of a map.
func (interp *Interpolator) InterpolateMap(m map[string]any, rc *runtime.Context) map[string]any {
	if m == nil {
		return nil
	}
	merged := rc.Merged()
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = interp.interpolateAny(v, merged)
	}
	return out
}

func (interp *Interpolator) interpolateAny(v any, merged map[string]any) any {
	switch val := v.(type) {
	case string:
		return interp.resolve(val, merged)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = interp.interpolateAny(item, merged)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interp.interpolateAny(item, merged)
		}
		return out
	default:
		return v
	}
}

// resolve scans template for ${...} tokens and substitutes resolved values.
func (interp *Interpolator) resolve(template string, merged map[string]any) string {
	var result strings.Builder
	result.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], "${")
		if idx == -1 {
			result.WriteString(template[i:])
			break
		}

		result.WriteString(template[i : i+idx])
		start := i + idx + 2 // skip "${"

		end := strings.IndexByte(template[start:], '}')
		if end == -1 {
			// Unterminated token: emit the rest verbatim.
			result.WriteString(template[i+idx:])
			break
		}
		end += start

		path := strings.TrimSpace(template[start:end])
		val, ok := runtime.ResolvePath(merged, path)
		if !ok {
			// Fail-soft: keep the whole original placeholder.
			result.WriteString(template[i+idx : end+1])
		} else {
			result.WriteString(Stringify(val))
		}
		i = end + 1
	}

	return result.String()
}

// Stringify converts a resolved value into its stable textual form:
// numbers as decimal, booleans as true/false, nil as null, and composite
// values as canonical JSON (Go marshals map keys in sorted order).
func Stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// HasPlaceholder reports whether a string contains any ${...} reference.
func HasPlaceholder(s string) bool {
	return strings.Contains(s, "${")
}
