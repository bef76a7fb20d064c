package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/labelmint/flow/internal/expressions"
	"github.com/labelmint/flow/internal/runtime"
	"github.com/labelmint/flow/internal/sandbox"
	"github.com/labelmint/flow/pkg/schema"
)

// Condition strategies.
const (
	conditionTypeExpression = "expression"
	conditionTypeRules      = "rules"
	conditionTypeScript     = "script"
)

// Rule operators.
const (
	opEquals       = "equals"
	opNotEquals    = "not_equals"
	opGreaterThan  = "greater_than"
	opLessThan     = "less_than"
	opGreaterEqual = "greater_equal"
	opLessEqual    = "less_equal"
	opContains     = "contains"
	opNotContains  = "not_contains"
	opStartsWith   = "starts_with"
	opEndsWith     = "ends_with"
	opIsEmpty      = "is_empty"
	opIsNotEmpty   = "is_not_empty"
	opIn           = "in"
	opNotIn        = "not_in"
	opMatchesRegex = "matches_regex"
)

// ConditionExecutor handles condition nodes. A condition decides a boolean
// through one of three strategies: a substituted boolean expression, an
// ordered rule set with short-circuit, or a sandboxed script. The boolean
// is exposed both in the node output and as the conditionResult variable
// so guarded outgoing edges can branch on it.
type ConditionExecutor struct {
	engine *expressions.ExprEngine
	runner sandbox.Runner
}

// NewConditionExecutor creates the condition node executor. A nil runner
// falls back to the default expr-based sandbox.
func NewConditionExecutor(runner sandbox.Runner) *ConditionExecutor {
	if runner == nil {
		runner = sandbox.NewExprRunner(sandbox.Config{})
	}
	return &ConditionExecutor{
		engine: expressions.NewExprEngine(),
		runner: runner,
	}
}

func (e *ConditionExecutor) Type() string { return schema.NodeTypeCondition }

func (e *ConditionExecutor) Execute(ctx context.Context, node *schema.WorkflowNode, rc *runtime.Context) (*schema.NodeResult, error) {
	conditionType := stringParam(node.Config, "conditionType", "")

	var (
		met bool
		err error
	)
	switch conditionType {
	case conditionTypeExpression:
		met, err = e.evaluateExpression(ctx, node.Config, rc)
	case conditionTypeRules:
		met, err = e.evaluateRules(node.Config, rc)
	case conditionTypeScript:
		met, err = e.evaluateScript(ctx, node.Config, rc)
	default:
		err = schema.NewErrorf(schema.ErrCodeConfiguration,
			"unknown conditionType %q (want expression, rules, or script)", conditionType)
	}
	if err != nil {
		return nil, schema.AsFlowError(err, schema.ErrCodeEvaluation).WithNode(node.ID)
	}

	rc.Logger().Debug("condition evaluated",
		"node_id", node.ID,
		"condition_type", conditionType,
		"condition_met", met)

	return &schema.NodeResult{
		Output: map[string]any{
			"conditionMet":  met,
			"conditionType": conditionType,
			"evaluatedAt":   time.Now().UTC().Format(time.RFC3339),
		},
		Variables: map[string]any{
			schema.VarConditionResult: met,
		},
	}, nil
}

// --- expression strategy ---

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// evaluateExpression substitutes every bare occurrence of a scope variable
// name with its JSON-encoded value, then evaluates the result as a closed
// boolean expression. Identifiers that survive substitution are unknown
// variables and fail evaluation.
func (e *ConditionExecutor) evaluateExpression(ctx context.Context, config map[string]any, rc *runtime.Context) (bool, error) {
	expression := stringParam(config, "expression", "")
	if expression == "" {
		return false, schema.NewError(schema.ErrCodeConfiguration, "condition expression is empty")
	}

	substituted, err := substituteIdentifiers(expression, rc.Merged())
	if err != nil {
		return false, err
	}
	return e.engine.EvaluateBool(ctx, substituted)
}

// substituteIdentifiers replaces whole-word occurrences of scope keys with
// their JSON encoding. Longer names are substituted first so a variable
// "amount" does not clobber "amountDue".
func substituteIdentifiers(expression string, scope map[string]any) (string, error) {
	names := make([]string, 0, len(scope))
	for name := range scope {
		if identifierRe.MatchString(name) {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	out := expression
	for _, name := range names {
		encoded, err := json.Marshal(scope[name])
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeEvaluation,
				"cannot encode variable %q for substitution", name).WithCause(err)
		}
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(name) + `\b`)
		out = re.ReplaceAllLiteralString(out, string(encoded))
	}
	return out, nil
}

// --- rules strategy ---

type rule struct {
	Field     string
	Operator  string
	Value     any
	ValueType string
}

// evaluateRules runs the ordered rule list with short-circuit: under "and"
// the first false rule decides, under "or" the first true rule decides.
// Rules past the deciding one are never evaluated, so a misconfigured
// trailing rule cannot fail an already-decided condition.
func (e *ConditionExecutor) evaluateRules(config map[string]any, rc *runtime.Context) (bool, error) {
	rawRules := sliceParam(config, "rules")
	if len(rawRules) == 0 {
		return false, schema.NewError(schema.ErrCodeConfiguration, "condition rules list is empty")
	}

	logicOp := strings.ToLower(stringParam(config, "logicOperator", "and"))
	if logicOp != "and" && logicOp != "or" {
		return false, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown logicOperator %q (want and or or)", logicOp)
	}

	for i, raw := range rawRules {
		rm, ok := raw.(map[string]any)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeConfiguration, "rule %d is not an object", i)
		}
		r := rule{
			Field:     stringParam(rm, "field", ""),
			Operator:  strings.ToLower(stringParam(rm, "operator", "")),
			Value:     rm["value"],
			ValueType: strings.ToLower(stringParam(rm, "valueType", "string")),
		}
		if r.Field == "" {
			return false, schema.NewErrorf(schema.ErrCodeConfiguration, "rule %d has no field", i)
		}

		matched, err := e.evaluateRule(r, rc)
		if err != nil {
			return false, schema.AsFlowError(err, schema.ErrCodeEvaluation).
				WithDetails(map[string]any{"rule": i, "field": r.Field, "operator": r.Operator})
		}

		if logicOp == "and" && !matched {
			return false, nil
		}
		if logicOp == "or" && matched {
			return true, nil
		}
	}

	// No rule decided early: "and" means all matched, "or" means none did.
	return logicOp == "and", nil
}

func (e *ConditionExecutor) evaluateRule(r rule, rc *runtime.Context) (bool, error) {
	actual, _ := rc.Lookup(r.Field)

	switch r.Operator {
	case opIsEmpty:
		return isEmptyValue(actual), nil
	case opIsNotEmpty:
		return !isEmptyValue(actual), nil
	case opEquals, opNotEquals, opGreaterThan, opLessThan, opGreaterEqual, opLessEqual:
		return e.compareRule(r, actual)
	case opContains:
		return containsValue(actual, r.Value), nil
	case opNotContains:
		return !containsValue(actual, r.Value), nil
	case opStartsWith:
		return strings.HasPrefix(asString(actual), asString(r.Value)), nil
	case opEndsWith:
		return strings.HasSuffix(asString(actual), asString(r.Value)), nil
	case opIn:
		return inList(actual, r.Value), nil
	case opNotIn:
		return !inList(actual, r.Value), nil
	case opMatchesRegex:
		pattern := asString(r.Value)
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, schema.NewErrorf(schema.ErrCodeConfiguration,
				"invalid regex pattern %q: %s", pattern, err.Error()).WithCause(err)
		}
		return re.MatchString(asString(actual)), nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown rule operator %q", r.Operator)
	}
}

// compareRule handles ordered and equality comparisons under the rule's
// declared valueType coercion.
func (e *ConditionExecutor) compareRule(r rule, actual any) (bool, error) {
	switch r.ValueType {
	case "number":
		a, aok := toFloat(actual)
		b, bok := toFloat(r.Value)
		if !aok || !bok {
			// Absent or non-numeric values never satisfy a numeric comparison,
			// except that inequality against a non-value holds.
			return r.Operator == opNotEquals, nil
		}
		return compareOrdered(r.Operator, compareFloats(a, b))
	case "boolean":
		a, aok := toBool(actual)
		b, bok := toBool(r.Value)
		switch r.Operator {
		case opEquals:
			return aok && bok && a == b, nil
		case opNotEquals:
			return !(aok && bok && a == b), nil
		default:
			return false, schema.NewErrorf(schema.ErrCodeConfiguration,
				"operator %q is not valid for boolean values", r.Operator)
		}
	case "date":
		a, aerr := toTime(actual)
		b, berr := toTime(r.Value)
		if berr != nil {
			return false, schema.NewErrorf(schema.ErrCodeConfiguration,
				"invalid date value %v", r.Value).WithCause(berr)
		}
		if aerr != nil {
			return r.Operator == opNotEquals, nil
		}
		return compareOrdered(r.Operator, a.Compare(b))
	case "string":
		return compareOrdered(r.Operator, strings.Compare(asString(actual), asString(r.Value)))
	default:
		return false, schema.NewErrorf(schema.ErrCodeConfiguration,
			"unknown valueType %q (want string, number, boolean, or date)", r.ValueType)
	}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareOrdered(operator string, cmp int) (bool, error) {
	switch operator {
	case opEquals:
		return cmp == 0, nil
	case opNotEquals:
		return cmp != 0, nil
	case opGreaterThan:
		return cmp > 0, nil
	case opLessThan:
		return cmp < 0, nil
	case opGreaterEqual:
		return cmp >= 0, nil
	case opLessEqual:
		return cmp <= 0, nil
	default:
		return false, schema.NewErrorf(schema.ErrCodeConfiguration, "unknown rule operator %q", operator)
	}
}

// --- script strategy ---

// evaluateScript runs the configured snippet in a fresh sandbox with only
// variables and input visible. The script must produce a boolean.
func (e *ConditionExecutor) evaluateScript(ctx context.Context, config map[string]any, rc *runtime.Context) (bool, error) {
	script := stringParam(config, "script", "")
	if script == "" {
		return false, schema.NewError(schema.ErrCodeConfiguration, "condition script is empty")
	}

	scope := map[string]any{
		"variables": rc.Variables(),
		"input":     rc.Input(),
	}
	out, err := e.runner.Run(ctx, script, scope)
	if err != nil {
		return false, err
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"condition script did not produce a boolean (got %T)", out)
	}
	return b, nil
}

// --- coercion helpers ---

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case json.Number:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	default:
		return false, false
	}
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable date %q", s)
	case float64:
		// Unix seconds.
		return time.Unix(int64(t), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported date type %T", v)
	}
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	default:
		return false
	}
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, el := range h {
			if asString(el) == asString(needle) {
				return true
			}
		}
		return false
	default:
		return strings.Contains(asString(haystack), asString(needle))
	}
}

func inList(actual, list any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, el := range items {
		if asString(el) == asString(actual) {
			return true
		}
	}
	return false
}

var _ Executor = (*ConditionExecutor)(nil)
