package runtime

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"dario.cat/mergo"
)

// Context is the per-execution mutable state shared across node invocations:
// a variables map (the only legal cross-node communication channel besides
// explicit port wiring), the immutable triggering input, and a logging sink.
//
// Exactly one Context exists per execution. The engine's scheduler is the
// single writer of the variables map; executors receive the Context by
// reference for the duration of one invocation and read through the
// snapshot/lookup accessors. The internal lock only protects reads racing
// the scheduler's serialized writes, it is not a license for executors to
// write.
type Context struct {
	ExecutionID string

	mu        sync.RWMutex
	variables map[string]any
	input     map[string]any

	logger *slog.Logger
}

// NewContext builds a Context seeded with the definition's initial variables
// and the triggering input. Both maps are deep-copied so later mutation by
// the caller cannot leak into the execution.
func NewContext(executionID string, variables, input map[string]any, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		ExecutionID: executionID,
		variables:   deepCopyMap(variables),
		input:       deepCopyMap(input),
		logger:      logger,
	}
}

// Logger returns the execution-scoped structured logger.
func (c *Context) Logger() *slog.Logger { return c.logger }

// Input returns a deep copy of the immutable triggering input.
func (c *Context) Input() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.input)
}

// Variables returns a deep copy of the current variables map.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.variables)
}

// MergeVariables merges the given map into the shared variables with
// override semantics (incoming values win). Called only from the engine's
// scheduler goroutine at node merge points.
func (c *Context) MergeVariables(vars map[string]any) error {
	if len(vars) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.variables == nil {
		c.variables = make(map[string]any, len(vars))
	}
	return mergo.Merge(&c.variables, deepCopyMap(vars), mergo.WithOverride)
}

// SetVariable writes a single variable. Scheduler-only, like MergeVariables.
func (c *Context) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.variables == nil {
		c.variables = make(map[string]any, 1)
	}
	c.variables[key] = deepCopyAny(value)
}

// Merged returns a deep-copied view of input overlaid with variables.
// Variables take precedence on key collision.
func (c *Context) Merged() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	merged := make(map[string]any, len(c.input)+len(c.variables))
	for k, v := range c.input {
		merged[k] = deepCopyAny(v)
	}
	for k, v := range c.variables {
		merged[k] = deepCopyAny(v)
	}
	return merged
}

// Lookup resolves a dotted path against the merged variable/input view.
// Each segment may carry an index suffix (e.g. "items[2]"). The second
// return is false when any segment is absent.
func (c *Context) Lookup(path string) (any, bool) {
	return ResolvePath(c.Merged(), path)
}

// ResolvePath walks a dotted path through nested maps and slices. A segment
// of the form name[i] resolves name first, then indexes into the resulting
// sequence. Returns false on any absent segment, wrong type, or index out
// of range.
func ResolvePath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = root
	for _, seg := range strings.Split(path, ".") {
		name, index, hasIndex, ok := splitIndex(seg)
		if !ok {
			return nil, false
		}

		m, isMap := current.(map[string]any)
		if !isMap {
			return nil, false
		}
		val, found := m[name]
		if !found {
			return nil, false
		}

		if hasIndex {
			seq, isSeq := val.([]any)
			if !isSeq || index < 0 || index >= len(seq) {
				return nil, false
			}
			val = seq[index]
		}
		current = val
	}
	return current, true
}

// splitIndex parses "name[3]" into ("name", 3, true). Segments without an
// index suffix return hasIndex=false. Malformed suffixes fail the lookup.
func splitIndex(seg string) (name string, index int, hasIndex, ok bool) {
	open := strings.IndexByte(seg, '[')
	if open == -1 {
		return seg, 0, false, seg != ""
	}
	if !strings.HasSuffix(seg, "]") || open == 0 {
		return "", 0, false, false
	}
	idx, err := strconv.Atoi(seg[open+1 : len(seg)-1])
	if err != nil {
		return "", 0, false, false
	}
	return seg[:open], idx, true, true
}

// --- deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Primitives are value types.
		return v
	}
}
