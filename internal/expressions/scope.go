package expressions

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rendis/chatflow/pkg/schema"
)

// NewState returns a deep copy of seed in which every variable scope exists
// as an object. Non-object scope values are replaced.
func NewState(seed map[string]any) map[string]any {
	state := deepCopyMap(seed)
	if state == nil {
		state = make(map[string]any, len(schema.StateScopes()))
	}
	for _, scope := range schema.StateScopes() {
		if _, ok := state[scope].(map[string]any); !ok {
			state[scope] = map[string]any{}
		}
	}
	return state
}

// CloneState deep-copies a session state.
func CloneState(state map[string]any) map[string]any {
	return deepCopyMap(state)
}

// DeepCopy recursively copies maps and slices; scalars are returned as is.
func DeepCopy(v any) any {
	return deepCopyAny(v)
}

// IsScope reports whether name is one of the state's variable scopes.
func IsScope(name string) bool {
	for _, s := range schema.StateScopes() {
		if s == name {
			return true
		}
	}
	return false
}

// QualifyPath returns path unchanged when its first segment is a scope and
// prefixes it with defaultScope otherwise.
func QualifyPath(path, defaultScope string) string {
	head, _, _ := strings.Cut(path, ".")
	if IsScope(head) {
		return path
	}
	return defaultScope + "." + path
}

// GetPath reads a dot-delimited path from state. Numeric segments index
// arrays. The second result is false when any segment is missing.
func GetPath(state map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = state
	for _, seg := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				return nil, false
			}
			current = val
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(v) {
				return nil, false
			}
			current = v[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// SetPath writes value at a dot-delimited path, creating intermediate objects.
// A path must have at least a scope and a field, and the scope must exist.
func SetPath(state map[string]any, path string, value any) error {
	segments, err := splitScopedPath(path)
	if err != nil {
		return err
	}
	current := state
	for i, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			if _, exists := current[seg]; exists && i > 0 {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"cannot set %q: %q is not an object", path, strings.Join(segments[:i+1], "."))
			}
			next = map[string]any{}
			current[seg] = next
		}
		current = next
	}
	current[segments[len(segments)-1]] = value
	return nil
}

// DeletePath removes the value at path and reports whether it existed.
func DeletePath(state map[string]any, path string) bool {
	segments, err := splitScopedPath(path)
	if err != nil {
		return false
	}
	current := state
	for _, seg := range segments[:len(segments)-1] {
		next, ok := current[seg].(map[string]any)
		if !ok {
			return false
		}
		current = next
	}
	last := segments[len(segments)-1]
	if _, ok := current[last]; !ok {
		return false
	}
	delete(current, last)
	return true
}

func splitScopedPath(path string) ([]string, error) {
	segments := strings.Split(path, ".")
	if len(segments) < 2 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid variable path %q: expected scope.name", path)
	}
	if !IsScope(segments[0]) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid variable path %q: unknown scope %q; available: %s",
			path, segments[0], strings.Join(schema.StateScopes(), ", "))
	}
	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"empty segment in path %q at position %d", path, i)
		}
	}
	return segments, nil
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
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
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
