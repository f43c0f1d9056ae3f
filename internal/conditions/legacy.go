package conditions

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/rendis/chatflow/internal/expressions"
)

var comparisonOps = []string{"eq", "ne", "gt", "gte", "lt", "lte", "in", "contains", "exists"}

// evalLegacy evaluates a JSON predicate:
//
//	{"and": [...]} {"or": [...]} {"not": {...}}
//	{"var": "user.age", "gte": 18}
func evalLegacy(p map[string]any, state map[string]any) (bool, error) {
	if sub, ok := p["and"]; ok {
		list, ok := sub.([]any)
		if !ok {
			return false, fmt.Errorf(`"and" must be a list`)
		}
		for _, item := range list {
			ok, err := evalNested(item, state)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	if sub, ok := p["or"]; ok {
		list, ok := sub.([]any)
		if !ok {
			return false, fmt.Errorf(`"or" must be a list`)
		}
		for _, item := range list {
			ok, err := evalNested(item, state)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if sub, ok := p["not"]; ok {
		ok, err := evalNested(sub, state)
		return !ok && err == nil, err
	}

	path, ok := p["var"].(string)
	if !ok {
		return false, fmt.Errorf(`predicate needs "and", "or", "not" or "var"`)
	}
	value, found := expressions.GetPath(state, path)

	for _, op := range comparisonOps {
		operand, present := p[op]
		if !present {
			continue
		}
		return compare(op, value, found, operand)
	}
	return false, fmt.Errorf("predicate on %q has no operator; available: %s", path, strings.Join(comparisonOps, ", "))
}

func evalNested(item any, state map[string]any) (bool, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return false, fmt.Errorf("nested predicate must be an object, got %T", item)
	}
	return evalLegacy(m, state)
}

func compare(op string, value any, found bool, operand any) (bool, error) {
	switch op {
	case "exists":
		want := true
		if b, ok := operand.(bool); ok {
			want = b
		}
		return (found && value != nil) == want, nil
	case "eq":
		return equal(value, operand), nil
	case "ne":
		return !equal(value, operand), nil
	case "in":
		list, ok := operand.([]any)
		if !ok {
			return false, fmt.Errorf(`"in" needs a list operand`)
		}
		for _, item := range list {
			if equal(value, item) {
				return true, nil
			}
		}
		return false, nil
	case "contains":
		switch v := value.(type) {
		case string:
			s, ok := operand.(string)
			return ok && strings.Contains(v, s), nil
		case []any:
			for _, item := range v {
				if equal(item, operand) {
					return true, nil
				}
			}
			return false, nil
		case nil:
			return false, nil
		default:
			return false, fmt.Errorf(`"contains" needs a string or list, got %T`, value)
		}
	}

	// Ordering operators.
	if !found || value == nil {
		return false, nil
	}
	cmp, err := order(value, operand)
	if err != nil {
		return false, err
	}
	switch op {
	case "gt":
		return cmp > 0, nil
	case "gte":
		return cmp >= 0, nil
	case "lt":
		return cmp < 0, nil
	case "lte":
		return cmp <= 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func order(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot order values of type %T", a)
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
	case int32:
		return float64(n), true
	}
	return 0, false
}
