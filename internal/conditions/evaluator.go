// Package conditions selects the outgoing connection of CONDITION nodes.
package conditions

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/pkg/schema"
)

// Decision is the outcome of evaluating a CONDITION node.
type Decision struct {
	ConnectionType schema.ConnectionType `json:"connection_type"`
	MatchedIndex   int                   `json:"matched_index"` // -1 when the default path was taken
	MatchedIf      any                   `json:"matched_if,omitempty"`
	Errors         []PredicateError      `json:"errors,omitempty"`
}

// UsedDefault reports whether no predicate matched.
func (d Decision) UsedDefault() bool { return d.MatchedIndex < 0 }

// PredicateError records a predicate that failed to evaluate. Failed
// predicates count as false.
type PredicateError struct {
	Index      int    `json:"index"`
	Expression string `json:"expression"`
	Error      string `json:"error"`
}

// Evaluator evaluates ordered {if, then} conditions. Evaluation is pure: the
// same node content and state always select the same connection.
type Evaluator struct {
	cel *expressions.CELEngine
}

// NewEvaluator creates an Evaluator backed by cel.
func NewEvaluator(cel *expressions.CELEngine) *Evaluator {
	return &Evaluator{cel: cel}
}

// Evaluate walks content.conditions left to right; the first true predicate
// wins and its "then" is mapped to a connection type. When none match,
// content.default_path is used.
func (e *Evaluator) Evaluate(ctx context.Context, node *schema.FlowNode, state map[string]any) (Decision, error) {
	d := Decision{MatchedIndex: -1}

	rawConds, _ := node.Content["conditions"].([]any)
	for i, raw := range rawConds {
		cond, ok := raw.(map[string]any)
		if !ok {
			d.Errors = append(d.Errors, PredicateError{Index: i, Error: fmt.Sprintf("condition must be an object, got %T", raw)})
			continue
		}
		pred := cond["if"]
		matched, err := e.predicate(ctx, pred, state)
		if err != nil {
			d.Errors = append(d.Errors, PredicateError{Index: i, Expression: describe(pred), Error: err.Error()})
			continue
		}
		if !matched {
			continue
		}
		ct, err := MapPath(cond["then"])
		if err != nil {
			return d, schema.ConditionEvaluation(node.NodeID, describe(pred), err)
		}
		d.ConnectionType = ct
		d.MatchedIndex = i
		d.MatchedIf = pred
		return d, nil
	}

	ct, err := MapPath(node.Content["default_path"])
	if err != nil {
		return d, schema.ConditionEvaluation(node.NodeID, "default_path", err)
	}
	d.ConnectionType = ct
	return d, nil
}

// predicate evaluates one "if". A CEL result that is not a bool is read by
// truthiness: zero numbers, empty strings and collections, and null are false.
func (e *Evaluator) predicate(ctx context.Context, pred any, state map[string]any) (bool, error) {
	switch p := pred.(type) {
	case string:
		out, err := e.cel.Evaluate(ctx, p, state)
		if err != nil {
			return false, err
		}
		return truthy(out), nil
	case map[string]any:
		return evalLegacy(p, state)
	case bool:
		return p, nil
	case nil:
		return false, fmt.Errorf("missing predicate")
	default:
		return false, fmt.Errorf("unsupported predicate type %T", pred)
	}
}

// MapPath maps a condition target to a connection type: "$0" and "$1" are
// the two options, "$N" and integers are numeric selectors, known connection
// names pass through and any other string selects DEFAULT.
func MapPath(path any) (schema.ConnectionType, error) {
	switch p := path.(type) {
	case nil:
		return schema.ConnectionDefault, nil
	case string:
		p = strings.TrimSpace(p)
		switch p {
		case "":
			return schema.ConnectionDefault, nil
		case "$0":
			return schema.ConnectionOption0, nil
		case "$1":
			return schema.ConnectionOption1, nil
		}
		if n, ok := strings.CutPrefix(p, "$"); ok {
			if i, err := strconv.Atoi(n); err == nil && i >= 0 {
				return schema.NumericConnection(i), nil
			}
		}
		if ct := schema.ConnectionType(strings.ToUpper(p)); ct.Valid() {
			return ct, nil
		}
		return schema.ConnectionDefault, nil
	case float64:
		if p < 0 || p != float64(int(p)) {
			return "", fmt.Errorf("invalid numeric path %v", p)
		}
		return schema.NumericConnection(int(p)), nil
	case int:
		if p < 0 {
			return "", fmt.Errorf("invalid numeric path %d", p)
		}
		return schema.NumericConnection(p), nil
	default:
		return "", fmt.Errorf("path must be a string or number, got %T", path)
	}
}

func truthy(v any) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return !rv.IsZero()
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}

func describe(pred any) string {
	switch p := pred.(type) {
	case string:
		return p
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", p)
	}
}
