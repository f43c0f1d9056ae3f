package actions

import (
	"context"
	"encoding/json"
	"math"
	"reflect"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/pkg/schema"
)

// Variable paths without a scope prefix land in temp.
const defaultScope = schema.ScopeTemp

// StateActions returns the built-in state operations.
func StateActions(engine *expressions.ExprEngine) []Action {
	return []Action{
		&setVariableAction{},
		&incrementAction{name: "increment", sign: 1},
		&incrementAction{name: "decrement", sign: -1},
		&appendToListAction{},
		&removeFromListAction{},
		&deleteVariableAction{},
		&calculateAction{engine: engine},
	}
}

func requireVariable(name string, params map[string]any) error {
	if stringParam(params, "variable", "") == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires a 'variable' string", name)
	}
	return nil
}

func variablePath(params map[string]any) string {
	return expressions.QualifyPath(stringParam(params, "variable", ""), defaultScope)
}

// --- set_variable ---

type setVariableAction struct{}

func (a *setVariableAction) Name() string { return "set_variable" }

func (a *setVariableAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Set a state variable to a value",
		InputSchema: json.RawMessage(`{"type":"object","required":["variable","value"],"properties":{"variable":{"type":"string"},"value":{}}}`),
	}
}

func (a *setVariableAction) Validate(params map[string]any) error {
	if err := requireVariable(a.Name(), params); err != nil {
		return err
	}
	if _, ok := params["value"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "set_variable requires a 'value'")
	}
	return nil
}

func (a *setVariableAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	path := variablePath(input.Params)
	value := expressions.DeepCopy(input.Params["value"])
	if err := expressions.SetPath(input.State, path, value); err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{"variable": path, "value": value}}, nil
}

// --- increment / decrement ---

type incrementAction struct {
	name string
	sign float64
}

func (a *incrementAction) Name() string { return a.name }

func (a *incrementAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Add a signed amount (default 1) to a numeric variable; a missing variable counts as 0",
		InputSchema: json.RawMessage(`{"type":"object","required":["variable"],"properties":{"variable":{"type":"string"},"amount":{"type":"number"}}}`),
	}
}

func (a *incrementAction) Validate(params map[string]any) error {
	if err := requireVariable(a.name, params); err != nil {
		return err
	}
	if raw, ok := amountParam(params); ok {
		if _, isNum := toNumber(raw); !isNum {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s amount must be a number", a.name)
		}
	}
	return nil
}

func (a *incrementAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	path := variablePath(input.Params)
	amount := 1.0
	if raw, ok := amountParam(input.Params); ok {
		amount, _ = toNumber(raw)
	}

	current := 0.0
	if v, ok := expressions.GetPath(input.State, path); ok && v != nil {
		n, isNum := toNumber(v)
		if !isNum {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "%s: %s holds a non-numeric value", a.name, path)
		}
		current = n
	}

	next := normalizeNumber(current + a.sign*amount)
	if err := expressions.SetPath(input.State, path, next); err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{"variable": path, "value": next}}, nil
}

// amountParam accepts "amount" and the older "increment" key.
func amountParam(params map[string]any) (any, bool) {
	if v, ok := params["amount"]; ok {
		return v, true
	}
	v, ok := params["increment"]
	return v, ok
}

// --- append_to_list ---

type appendToListAction struct{}

func (a *appendToListAction) Name() string { return "append_to_list" }

func (a *appendToListAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Append a value to a list variable; a missing or non-list variable starts a new list",
		InputSchema: json.RawMessage(`{"type":"object","required":["variable","value"],"properties":{"variable":{"type":"string"},"value":{},"unique":{"type":"boolean"}}}`),
	}
}

func (a *appendToListAction) Validate(params map[string]any) error {
	if err := requireVariable(a.Name(), params); err != nil {
		return err
	}
	if _, ok := params["value"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "append_to_list requires a 'value'")
	}
	return nil
}

func (a *appendToListAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	path := variablePath(input.Params)
	value := expressions.DeepCopy(input.Params["value"])

	var list []any
	if v, ok := expressions.GetPath(input.State, path); ok {
		list, _ = v.([]any)
	}
	added := true
	if boolParam(input.Params, "unique", false) && indexOf(list, value) >= 0 {
		added = false
	} else {
		list = append(list, value)
	}
	if list == nil {
		list = []any{}
	}
	if err := expressions.SetPath(input.State, path, list); err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{"variable": path, "length": len(list), "added": added}}, nil
}

// --- remove_from_list ---

type removeFromListAction struct{}

func (a *removeFromListAction) Name() string { return "remove_from_list" }

func (a *removeFromListAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Remove the first element equal to value from a list variable",
		InputSchema: json.RawMessage(`{"type":"object","required":["variable","value"],"properties":{"variable":{"type":"string"},"value":{}}}`),
	}
}

func (a *removeFromListAction) Validate(params map[string]any) error {
	if err := requireVariable(a.Name(), params); err != nil {
		return err
	}
	if _, ok := params["value"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "remove_from_list requires a 'value'")
	}
	return nil
}

func (a *removeFromListAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	path := variablePath(input.Params)
	v, _ := expressions.GetPath(input.State, path)
	list, ok := v.([]any)
	if !ok {
		return &ActionOutput{Data: map[string]any{"variable": path, "removed": false, "length": 0}}, nil
	}

	i := indexOf(list, input.Params["value"])
	if i < 0 {
		return &ActionOutput{Data: map[string]any{"variable": path, "removed": false, "length": len(list)}}, nil
	}
	out := make([]any, 0, len(list)-1)
	out = append(out, list[:i]...)
	out = append(out, list[i+1:]...)
	if err := expressions.SetPath(input.State, path, out); err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{"variable": path, "removed": true, "length": len(out)}}, nil
}

// --- delete_variable ---

type deleteVariableAction struct{}

func (a *deleteVariableAction) Name() string { return "delete_variable" }

func (a *deleteVariableAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Remove a variable from state",
		InputSchema: json.RawMessage(`{"type":"object","required":["variable"],"properties":{"variable":{"type":"string"}}}`),
	}
}

func (a *deleteVariableAction) Validate(params map[string]any) error {
	return requireVariable(a.Name(), params)
}

func (a *deleteVariableAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	path := variablePath(input.Params)
	existed := expressions.DeletePath(input.State, path)
	return &ActionOutput{Data: map[string]any{"variable": path, "deleted": existed}}, nil
}

// --- calculate ---

type calculateAction struct {
	engine *expressions.ExprEngine
}

func (a *calculateAction) Name() string { return "calculate" }

func (a *calculateAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an expr-lang expression over the state scopes and store the result",
		InputSchema: json.RawMessage(`{"type":"object","required":["expression","result_variable"],"properties":{"expression":{"type":"string"},"result_variable":{"type":"string"}}}`),
	}
}

func (a *calculateAction) Validate(params map[string]any) error {
	if stringParam(params, "expression", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "calculate requires an 'expression' string")
	}
	if stringParam(params, "result_variable", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "calculate requires a 'result_variable' string")
	}
	return nil
}

func (a *calculateAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	expression := stringParam(input.Params, "expression", "")
	path := expressions.QualifyPath(stringParam(input.Params, "result_variable", ""), defaultScope)

	result, err := a.engine.Evaluate(ctx, expression, input.State)
	if err != nil {
		return nil, err
	}
	if n, ok := toNumber(result); ok {
		result = normalizeNumber(n)
	}
	if err := expressions.SetPath(input.State, path, result); err != nil {
		return nil, err
	}
	return &ActionOutput{Data: map[string]any{"variable": path, "value": result, "expression": expression}}, nil
}

// --- helpers ---

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// normalizeNumber stores integral values as int64 so they render without a
// fractional part.
func normalizeNumber(f float64) any {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}

// indexOf compares numerically when both sides are numbers, since state
// loaded from JSON holds float64 where callers pass ints.
func indexOf(list []any, value any) int {
	vn, vIsNum := toNumber(value)
	for i, item := range list {
		if vIsNum {
			if n, ok := toNumber(item); ok && n == vn {
				return i
			}
			continue
		}
		if reflect.DeepEqual(item, value) {
			return i
		}
	}
	return -1
}
