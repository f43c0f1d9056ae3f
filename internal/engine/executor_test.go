package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/flowgraph"
	"github.com/rendis/chatflow/pkg/schema"
)

// stepIn builds a StepInput for nodeID of def with a fresh session state.
func stepIn(t *testing.T, def *schema.FlowDefinition, nodeID string, state map[string]any) StepInput {
	t.Helper()
	g := flowgraph.New(def)
	n, err := g.Node(nodeID)
	require.NoError(t, err)
	return StepInput{
		Session: &schema.Session{ID: "s1", CurrentFlowID: def.ID, Revision: 1},
		Graph:   g,
		Node:    n,
		State:   expressions.NewState(state),
	}
}

// --- Handler table ---

func TestNewExecutorWithHandlers_Exhaustive(t *testing.T) {
	t.Run("missing kinds are reported", func(t *testing.T) {
		_, err := NewExecutorWithHandlers(map[schema.NodeType]NodeHandler{
			schema.NodeTypeStart: HandlerFunc(handleStart),
		}, nil)
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

		var fe *schema.FlowError
		require.True(t, errors.As(err, &fe))
		missing, _ := fe.Details["missing"].([]string)
		assert.Len(t, missing, len(schema.AllNodeTypes())-1)
		assert.NotContains(t, missing, string(schema.NodeTypeStart))
	})

	t.Run("built-in table covers every kind", func(t *testing.T) {
		exec := newTestExecutor(t, nil)
		for _, typ := range schema.AllNodeTypes() {
			assert.Contains(t, exec.handlers, typ)
		}
	})
}

func TestExecutor_RecoversPanics(t *testing.T) {
	handlers := map[schema.NodeType]NodeHandler{}
	for _, typ := range schema.AllNodeTypes() {
		handlers[typ] = HandlerFunc(func(context.Context, StepInput) (*StepOutcome, error) {
			panic("boom")
		})
	}
	exec, err := NewExecutorWithHandlers(handlers, nil)
	require.NoError(t, err)

	def := flow("f", []schema.FlowNode{node("m", schema.NodeTypeMessage, map[string]any{"text": "hi"})})
	_, err = exec.Execute(context.Background(), stepIn(t, def, "m", nil))
	require.Error(t, err)
	assert.True(t, schema.IsNodeProcessing(err))
}

func TestExecutor_EndFlag(t *testing.T) {
	exec := newTestExecutor(t, nil)
	def := flow("f", []schema.FlowNode{
		node("m", schema.NodeTypeMessage, map[string]any{"text": "bye", "end": true}),
		node("n", schema.NodeTypeMessage, map[string]any{"text": "never"}),
	}, edge("m", "n"))

	out, err := exec.Execute(context.Background(), stepIn(t, def, "m", nil))
	require.NoError(t, err)
	assert.True(t, out.End)
	assert.Equal(t, []string{"bye"}, out.Messages)
}

// --- START / MESSAGE ---

func TestStartHandler_SeedsContext(t *testing.T) {
	exec := newTestExecutor(t, nil)
	def := flow("f", []schema.FlowNode{
		node("s", schema.NodeTypeStart, map[string]any{
			"initial_context": map[string]any{"channel": "web", "locale": "es"},
		}),
	})
	in := stepIn(t, def, "s", map[string]any{"context": map[string]any{"locale": "en"}})

	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	ctxScope := out.State[schema.ScopeContext].(map[string]any)
	assert.Equal(t, "web", ctxScope["channel"])
	assert.Equal(t, "en", ctxScope["locale"], "values given at start win")
	assert.Equal(t, schema.ConnectionDefault, out.ConnectionType)
}

func TestMessageHandler(t *testing.T) {
	exec := newTestExecutor(t, nil)
	state := map[string]any{"user": map[string]any{"name": "Ana"}}

	t.Run("renders messages", func(t *testing.T) {
		def := flow("f", []schema.FlowNode{node("m", schema.NodeTypeMessage, map[string]any{
			"messages": []any{"Hi {{user.name}}", map[string]any{"text": "Welcome"}},
		})})
		out, err := exec.Execute(context.Background(), stepIn(t, def, "m", state))
		require.NoError(t, err)
		assert.Equal(t, []string{"Hi Ana", "Welcome"}, out.Messages)
		require.Len(t, out.History, 1)
		assert.Equal(t, schema.InteractionMessage, out.History[0].InteractionType)
	})

	t.Run("wait_for_ack suspends on arrival", func(t *testing.T) {
		def := flow("f", []schema.FlowNode{node("m", schema.NodeTypeMessage, map[string]any{
			"text": "Read this", "wait_for_ack": true,
		})})
		in := stepIn(t, def, "m", state)
		in.Arrival = true
		assert.True(t, SuspendsOnArrival(in.Node))

		out, err := exec.Execute(context.Background(), in)
		require.NoError(t, err)
		assert.True(t, out.Suspend)
		assert.Equal(t, "ack", out.Prompt.InputType)
		assert.Equal(t, []string{"Read this"}, out.Messages)

		in.Arrival = false
		out, err = exec.Execute(context.Background(), in)
		require.NoError(t, err)
		assert.False(t, out.Suspend)
		assert.Empty(t, out.Messages)
		assert.Equal(t, true, out.Details["acknowledged"])
	})
}

// --- QUESTION ---

func TestQuestionHandler(t *testing.T) {
	exec := newTestExecutor(t, nil)
	def := flow("f", []schema.FlowNode{
		node("age", schema.NodeTypeQuestion, map[string]any{
			"question":   "How old are you?",
			"variable":   "user.age",
			"validation": map[string]any{"type": "integer", "minimum": 0, "maximum": 130},
		}),
		node("pick", schema.NodeTypeQuestion, map[string]any{
			"question":   "Pick one",
			"input_type": "button",
			"variable":   "choice",
			"options": []any{
				map[string]any{"text": "Yes", "payload": "yes"},
				map[string]any{"text": "No", "payload": "no"},
				map[string]any{"text": "Maybe", "payload": "maybe"},
			},
		}),
	})

	t.Run("arrival prompts", func(t *testing.T) {
		in := stepIn(t, def, "age", nil)
		in.Arrival = true
		out, err := exec.Execute(context.Background(), in)
		require.NoError(t, err)
		assert.True(t, out.Suspend)
		require.NotNil(t, out.Prompt)
		assert.Equal(t, "How old are you?", out.Prompt.Question)
		assert.Equal(t, "text", out.Prompt.InputType)
		assert.Equal(t, []string{"How old are you?"}, out.Messages)
	})

	t.Run("answer is written to its scope", func(t *testing.T) {
		in := stepIn(t, def, "age", nil)
		in.Input = map[string]any{"value": 42}
		out, err := exec.Execute(context.Background(), in)
		require.NoError(t, err)
		v, ok := expressions.GetPath(out.State, "user.age")
		require.True(t, ok)
		assert.Equal(t, 42, v)
		require.Len(t, out.History, 1)
		assert.Equal(t, schema.InteractionInput, out.History[0].InteractionType)
	})

	t.Run("invalid answer", func(t *testing.T) {
		in := stepIn(t, def, "age", nil)
		in.Input = 300
		_, err := exec.Execute(context.Background(), in)
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeStateValidation))
	})

	t.Run("missing answer", func(t *testing.T) {
		_, err := exec.Execute(context.Background(), stepIn(t, def, "age", nil))
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeStateValidation))
	})

	t.Run("button options route by index", func(t *testing.T) {
		cases := map[string]schema.ConnectionType{
			"yes":   schema.ConnectionOption0,
			"no":    schema.ConnectionOption1,
			"maybe": schema.NumericConnection(2),
			"other": schema.ConnectionDefault,
		}
		for input, want := range cases {
			in := stepIn(t, def, "pick", nil)
			in.Input = map[string]any{"payload": input}
			out, err := exec.Execute(context.Background(), in)
			require.NoError(t, err)
			assert.Equal(t, want, out.ConnectionType, input)
		}
	})
}

// --- CONDITION / ACTION ---

func TestConditionHandler(t *testing.T) {
	exec := newTestExecutor(t, nil)
	def := flow("f", []schema.FlowNode{node("c", schema.NodeTypeCondition, map[string]any{
		"conditions": []any{
			map[string]any{"if": "user.age >= 18", "then": "$0"},
		},
		"default_path": "$1",
	})})

	in := stepIn(t, def, "c", map[string]any{"user": map[string]any{"age": 30}})
	out, err := exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, schema.ConnectionOption0, out.ConnectionType)

	in = stepIn(t, def, "c", map[string]any{"user": map[string]any{"age": 12}})
	out, err = exec.Execute(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, schema.ConnectionOption1, out.ConnectionType)
}

func TestActionHandler_Atomic(t *testing.T) {
	exec := newTestExecutor(t, nil)
	actionsContent := map[string]any{
		"actions": []any{
			map[string]any{"type": "set_variable", "variable": "temp.greeting", "value": "hello"},
			map[string]any{"type": "increment", "variable": "user.name"},
		},
	}
	state := map[string]any{"user": map[string]any{"name": "Ana"}}

	t.Run("failure keeps state and routes FAILURE", func(t *testing.T) {
		def := flow("f", []schema.FlowNode{
			node("a", schema.NodeTypeAction, actionsContent),
			node("oops", schema.NodeTypeMessage, map[string]any{"text": "failed"}),
		}, edge("a", "oops", schema.ConnectionFailure))

		out, err := exec.Execute(context.Background(), stepIn(t, def, "a", state))
		require.NoError(t, err)
		assert.True(t, out.Failed)
		assert.Equal(t, schema.ConnectionFailure, out.ConnectionType)
		_, found := expressions.GetPath(out.State, "temp.greeting")
		assert.False(t, found, "no partial writes")
	})

	t.Run("failure without edges is surfaced", func(t *testing.T) {
		def := flow("f", []schema.FlowNode{node("a", schema.NodeTypeAction, actionsContent)})
		_, err := exec.Execute(context.Background(), stepIn(t, def, "a", state))
		require.Error(t, err)
	})

	t.Run("success routes SUCCESS", func(t *testing.T) {
		def := flow("f", []schema.FlowNode{node("a", schema.NodeTypeAction, map[string]any{
			"actions": []any{
				map[string]any{"type": "set_variable", "variable": "greeting", "value": "hi {{user.name}}"},
			},
		})})
		out, err := exec.Execute(context.Background(), stepIn(t, def, "a", state))
		require.NoError(t, err)
		assert.Equal(t, schema.ConnectionSuccess, out.ConnectionType)
		v, _ := expressions.GetPath(out.State, "temp.greeting")
		assert.Equal(t, "hi Ana", v)
	})
}

// --- SCRIPT ---

func TestScriptHandler(t *testing.T) {
	exec := newTestExecutor(t, nil)
	state := map[string]any{"temp": map[string]any{"items": []any{3.0, 4.0}}}

	t.Run("expr outputs", func(t *testing.T) {
		def := flow("f", []schema.FlowNode{node("s", schema.NodeTypeScript, map[string]any{
			"code":    `{"total": sum(prices), "count": len(prices)}`,
			"inputs":  map[string]any{"prices": "temp.items"},
			"outputs": map[string]any{"temp.total": "total", "temp.count": "count"},
		})})
		out, err := exec.Execute(context.Background(), stepIn(t, def, "s", state))
		require.NoError(t, err)
		assert.Equal(t, schema.ConnectionSuccess, out.ConnectionType)
		v, _ := expressions.GetPath(out.State, "temp.total")
		assert.EqualValues(t, 7, v)
		v, _ = expressions.GetPath(out.State, "temp.count")
		assert.EqualValues(t, 2, v)
	})

	t.Run("jq outputs", func(t *testing.T) {
		def := flow("f", []schema.FlowNode{node("s", schema.NodeTypeScript, map[string]any{
			"language": "jq",
			"code":     `.temp.items | add`,
			"outputs":  map[string]any{"total": "result"},
		})})
		out, err := exec.Execute(context.Background(), stepIn(t, def, "s", state))
		require.NoError(t, err)
		v, _ := expressions.GetPath(out.State, "temp.total")
		assert.EqualValues(t, 7, v)
	})

	t.Run("script error routes FAILURE with a record", func(t *testing.T) {
		def := flow("f", []schema.FlowNode{node("s", schema.NodeTypeScript, map[string]any{
			"code": `temp.items[9]`,
		})})
		out, err := exec.Execute(context.Background(), stepIn(t, def, "s", state))
		require.NoError(t, err)
		assert.True(t, out.Failed)
		assert.Equal(t, schema.ConnectionFailure, out.ConnectionType)
		record := out.Details["script"].(map[string]any)
		assert.NotEmpty(t, record["error"])
	})

	t.Run("unknown language", func(t *testing.T) {
		def := flow("f", []schema.FlowNode{node("s", schema.NodeTypeScript, map[string]any{
			"language": "lua", "code": "return 1",
		})})
		_, err := exec.Execute(context.Background(), stepIn(t, def, "s", state))
		require.Error(t, err)
		assert.True(t, schema.IsNodeProcessing(err))
	})
}

func TestResultField(t *testing.T) {
	value := map[string]any{"a": map[string]any{"b": 1}}
	v, ok := resultField(value, "a.b")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = resultField(value, ".")
	assert.True(t, ok)
	assert.Equal(t, value, v)

	_, ok = resultField(value, "a.c")
	assert.False(t, ok)
}

// --- COMPOSITE ---

func TestCompositeHandler_DepthLimit(t *testing.T) {
	exec := newTestExecutor(t, nil)
	def := flow("f", []schema.FlowNode{node("c", schema.NodeTypeComposite, map[string]any{
		"composite_flow_id": "child",
	})})
	in := stepIn(t, def, "c", nil)
	in.Session.FlowStack = make([]schema.FlowFrame, MaxCompositeDepth)

	_, err := exec.Execute(context.Background(), in)
	require.Error(t, err)
	assert.True(t, schema.IsNodeProcessing(err))
}

func TestPopFrame(t *testing.T) {
	state := expressions.NewState(map[string]any{
		"input":  map[string]any{"name": "child-input"},
		"output": map[string]any{"greeting": "hi", "unused": true},
	})
	written := popFrame(state, schema.FlowFrame{
		SavedInput: map[string]any{"name": "parent-input"},
		Outputs:    map[string]string{"greeting": "user.greeting", "missing": "temp.missing"},
	})

	assert.Equal(t, []string{"user.greeting"}, written)
	v, _ := expressions.GetPath(state, "user.greeting")
	assert.Equal(t, "hi", v)
	assert.Equal(t, map[string]any{"name": "parent-input"}, state[schema.ScopeInput])
	assert.Equal(t, map[string]any{}, state[schema.ScopeOutput])
}
