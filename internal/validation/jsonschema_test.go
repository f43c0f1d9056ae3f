package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/pkg/schema"
)

func newJSV(t *testing.T) *JSONSchemaValidator {
	t.Helper()
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	return v
}

// --- Node content ---

func TestValidateNodeContent_Valid(t *testing.T) {
	v := newJSV(t)

	nodes := []schema.FlowNode{
		{NodeID: "s", NodeType: schema.NodeTypeStart},
		{NodeID: "s2", NodeType: schema.NodeTypeStart, Content: map[string]any{"initial_context": map[string]any{"lang": "en"}}},
		{NodeID: "m", NodeType: schema.NodeTypeMessage, Content: map[string]any{"messages": []any{"Hi {{user.name}}"}}},
		{NodeID: "m2", NodeType: schema.NodeTypeMessage, Content: map[string]any{"text": "Hello", "wait_for_ack": true}},
		{NodeID: "q", NodeType: schema.NodeTypeQuestion, Content: map[string]any{
			"question": "Favourite colour?", "input_type": "text", "variable": "user.colour",
		}},
		{NodeID: "c", NodeType: schema.NodeTypeCondition, Content: map[string]any{
			"conditions":   []any{map[string]any{"if": "user.age >= 18", "then": "$0"}},
			"default_path": "$1",
		}},
		{NodeID: "a", NodeType: schema.NodeTypeAction, Content: map[string]any{
			"actions": []any{map[string]any{"type": "increment", "variable": "temp.count"}},
		}},
		{NodeID: "w", NodeType: schema.NodeTypeWebhook, Content: map[string]any{
			"url": "https://api.example.com/x", "method": "POST", "timeout_ms": 1000,
			"response_mapping": map[string]any{"temp.id": "$.data.id"},
		}},
		{NodeID: "sc", NodeType: schema.NodeTypeScript, Content: map[string]any{
			"code": "a + b", "inputs": map[string]any{"a": "temp.a", "b": "temp.b"},
			"outputs": map[string]any{"temp.sum": "result"},
		}},
		{NodeID: "cp", NodeType: schema.NodeTypeComposite, Content: map[string]any{"composite_flow_id": "sub"}},
	}

	for i := range nodes {
		n := &nodes[i]
		t.Run(n.NodeID, func(t *testing.T) {
			assert.NoError(t, v.ValidateNodeContent(n))
		})
	}
}

func TestValidateNodeContent_Invalid(t *testing.T) {
	v := newJSV(t)

	tests := []struct {
		name string
		node schema.FlowNode
	}{
		{"message without text", schema.FlowNode{NodeID: "m", NodeType: schema.NodeTypeMessage, Content: map[string]any{}}},
		{"message empty list", schema.FlowNode{NodeID: "m", NodeType: schema.NodeTypeMessage, Content: map[string]any{"messages": []any{}}}},
		{"question bad input type", schema.FlowNode{NodeID: "q", NodeType: schema.NodeTypeQuestion, Content: map[string]any{
			"question": "x", "input_type": "telepathy",
		}}},
		{"question bad variable", schema.FlowNode{NodeID: "q", NodeType: schema.NodeTypeQuestion, Content: map[string]any{
			"question": "x", "variable": "1abc",
		}}},
		{"condition missing then", schema.FlowNode{NodeID: "c", NodeType: schema.NodeTypeCondition, Content: map[string]any{
			"conditions": []any{map[string]any{"if": "true"}},
		}}},
		{"action unknown type", schema.FlowNode{NodeID: "a", NodeType: schema.NodeTypeAction, Content: map[string]any{
			"actions": []any{map[string]any{"type": "launch_rocket"}},
		}}},
		{"webhook no url", schema.FlowNode{NodeID: "w", NodeType: schema.NodeTypeWebhook, Content: map[string]any{"method": "POST"}}},
		{"webhook bad method", schema.FlowNode{NodeID: "w", NodeType: schema.NodeTypeWebhook, Content: map[string]any{
			"url": "https://x", "method": "TRACE",
		}}},
		{"webhook timeout too large", schema.FlowNode{NodeID: "w", NodeType: schema.NodeTypeWebhook, Content: map[string]any{
			"url": "https://x", "timeout_ms": 999999,
		}}},
		{"script empty code", schema.FlowNode{NodeID: "s", NodeType: schema.NodeTypeScript, Content: map[string]any{"code": ""}}},
		{"script bad language", schema.FlowNode{NodeID: "s", NodeType: schema.NodeTypeScript, Content: map[string]any{
			"code": "1", "language": "python",
		}}},
		{"composite without flow", schema.FlowNode{NodeID: "cp", NodeType: schema.NodeTypeComposite, Content: map[string]any{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateNodeContent(&tt.node)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

			fe, ok := err.(*schema.FlowError)
			require.True(t, ok)
			assert.Equal(t, tt.node.NodeID, fe.NodeID)
			assert.Equal(t, tt.node.NodeType, fe.NodeType)
		})
	}
}

func TestValidateNodeContent_UnknownType(t *testing.T) {
	v := newJSV(t)
	err := v.ValidateNodeContent(&schema.FlowNode{NodeID: "x", NodeType: "CAROUSEL"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")
}

// --- Answers ---

func TestValidateAnswer(t *testing.T) {
	v := newJSV(t)
	ageSchema := map[string]any{"type": "integer", "minimum": 0, "maximum": 130}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, v.ValidateAnswer("user.age", 42, ageSchema))
	})

	t.Run("violation is state validation", func(t *testing.T) {
		err := v.ValidateAnswer("user.age", 300, ageSchema)
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeStateValidation))

		fe := err.(*schema.FlowError)
		assert.Equal(t, "user.age", fe.Details["field"])
		assert.Equal(t, 300, fe.Details["value"])
		assert.NotEmpty(t, fe.Details["violations"])
	})

	t.Run("wrong type", func(t *testing.T) {
		err := v.ValidateAnswer("user.age", "forty", ageSchema)
		assert.True(t, schema.HasCode(err, schema.ErrCodeStateValidation))
	})

	t.Run("email format", func(t *testing.T) {
		s := map[string]any{"type": "string", "format": "email"}
		assert.NoError(t, v.ValidateAnswer("user.email", "ada@example.com", s))
		assert.Error(t, v.ValidateAnswer("user.email", "not-an-email", s))
	})

	t.Run("no schema accepts anything", func(t *testing.T) {
		assert.NoError(t, v.ValidateAnswer("temp.x", map[string]any{"a": 1}, nil))
	})

	t.Run("broken schema", func(t *testing.T) {
		err := v.ValidateAnswer("temp.x", 1, map[string]any{"type": 12})
		require.Error(t, err)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	})
}

func TestValidateAnswer_CachesCompiledSchemas(t *testing.T) {
	v := newJSV(t)
	s := map[string]any{"type": "string", "minLength": 2}

	require.NoError(t, v.ValidateAnswer("a", "ok", s))
	require.NoError(t, v.ValidateAnswer("b", "fine", map[string]any{"minLength": 2, "type": "string"}))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}

func TestValidateAnswer_Concurrent(t *testing.T) {
	v := newJSV(t)
	s := map[string]any{"type": "number", "minimum": 1}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, v.ValidateAnswer("temp.n", n+1, s))
		}(i)
	}
	wg.Wait()
}
