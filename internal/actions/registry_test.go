package actions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/pkg/schema"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	name string
	desc string
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc}
}
func (s *stubAction) Execute(_ context.Context, _ ActionInput) (*ActionOutput, error) {
	return &ActionOutput{Data: map[string]any{"ok": true}}, nil
}
func (s *stubAction) Validate(_ map[string]any) error { return nil }

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe), "expected FlowError, got %T", err)
	assert.Equal(t, code, fe.Code)
}

func TestRegistry_Register(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(&stubAction{name: "set_flag", desc: "sets a flag"}))
		assert.Equal(t, 1, reg.Count())
		assert.True(t, reg.Has("set_flag"))
	})

	t.Run("duplicate", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(&stubAction{name: "dup"}))
		requireCode(t, reg.Register(&stubAction{name: "dup"}), schema.ErrCodeConflict)
	})

	t.Run("nil", func(t *testing.T) {
		requireCode(t, NewRegistry().Register(nil), schema.ErrCodeValidation)
	})

	t.Run("empty name", func(t *testing.T) {
		requireCode(t, NewRegistry().Register(&stubAction{}), schema.ErrCodeValidation)
	})
}

func TestRegistry_Get(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "fetch"}))

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name())

	_, err = reg.Get("missing")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestRegistry_Alias(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "delete_variable"}))
	require.NoError(t, reg.Alias("clear_variable", "delete_variable"))

	got, err := reg.Get("clear_variable")
	require.NoError(t, err)
	assert.Equal(t, "delete_variable", got.Name())
	assert.True(t, reg.Has("clear_variable"))
	assert.Equal(t, 1, reg.Count())

	requireCode(t, reg.Alias("x", "missing"), schema.ErrCodeNotFound)
	requireCode(t, reg.Register(&stubAction{name: "clear_variable"}), schema.ErrCodeConflict)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "z_action", desc: "last"}))
	require.NoError(t, reg.Register(&stubAction{name: "a_action", desc: "first"}))
	require.NoError(t, reg.Register(&stubAction{name: "m_action", desc: "middle"}))

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "a_action", infos[0].Name)
	assert.Equal(t, "first", infos[0].Description)
	assert.Equal(t, "m_action", infos[1].Name)
	assert.Equal(t, "z_action", infos[2].Name)
}

func TestRegistry_Concurrent(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "shared"}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Get("shared")
			assert.NoError(t, err)
			_ = reg.List()
		}()
	}
	wg.Wait()
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, expressions.NewExprEngine(), NewHTTPCaller(HTTPConfig{})))

	for _, name := range []string{
		"set_variable", "increment", "decrement", "append_to_list", "remove_from_list",
		"delete_variable", "clear_variable", "calculate", "api_call",
	} {
		assert.True(t, reg.Has(name), name)
	}
	assert.Equal(t, 8, reg.Count())
}
