package expressions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/chatflow/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr for
// deterministic logic: ACTION calculations and SCRIPT nodes. It supports let
// bindings, array operations (filter, map, count, any, all, sum, min, max),
// string operations, nil coalescing (??), optional chaining (?.), and pipe
// chaining (|).
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	mu      sync.RWMutex
	cache   map[string]*vm.Program
	scripts map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache:   make(map[string]*vm.Program),
		scripts: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an Expr expression and evaluates it
// against the provided data. The data map is injected as the expression environment,
// making all keys available as top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression, data)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
// The data map is used to infer the environment type for compilation.
func (e *ExprEngine) getOrCompile(expression string, data map[string]any) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// --- Scripts ---

// ScriptResult is the outcome of a sandboxed script run.
type ScriptResult struct {
	Value      any      `json:"result"`
	Logs       []string `json:"logs,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

// scriptLog collects log(...) calls. The VM goroutine may outlive a timed-out
// run, so appends are guarded.
type scriptLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *scriptLog) log(args ...any) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprint(args...))
	return nil
}

func (l *scriptLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// scriptShape is the compile-time environment of scripts. Script inputs are
// bound per run and typed dynamically.
func scriptShape() map[string]any {
	shape := map[string]any{"log": (&scriptLog{}).log}
	for _, scope := range schema.StateScopes() {
		shape[scope] = map[string]any{}
	}
	return shape
}

// RunScript executes code with vars as its environment. The only function
// added to the sandbox is log(...), whose output is returned in the result.
// The run is abandoned when ctx is done; the result then carries the logs
// collected so far and the error has code TIMEOUT_ERROR.
func (e *ExprEngine) RunScript(ctx context.Context, code string, vars map[string]any) (*ScriptResult, error) {
	if code == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty script")
	}

	prg, err := e.getOrCompileScript(code)
	if err != nil {
		return nil, err
	}

	logs := &scriptLog{}
	env := make(map[string]any, len(vars)+len(schema.StateScopes())+1)
	for _, scope := range schema.StateScopes() {
		env[scope] = map[string]any{}
	}
	for k, v := range vars {
		env[k] = v
	}
	env["log"] = logs.log

	type runOutput struct {
		value any
		err   error
	}
	done := make(chan runOutput, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runOutput{err: fmt.Errorf("script panic: %v", r)}
			}
		}()
		v, err := vm.Run(prg, env)
		done <- runOutput{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		res := &ScriptResult{Logs: logs.snapshot(), DurationMS: time.Since(start).Milliseconds()}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return res, schema.NewErrorf(schema.ErrCodeTimeout,
				"script timed out after %dms", res.DurationMS).WithCause(ctx.Err())
		}
		return res, schema.NewError(schema.ErrCodeExecution, "script cancelled").WithCause(ctx.Err())
	case out := <-done:
		res := &ScriptResult{Value: out.value, Logs: logs.snapshot(), DurationMS: time.Since(start).Milliseconds()}
		if out.err != nil {
			return res, schema.NewErrorf(schema.ErrCodeExecution,
				"script failed: %s", out.err.Error()).WithCause(out.err)
		}
		return res, nil
	}
}

func (e *ExprEngine) getOrCompileScript(code string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.scripts[code]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.scripts[code]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(code,
		expr.Env(scriptShape()),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"script compile error: %s", err.Error()).
			WithCause(err)
	}

	e.scripts[code] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
