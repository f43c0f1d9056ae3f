package engine

import (
	"context"
	"strings"
	"time"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/pkg/schema"
)

// DefaultScriptTimeout applies when a SCRIPT node sets no timeout_ms.
const DefaultScriptTimeout = 5 * time.Second

type scriptHandler struct {
	exprs *expressions.ExprEngine
	jq    *expressions.GoJQEngine
}

// Handle runs content.code in the expression sandbox. Script errors still
// produce a result record and route FAILURE.
func (h *scriptHandler) Handle(ctx context.Context, in StepInput) (*StepOutcome, error) {
	node := in.Node
	code := stringContent(node.Content, "code")
	if code == "" {
		return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "script has no code")
	}
	language := stringContent(node.Content, "language")
	if language == "" {
		language = "expr"
	}

	vars := make(map[string]any, len(in.State)+4)
	for k, v := range in.State {
		vars[k] = v
	}
	for name, rawPath := range mapContent(node.Content, "inputs") {
		path, ok := rawPath.(string)
		if !ok {
			continue
		}
		if v, found := expressions.GetPath(in.State, expressions.QualifyPath(path, schema.ScopeTemp)); found {
			vars[name] = expressions.DeepCopy(v)
		}
	}

	timeout := time.Duration(intContent(node.Content, "timeout_ms", int(DefaultScriptTimeout.Milliseconds()))) * time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		res *expressions.ScriptResult
		err error
	)
	switch language {
	case "expr":
		if h.exprs == nil {
			return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "no expr engine configured")
		}
		res, err = h.exprs.RunScript(runCtx, code, vars)
	case "jq":
		if h.jq == nil {
			return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "no jq engine configured")
		}
		start := time.Now()
		var v any
		v, err = h.jq.Evaluate(runCtx, code, vars)
		res = &expressions.ScriptResult{Value: v, DurationMS: time.Since(start).Milliseconds()}
	default:
		return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "unsupported script language %q", language)
	}

	record := map[string]any{"language": language}
	if res != nil {
		record["result"] = res.Value
		record["logs"] = res.Logs
		record["duration_ms"] = res.DurationMS
	}
	if err != nil {
		record["error"] = err.Error()
		out := &StepOutcome{State: in.State, Details: map[string]any{"script": record}}
		return out.fail(err), nil
	}

	written := make([]string, 0)
	for rawPath, rawKey := range mapContent(node.Content, "outputs") {
		key, _ := rawKey.(string)
		v, ok := resultField(res.Value, key)
		if !ok {
			continue
		}
		target := expressions.QualifyPath(rawPath, schema.ScopeTemp)
		if err := expressions.SetPath(in.State, target, v); err != nil {
			record["error"] = err.Error()
			out := &StepOutcome{State: in.State, Details: map[string]any{"script": record}}
			return out.fail(err), nil
		}
		written = append(written, target)
	}
	record["written"] = written

	return &StepOutcome{
		State:          in.State,
		ConnectionType: schema.ConnectionSuccess,
		Details:        map[string]any{"script": record},
	}, nil
}

// resultField selects key from a script result. An empty key, "." or
// "result" selects the whole value; dotted keys walk nested maps.
func resultField(value any, key string) (any, bool) {
	if key == "" || key == "." || key == "result" {
		return value, true
	}
	cur := value
	for _, part := range strings.Split(key, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}
