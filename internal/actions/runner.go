package actions

import (
	"context"
	"log/slog"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/pkg/schema"
)

// Spec is one entry of an ACTION node's content.actions list.
type Spec struct {
	Type   string
	Params map[string]any
}

// ParseSpecs reads content.actions. Params may be nested under "params" or
// given inline next to "type".
func ParseSpecs(content map[string]any) ([]Spec, error) {
	raw, ok := content["actions"].([]any)
	if !ok || len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "content.actions must be a non-empty list")
	}
	specs := make([]Spec, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "actions[%d] must be an object", i)
		}
		typ := stringParam(m, "type", "")
		if typ == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "actions[%d] has no type", i)
		}
		params, nested := m["params"].(map[string]any)
		if !nested {
			params = make(map[string]any, len(m))
			for k, v := range m {
				if k != "type" {
					params[k] = v
				}
			}
		}
		specs = append(specs, Spec{Type: typ, Params: params})
	}
	return specs, nil
}

// Applied records the outcome of one action for the trace.
type Applied struct {
	Index  int            `json:"index"`
	Type   string         `json:"type"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Result is the outcome of applying a node's actions.
type Result struct {
	// State is the new state. Nil when any action failed.
	State   map[string]any `json:"-"`
	Applied []Applied      `json:"applied"`
}

// Runner applies action lists atomically: every action runs against one
// working copy of state, which is discarded on the first failure.
type Runner struct {
	registry ActionRegistry
	interp   *expressions.Interpolator
	logger   *slog.Logger
}

// NewRunner creates a Runner. interp renders {{path}} placeholders in params
// against the working state before each action.
func NewRunner(registry ActionRegistry, interp *expressions.Interpolator, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{registry: registry, interp: interp, logger: logger}
}

// Apply runs specs in order over a deep copy of state. On failure the
// returned error is a NODE_PROCESSING FlowError naming the failing action,
// and the Result lists what ran before it.
func (r *Runner) Apply(ctx context.Context, nodeID string, state map[string]any, specs []Spec) (*Result, error) {
	working := expressions.CloneState(state)
	if working == nil {
		working = expressions.NewState(nil)
	}
	res := &Result{Applied: make([]Applied, 0, len(specs))}

	for i, spec := range specs {
		out, err := r.run(ctx, spec, working)
		if err != nil {
			res.Applied = append(res.Applied, Applied{Index: i, Type: spec.Type, Error: err.Error()})
			r.logger.WarnContext(ctx, "action failed",
				slog.String("node_id", nodeID), slog.Int("index", i),
				slog.String("type", spec.Type), slog.String("error", err.Error()))
			return res, schema.NodeProcessing(nodeID, schema.NodeTypeAction,
				"action %d (%s) failed: %v", i, spec.Type, err).
				WithCause(err).
				WithDetails(map[string]any{"action_index": i, "action_type": spec.Type})
		}
		res.Applied = append(res.Applied, Applied{Index: i, Type: spec.Type, Result: out.Data})
	}

	res.State = working
	return res, nil
}

func (r *Runner) run(ctx context.Context, spec Spec, working map[string]any) (*ActionOutput, error) {
	action, err := r.registry.Get(spec.Type)
	if err != nil {
		return nil, err
	}
	params := spec.Params
	if r.interp != nil {
		if rendered, ok := r.interp.RenderValue(ctx, params, working).(map[string]any); ok {
			params = rendered
		}
	}
	if err := action.Validate(params); err != nil {
		return nil, err
	}
	out, err := action.Execute(ctx, ActionInput{Params: params, State: working})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &ActionOutput{}
	}
	return out, nil
}
