package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/rendis/chatflow/internal/actions"
	"github.com/rendis/chatflow/internal/conditions"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/flowgraph"
	"github.com/rendis/chatflow/internal/masking"
	"github.com/rendis/chatflow/internal/validation"
	"github.com/rendis/chatflow/pkg/schema"
)

// NodeHandler executes one node kind.
type NodeHandler interface {
	Handle(ctx context.Context, in StepInput) (*StepOutcome, error)
}

// HandlerFunc adapts a function to NodeHandler.
type HandlerFunc func(ctx context.Context, in StepInput) (*StepOutcome, error)

func (f HandlerFunc) Handle(ctx context.Context, in StepInput) (*StepOutcome, error) {
	return f(ctx, in)
}

// GraphResolver resolves flow graphs. Satisfied by *flowgraph.Resolver.
type GraphResolver interface {
	Resolve(ctx context.Context, flowID, version string, opts flowgraph.ResolveOptions) (*flowgraph.Graph, error)
}

// ExecutorDeps are the collaborators of the built-in node handlers.
type ExecutorDeps struct {
	Resolver   GraphResolver
	Conditions *conditions.Evaluator
	Validator  validation.Validator
	Actions    *actions.Runner
	HTTP       *actions.HTTPCaller
	Scripts    *expressions.ExprEngine
	JQ         *expressions.GoJQEngine
	Interp     *expressions.Interpolator
	Masker     *masking.Masker
	Logger     *slog.Logger
}

// Executor dispatches steps to the handler of the node's kind. The handler
// table is fixed at construction and covers every kind.
type Executor struct {
	handlers map[schema.NodeType]NodeHandler
	logger   *slog.Logger
}

// NewExecutor builds an Executor with the built-in handlers.
func NewExecutor(deps ExecutorDeps) (*Executor, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Masker == nil {
		deps.Masker = masking.New(masking.Options{})
	}
	handlers := map[schema.NodeType]NodeHandler{
		schema.NodeTypeStart:     HandlerFunc(handleStart),
		schema.NodeTypeMessage:   &messageHandler{interp: deps.Interp},
		schema.NodeTypeQuestion:  &questionHandler{interp: deps.Interp, validator: deps.Validator},
		schema.NodeTypeCondition: &conditionHandler{evaluator: deps.Conditions},
		schema.NodeTypeAction:    &actionHandler{runner: deps.Actions},
		schema.NodeTypeWebhook: &webhookHandler{
			caller: deps.HTTP, jq: deps.JQ, interp: deps.Interp, masker: deps.Masker, logger: deps.Logger,
		},
		schema.NodeTypeScript:    &scriptHandler{exprs: deps.Scripts, jq: deps.JQ},
		schema.NodeTypeComposite: &compositeHandler{resolver: deps.Resolver},
	}
	return NewExecutorWithHandlers(handlers, deps.Logger)
}

// NewExecutorWithHandlers builds an Executor from an explicit table. Every
// kind of schema.AllNodeTypes must have a handler.
func NewExecutorWithHandlers(handlers map[schema.NodeType]NodeHandler, logger *slog.Logger) (*Executor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var missing []string
	for _, t := range schema.AllNodeTypes() {
		if h, ok := handlers[t]; !ok || h == nil {
			missing = append(missing, string(t))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"no handler for node types: %s", strings.Join(missing, ", ")).
			WithDetails(map[string]any{"missing": missing})
	}
	table := make(map[schema.NodeType]NodeHandler, len(handlers))
	for t, h := range handlers {
		table[t] = h
	}
	return &Executor{handlers: table, logger: logger}, nil
}

// Execute runs the handler of in.Node's kind. A node whose content sets
// end: true terminates after it runs.
func (e *Executor) Execute(ctx context.Context, in StepInput) (out *StepOutcome, err error) {
	h, ok := e.handlers[in.Node.NodeType]
	if !ok {
		return nil, schema.NodeProcessing(in.Node.NodeID, in.Node.NodeType,
			"unsupported node type %q", in.Node.NodeType)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "node handler panic",
				slog.String("node_id", in.Node.NodeID), slog.String("panic", fmt.Sprint(r)))
			out, err = nil, schema.NodeProcessing(in.Node.NodeID, in.Node.NodeType, "handler panic: %v", r)
		}
	}()

	out, err = h.Handle(ctx, in)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = &StepOutcome{}
	}
	if out.State == nil {
		out.State = in.State
	}
	if out.ConnectionType == "" {
		out.ConnectionType = schema.ConnectionDefault
	}
	if !out.Suspend && boolContent(in.Node.Content, "end") {
		out.End = true
	}
	return out, nil
}

// SuspendsOnArrival reports whether reaching node waits for user input
// instead of running a step.
func SuspendsOnArrival(node *schema.FlowNode) bool {
	switch node.NodeType {
	case schema.NodeTypeQuestion:
		return true
	case schema.NodeTypeMessage:
		return boolContent(node.Content, "wait_for_ack")
	}
	return false
}

// --- Content helpers ---

func stringContent(content map[string]any, key string) string {
	if s, ok := content[key].(string); ok {
		return s
	}
	return ""
}

func boolContent(content map[string]any, key string) bool {
	b, _ := content[key].(bool)
	return b
}

func mapContent(content map[string]any, key string) map[string]any {
	m, _ := content[key].(map[string]any)
	return m
}

func intContent(content map[string]any, key string, defaultVal int) int {
	switch v := content[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultVal
}
