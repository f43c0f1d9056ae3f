package engine

import (
	"context"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/flowgraph"
	"github.com/rendis/chatflow/pkg/schema"
)

type compositeHandler struct {
	resolver GraphResolver
}

// Handle pushes a frame and transfers into content.composite_flow_id. The
// sub-flow sees the mapped inputs in its input scope and an empty output
// scope.
func (h *compositeHandler) Handle(ctx context.Context, in StepInput) (*StepOutcome, error) {
	node := in.Node
	depth := len(in.Session.FlowStack)
	if depth >= MaxCompositeDepth {
		return nil, schema.NodeProcessing(node.NodeID, node.NodeType,
			"composite depth limit %d reached", MaxCompositeDepth).
			WithDetails(map[string]any{"depth": depth})
	}
	subID := stringContent(node.Content, "composite_flow_id")
	if subID == "" {
		return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "composite_flow_id is required")
	}
	if h.resolver == nil {
		return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "no flow resolver configured")
	}
	sub, err := h.resolver.Resolve(ctx, subID, "", flowgraph.ResolveOptions{RequireActive: true})
	if err != nil {
		return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "resolve sub-flow %q: %v", subID, err).WithCause(err)
	}
	entry := sub.EntryNodeID()
	if entry == "" {
		return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "sub-flow %q has no entry node", subID)
	}

	returnTo, _, err := in.Graph.Outgoing(node.NodeID, schema.ConnectionDefault)
	if err != nil {
		return nil, err
	}

	outputs := map[string]string{}
	for name, rawPath := range mapContent(node.Content, "outputs") {
		if path, ok := rawPath.(string); ok {
			outputs[name] = path
		}
	}
	frame := schema.FlowFrame{
		ParentFlowID:      in.Graph.FlowID(),
		ParentFlowVersion: in.Graph.Version(),
		CompositeNodeID:   node.NodeID,
		ReturnNodeID:      returnTo,
		SavedInput:        scopeCopy(in.State, schema.ScopeInput),
		SavedOutput:       scopeCopy(in.State, schema.ScopeOutput),
		Outputs:           outputs,
	}

	seeded := map[string]any{}
	for subVar, rawPath := range mapContent(node.Content, "inputs") {
		path, ok := rawPath.(string)
		if !ok {
			continue
		}
		if v, found := expressions.GetPath(in.State, expressions.QualifyPath(path, schema.ScopeTemp)); found {
			seeded[subVar] = expressions.DeepCopy(v)
		}
	}
	in.State[schema.ScopeInput] = seeded
	in.State[schema.ScopeOutput] = map[string]any{}

	return &StepOutcome{
		State: in.State,
		Transfer: &FlowTransfer{
			FlowID:      sub.FlowID(),
			Version:     sub.Version(),
			EntryNodeID: entry,
			Frame:       frame,
		},
		Details: map[string]any{
			"composite_flow_id": sub.FlowID(),
			"composite_version": sub.Version(),
			"depth":             depth + 1,
		},
	}, nil
}

// popFrame copies output.* values to the frame's parent paths and restores
// the saved input and output scopes.
func popFrame(state map[string]any, frame schema.FlowFrame) []string {
	written := make([]string, 0, len(frame.Outputs))
	for name, parentPath := range frame.Outputs {
		v, ok := expressions.GetPath(state, schema.ScopeOutput+"."+name)
		if !ok {
			continue
		}
		target := expressions.QualifyPath(parentPath, schema.ScopeTemp)
		if err := expressions.SetPath(state, target, expressions.DeepCopy(v)); err == nil {
			written = append(written, target)
		}
	}
	state[schema.ScopeInput] = orEmpty(frame.SavedInput)
	state[schema.ScopeOutput] = orEmpty(frame.SavedOutput)
	return written
}

func scopeCopy(state map[string]any, scope string) map[string]any {
	m, _ := expressions.DeepCopy(state[scope]).(map[string]any)
	return m
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
