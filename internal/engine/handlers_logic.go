package engine

import (
	"context"

	"github.com/rendis/chatflow/internal/actions"
	"github.com/rendis/chatflow/internal/conditions"
	"github.com/rendis/chatflow/pkg/schema"
)

// --- CONDITION ---

type conditionHandler struct {
	evaluator *conditions.Evaluator
}

func (h *conditionHandler) Handle(ctx context.Context, in StepInput) (*StepOutcome, error) {
	if h.evaluator == nil {
		return nil, schema.NodeProcessing(in.Node.NodeID, in.Node.NodeType, "no condition evaluator configured")
	}
	d, err := h.evaluator.Evaluate(ctx, in.Node, in.State)
	if err != nil {
		return nil, err
	}
	return &StepOutcome{
		State:          in.State,
		ConnectionType: d.ConnectionType,
		Details:        map[string]any{"decision": d},
	}, nil
}

// --- ACTION ---

type actionHandler struct {
	runner *actions.Runner
}

// Handle applies content.actions atomically. A failed action keeps the
// state untouched and routes FAILURE, falling back to DEFAULT; with neither
// edge the error is surfaced.
func (h *actionHandler) Handle(ctx context.Context, in StepInput) (*StepOutcome, error) {
	if h.runner == nil {
		return nil, schema.NodeProcessing(in.Node.NodeID, in.Node.NodeType, "no action runner configured")
	}
	specs, err := actions.ParseSpecs(in.Node.Content)
	if err != nil {
		return nil, schema.NodeProcessing(in.Node.NodeID, in.Node.NodeType, "invalid actions: %v", err).WithCause(err)
	}

	res, err := h.runner.Apply(ctx, in.Node.NodeID, in.State, specs)
	if err != nil {
		nodeID := in.Node.NodeID
		if !in.Graph.HasEdge(nodeID, schema.ConnectionFailure) && !in.Graph.HasEdge(nodeID, schema.ConnectionDefault) {
			return nil, err
		}
		out := &StepOutcome{
			State: in.State,
			Details: map[string]any{
				"applied": res.Applied,
				"error":   err.Error(),
			},
			History: []schema.HistoryEntry{
				historyEntry(nodeID, schema.InteractionAction, map[string]any{
					"actions": res.Applied,
					"error":   err.Error(),
				}),
			},
		}
		return out.fail(err), nil
	}

	return &StepOutcome{
		State:          res.State,
		ConnectionType: schema.ConnectionSuccess,
		Details:        map[string]any{"applied": res.Applied},
		History: []schema.HistoryEntry{
			historyEntry(in.Node.NodeID, schema.InteractionAction, map[string]any{"actions": res.Applied}),
		},
	}, nil
}
