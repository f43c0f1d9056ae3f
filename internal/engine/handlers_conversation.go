package engine

import (
	"context"
	"fmt"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/validation"
	"github.com/rendis/chatflow/pkg/schema"
)

// --- START ---

// handleStart seeds content.initial_context into the context scope without
// overwriting values given at session start.
func handleStart(_ context.Context, in StepInput) (*StepOutcome, error) {
	if seed := mapContent(in.Node.Content, "initial_context"); len(seed) > 0 {
		scope, ok := in.State[schema.ScopeContext].(map[string]any)
		if !ok {
			scope = map[string]any{}
			in.State[schema.ScopeContext] = scope
		}
		for k, v := range seed {
			if _, exists := scope[k]; !exists {
				scope[k] = expressions.DeepCopy(v)
			}
		}
	}
	return &StepOutcome{State: in.State, ConnectionType: schema.ConnectionDefault}, nil
}

// --- MESSAGE ---

type messageHandler struct {
	interp *expressions.Interpolator
}

func (h *messageHandler) Handle(ctx context.Context, in StepInput) (*StepOutcome, error) {
	msgs := h.render(ctx, in.Node.Content, in.State)
	waitAck := boolContent(in.Node.Content, "wait_for_ack")

	if waitAck && in.Arrival {
		return &StepOutcome{
			State:    in.State,
			Messages: msgs,
			Suspend:  true,
			Prompt:   &Prompt{NodeID: in.Node.NodeID, InputType: "ack"},
		}, nil
	}

	out := &StepOutcome{
		State:          in.State,
		ConnectionType: schema.ConnectionDefault,
		History: []schema.HistoryEntry{
			historyEntry(in.Node.NodeID, schema.InteractionMessage, map[string]any{"messages": msgs}),
		},
	}
	if waitAck {
		out.Details = map[string]any{"acknowledged": true}
	} else {
		out.Messages = msgs
	}
	return out, nil
}

// render reads content.messages (strings or {text}) or content.text.
func (h *messageHandler) render(ctx context.Context, content map[string]any, state map[string]any) []string {
	var raw []string
	if list, ok := content["messages"].([]any); ok {
		for _, item := range list {
			switch m := item.(type) {
			case string:
				raw = append(raw, m)
			case map[string]any:
				if text := stringContent(m, "text"); text != "" {
					raw = append(raw, text)
				}
			}
		}
	}
	if len(raw) == 0 {
		if text := stringContent(content, "text"); text != "" {
			raw = append(raw, text)
		}
	}
	out := make([]string, 0, len(raw))
	for _, text := range raw {
		if h.interp != nil {
			text = h.interp.RenderString(ctx, text, state)
		}
		out = append(out, text)
	}
	return out
}

// --- QUESTION ---

type questionHandler struct {
	interp    *expressions.Interpolator
	validator validation.Validator
}

func (h *questionHandler) Handle(ctx context.Context, in StepInput) (*StepOutcome, error) {
	prompt := h.prompt(ctx, in)
	if in.Arrival {
		out := &StepOutcome{State: in.State, Prompt: prompt, Suspend: true}
		if prompt.Question != "" {
			out.Messages = []string{prompt.Question}
		}
		return out, nil
	}

	field := prompt.Variable
	if field == "" {
		field = in.Node.NodeID
	}
	answer := answerValue(in.Input)
	if answer == nil {
		return nil, schema.StateValidation(field, nil, "an answer is required").
			WithNode(in.Node.NodeID, in.Node.NodeType)
	}
	if rules := mapContent(in.Node.Content, "validation"); len(rules) > 0 && h.validator != nil {
		if err := h.validator.ValidateAnswer(field, answer, rules); err != nil {
			return nil, err
		}
	}

	if prompt.Variable != "" {
		path := expressions.QualifyPath(prompt.Variable, schema.ScopeTemp)
		if err := expressions.SetPath(in.State, path, answer); err != nil {
			return nil, schema.StateValidation(field, answer, err.Error()).
				WithNode(in.Node.NodeID, in.Node.NodeType)
		}
	}

	conn := schema.ConnectionDefault
	if prompt.InputType == "button" {
		if i := matchOption(prompt.Options, in.Input); i >= 0 {
			conn = optionConnection(i)
		}
	}

	return &StepOutcome{
		State:          in.State,
		ConnectionType: conn,
		History: []schema.HistoryEntry{
			historyEntry(in.Node.NodeID, schema.InteractionInput, map[string]any{
				"question":   prompt.Question,
				"answer":     answer,
				"input_type": prompt.InputType,
				"variable":   prompt.Variable,
			}),
		},
		Details: map[string]any{"variable": prompt.Variable, "connection_type": string(conn)},
	}, nil
}

func (h *questionHandler) prompt(ctx context.Context, in StepInput) *Prompt {
	content := in.Node.Content
	question := stringContent(content, "question")
	if question == "" {
		question = stringContent(content, "text")
	}
	inputType := stringContent(content, "input_type")
	if inputType == "" {
		inputType = "text"
	}
	options, _ := content["options"].([]any)
	if h.interp != nil {
		question = h.interp.RenderString(ctx, question, in.State)
		if rendered, ok := h.interp.RenderValue(ctx, options, in.State).([]any); ok {
			options = rendered
		}
	}
	return &Prompt{
		NodeID:    in.Node.NodeID,
		Question:  question,
		Options:   options,
		InputType: inputType,
		Variable:  stringContent(content, "variable"),
	}
}

// answerValue unwraps {value|payload|text} envelopes sent by chat frontends.
func answerValue(input any) any {
	m, ok := input.(map[string]any)
	if !ok {
		return input
	}
	for _, k := range []string{"value", "payload", "text"} {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return input
}

// matchOption returns the index of the option whose payload, value or text
// equals the input, or -1.
func matchOption(options []any, input any) int {
	candidates := map[string]bool{}
	if m, ok := input.(map[string]any); ok {
		for _, k := range []string{"payload", "value", "text"} {
			if v, ok := m[k]; ok && v != nil {
				candidates[fmt.Sprint(v)] = true
			}
		}
	} else if input != nil {
		candidates[fmt.Sprint(input)] = true
	}

	for i, opt := range options {
		switch o := opt.(type) {
		case map[string]any:
			for _, k := range []string{"payload", "value", "text"} {
				if v, ok := o[k]; ok && v != nil && candidates[fmt.Sprint(v)] {
					return i
				}
			}
		default:
			if o != nil && candidates[fmt.Sprint(o)] {
				return i
			}
		}
	}
	return -1
}

func optionConnection(i int) schema.ConnectionType {
	switch i {
	case 0:
		return schema.ConnectionOption0
	case 1:
		return schema.ConnectionOption1
	}
	return schema.NumericConnection(i)
}
