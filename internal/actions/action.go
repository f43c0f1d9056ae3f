// Package actions implements the operations an ACTION node applies to
// session state, and the HTTP caller shared with WEBHOOK nodes.
package actions

import (
	"context"
	"encoding/json"
)

// Action is one state operation of an ACTION node.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionRegistry manages the lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the parameters of an action.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time. State is
// the node's working copy; actions mutate it in place.
type ActionInput struct {
	Params map[string]any `json:"params"`
	State  map[string]any `json:"-"`
}

// ActionOutput is the result of an action execution, recorded in the step
// details.
type ActionOutput struct {
	Data map[string]any `json:"data,omitempty"`
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
