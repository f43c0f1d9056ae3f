package engine

import (
	"encoding/json"
	"errors"

	"github.com/rendis/chatflow/internal/flowgraph"
	"github.com/rendis/chatflow/pkg/schema"
)

// MaxCompositeDepth bounds the composite sub-flow call stack.
const MaxCompositeDepth = 8

// StepInput is what a node handler sees for one step.
type StepInput struct {
	Session *schema.Session
	Graph   *flowgraph.Graph
	Node    *schema.FlowNode
	// State is a deep copy of the session state; handlers may mutate it.
	State     map[string]any
	Input     any
	InputType string
	// Arrival is true when the node is reached by auto-advance rather than
	// by an inbound event.
	Arrival bool
}

// Prompt asks the user for input at a suspension point.
type Prompt struct {
	NodeID    string `json:"node_id"`
	Question  string `json:"question,omitempty"`
	Options   []any  `json:"options,omitempty"`
	InputType string `json:"input_type"`
	Variable  string `json:"variable,omitempty"`
}

// FlowTransfer moves execution into a composite sub-flow.
type FlowTransfer struct {
	FlowID      string           `json:"flow_id"`
	Version     string           `json:"version"`
	EntryNodeID string           `json:"entry_node_id"`
	Frame       schema.FlowFrame `json:"frame"`
}

// StepOutcome is the result of one node handler run. It is cached by the
// idempotency guard, so it must survive a JSON round trip.
type StepOutcome struct {
	State          map[string]any        `json:"state,omitempty"`
	ConnectionType schema.ConnectionType `json:"connection_type,omitempty"`
	Messages       []string              `json:"messages,omitempty"`
	Prompt         *Prompt               `json:"prompt,omitempty"`
	Details        map[string]any        `json:"details,omitempty"`
	History        []schema.HistoryEntry `json:"history,omitempty"`
	Failed         bool                  `json:"failed,omitempty"`
	Error          string                `json:"error,omitempty"`
	Suspend        bool                  `json:"suspend,omitempty"`
	End            bool                  `json:"end,omitempty"`
	Transfer       *FlowTransfer         `json:"transfer,omitempty"`
}

// fail marks the outcome failed with err, routed through FAILURE.
func (o *StepOutcome) fail(err error) *StepOutcome {
	o.Failed = true
	o.Error = err.Error()
	o.ConnectionType = schema.ConnectionFailure
	return o
}

func historyEntry(nodeID string, kind schema.InteractionType, content map[string]any) schema.HistoryEntry {
	b, err := json.Marshal(content)
	if err != nil {
		b = []byte("{}")
	}
	return schema.HistoryEntry{NodeID: nodeID, InteractionType: kind, Content: b}
}

func errorDetails(err error) map[string]any {
	d := map[string]any{"error": err.Error()}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		d["code"] = fe.Code
		if len(fe.Details) > 0 {
			d["error_details"] = fe.Details
		}
	}
	return d
}
