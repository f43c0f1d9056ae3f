package flowgraph

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/chatflow/pkg/schema"
)

// DecodeDefinition parses an imported flow document. Tracing defaults to
// enabled at a 100% sample rate and the flow to active when the document
// does not say otherwise.
func DecodeDefinition(data []byte) (*schema.FlowDefinition, error) {
	def := &schema.FlowDefinition{
		IsActive:        true,
		TraceEnabled:    true,
		TraceSampleRate: schema.DefaultTraceSampleRate,
	}
	if err := json.Unmarshal(data, def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("invalid flow document: %v", err)).WithCause(err)
	}
	// Publication state is owned by the store.
	def.IsPublished = false
	def.PublishedAt = nil
	def.ApplyDefaults()
	return def, nil
}
