package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rendis/chatflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaBaseURL = "https://chatflow.dev/schemas/nodes/"

// nodeContentSchemas are the JSON Schemas of each node kind's content.
// Content stays open to extra keys; only the fields the engine reads are constrained.
var nodeContentSchemas = map[schema.NodeType]string{
	schema.NodeTypeStart: `{
  "type": "object",
  "properties": {
    "initial_context": { "type": "object" },
    "end": { "type": "boolean" }
  }
}`,
	schema.NodeTypeMessage: `{
  "type": "object",
  "anyOf": [
    { "required": ["messages"] },
    { "required": ["text"] }
  ],
  "properties": {
    "messages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "anyOf": [
          { "type": "string" },
          {
            "type": "object",
            "anyOf": [
              { "required": ["text"] },
              { "required": ["content"] },
              { "required": ["content_id"] }
            ]
          }
        ]
      }
    },
    "text": { "type": "string" },
    "wait_for_ack": { "type": "boolean" },
    "end": { "type": "boolean" }
  }
}`,
	schema.NodeTypeQuestion: `{
  "type": "object",
  "anyOf": [
    { "required": ["question"] },
    { "required": ["text"] }
  ],
  "properties": {
    "question": {
      "anyOf": [
        { "type": "string", "minLength": 1 },
        {
          "type": "object",
          "anyOf": [
            { "required": ["text"] },
            { "required": ["question"] },
            { "required": ["content_id"] }
          ]
        }
      ]
    },
    "text": { "type": "string" },
    "input_type": {
      "enum": ["text", "button", "choice", "multiple_choice", "number", "email",
               "phone", "url", "date", "slider", "image_choice", "carousel"]
    },
    "options": { "type": "array" },
    "validation": { "type": "object" },
    "variable": { "type": "string", "pattern": "^[a-zA-Z_][a-zA-Z0-9_.]*$" }
  }
}`,
	schema.NodeTypeCondition: `{
  "type": "object",
  "required": ["conditions"],
  "properties": {
    "conditions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["if", "then"],
        "properties": {
          "if": { "type": ["string", "object", "boolean"] },
          "then": { "type": ["string", "integer"] }
        }
      }
    },
    "default_path": { "type": ["string", "integer"] }
  }
}`,
	schema.NodeTypeAction: `{
  "type": "object",
  "required": ["actions"],
  "properties": {
    "actions": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {
            "enum": ["set_variable", "increment", "decrement", "append_to_list",
                     "remove_from_list", "delete_variable", "clear_variable",
                     "calculate", "api_call"]
          }
        }
      }
    },
    "end": { "type": "boolean" }
  }
}`,
	schema.NodeTypeWebhook: `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": { "type": "string", "minLength": 1 },
    "method": { "enum": ["GET", "POST", "PUT", "PATCH", "DELETE"] },
    "headers": { "type": "object" },
    "timeout_ms": { "type": "integer", "minimum": 1, "maximum": 300000 },
    "timeout": { "type": "integer", "minimum": 1, "maximum": 300 },
    "response_mapping": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    },
    "fallback_response": { "type": "object" }
  }
}`,
	schema.NodeTypeScript: `{
  "type": "object",
  "required": ["code"],
  "properties": {
    "code": { "type": "string", "minLength": 1 },
    "language": { "enum": ["expr", "jq"] },
    "inputs": {
      "type": "object",
      "propertyNames": { "pattern": "^[a-zA-Z_][a-zA-Z0-9_]*$" },
      "additionalProperties": { "type": "string", "pattern": "^[a-zA-Z_][a-zA-Z0-9_.]*$" }
    },
    "outputs": {
      "type": "object",
      "propertyNames": { "pattern": "^[a-zA-Z_][a-zA-Z0-9_.]*$" },
      "additionalProperties": { "type": "string" }
    },
    "timeout_ms": { "type": "integer", "minimum": 1, "maximum": 60000 }
  }
}`,
	schema.NodeTypeComposite: `{
  "type": "object",
  "required": ["composite_flow_id"],
  "properties": {
    "composite_flow_id": { "type": "string", "minLength": 1 },
    "inputs": { "type": "object", "additionalProperties": { "type": "string" } },
    "outputs": { "type": "object", "additionalProperties": { "type": "string" } }
  }
}`,
}

// JSONSchemaValidator validates node content and user answers with JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	content map[schema.NodeType]*jsonschema.Schema

	// mu guards the cache of answer schemas compiled on demand.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the content schema of every node kind.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	compiled := make(map[schema.NodeType]*jsonschema.Schema, len(nodeContentSchemas))

	for _, nt := range schema.AllNodeTypes() {
		raw, ok := nodeContentSchemas[nt]
		if !ok {
			return nil, fmt.Errorf("no content schema for node type %s", nt)
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s content schema: %w", nt, err)
		}
		url := schemaBaseURL + strings.ToLower(string(nt)) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s content schema: %w", nt, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s content schema: %w", nt, err)
		}
		compiled[nt] = s
	}

	return &JSONSchemaValidator{
		content: compiled,
		cache:   make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateNodeContent checks node.Content against its kind's schema.
func (v *JSONSchemaValidator) ValidateNodeContent(node *schema.FlowNode) error {
	if node == nil {
		return schema.NewError(schema.ErrCodeValidation, "node is nil")
	}
	s, ok := v.content[node.NodeType]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown node type %q", node.NodeType).
			WithNode(node.NodeID, node.NodeType)
	}

	content := node.Content
	if content == nil {
		content = map[string]any{}
	}
	doc, err := toJSONValue(content)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize node content").
			WithNode(node.NodeID, node.NodeType).WithCause(err)
	}

	if err := s.Validate(doc); err != nil {
		return toFlowError(err).WithNode(node.NodeID, node.NodeType)
	}
	return nil
}

// ValidateAnswer validates a user answer against a QUESTION's validation
// schema. A violation is reported as STATE_VALIDATION for field.
func (v *JSONSchemaValidator) ValidateAnswer(field string, answer any, answerSchema map[string]any) error {
	if len(answerSchema) == 0 {
		return nil
	}

	compiled, err := v.getOrCompile(answerSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid answer validation schema").WithCause(err)
	}

	doc, err := toJSONValue(answer)
	if err != nil {
		return schema.StateValidation(field, answer, "answer is not JSON-serializable")
	}

	if err := compiled.Validate(doc); err != nil {
		violations := []string{err.Error()}
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			violations = collectViolations(verr)
		}
		return schema.StateValidation(field, answer, strings.Join(violations, "; ")).
			WithDetails(map[string]any{"violations": violations})
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(doc map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	key := string(b)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("chatflow://answer-schema/%d", len(v.cache))

	c := newCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError that
// lists every violated constraint.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("content validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
