package actions

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/pkg/schema"
)

const apiCallInputSchema = `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string"},
    "method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
    "headers": {"type": "object"},
    "body": {},
    "timeout_ms": {"type": "integer", "minimum": 1},
    "store_response": {"type": "boolean"},
    "response_key": {"type": "string"},
    "response_mapping": {"type": "object", "additionalProperties": {"type": "string"}}
  }
}`

// apiCallAction calls an HTTP endpoint and optionally stores the response.
// Params are rendered against state before the action runs.
type apiCallAction struct {
	caller *HTTPCaller
	jq     *expressions.GoJQEngine
}

// NewAPICallAction creates the api_call action over caller.
func NewAPICallAction(caller *HTTPCaller) Action {
	return &apiCallAction{caller: caller, jq: expressions.NewGoJQEngine()}
}

func (a *apiCallAction) Name() string { return "api_call" }

func (a *apiCallAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Call an HTTP endpoint; a non-2xx status fails the action",
		InputSchema: json.RawMessage(apiCallInputSchema),
	}
}

func (a *apiCallAction) Validate(params map[string]any) error {
	return ValidateURL(stringParam(params, "url", ""))
}

func (a *apiCallAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	rawURL := stringParam(params, "url", "")
	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))

	body := params["body"]
	if body == nil {
		body = params["payload"]
	}

	resp, err := a.caller.Do(ctx, HTTPRequest{
		Method:  method,
		URL:     rawURL,
		Headers: stringMapParam(params, "headers"),
		Body:    body,
		Timeout: time.Duration(intParam(params, "timeout_ms", 0)) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"url":         rawURL,
		"method":      method,
		"status_code": resp.StatusCode,
		"duration_ms": resp.DurationMS,
	}
	if !resp.OK() {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "api_call to %s returned %d", rawURL, resp.StatusCode).
			WithDetails(data)
	}

	if boolParam(params, "store_response", false) {
		key := expressions.QualifyPath(stringParam(params, "response_key", "api_response"), defaultScope)
		if err := expressions.SetPath(input.State, key, resp.Body); err != nil {
			return nil, err
		}
		data["stored_in"] = key
	}

	if mapping, ok := params["response_mapping"].(map[string]any); ok {
		mapped, err := MapResponse(ctx, a.jq, mapping, resp.Body, input.State)
		if err != nil {
			return nil, err
		}
		data["mapped"] = mapped
	}
	return &ActionOutput{Data: data}, nil
}

// MapResponse evaluates each {variable: "$.path"} entry against body and
// writes the results into state. Bare variable names land in temp. It
// returns the written paths.
func MapResponse(ctx context.Context, jq *expressions.GoJQEngine, mapping map[string]any, body any, state map[string]any) ([]string, error) {
	written := make([]string, 0, len(mapping))
	for variable, rawPath := range mapping {
		path, ok := rawPath.(string)
		if !ok {
			return written, schema.NewErrorf(schema.ErrCodeValidation, "response_mapping %q must be a string path", variable)
		}
		value, err := jq.Extract(ctx, path, body)
		if err != nil {
			return written, err
		}
		target := expressions.QualifyPath(variable, defaultScope)
		if err := expressions.SetPath(state, target, value); err != nil {
			return written, err
		}
		written = append(written, target)
	}
	return written, nil
}
