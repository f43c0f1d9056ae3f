package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/chatflow/internal/actions"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/masking"
	"github.com/rendis/chatflow/pkg/schema"
)

// DefaultWebhookTimeout applies when a WEBHOOK node sets no timeout.
const DefaultWebhookTimeout = 30 * time.Second

type webhookHandler struct {
	caller *actions.HTTPCaller
	jq     *expressions.GoJQEngine
	interp *expressions.Interpolator
	masker *masking.Masker
	logger *slog.Logger
}

func (h *webhookHandler) Handle(ctx context.Context, in StepInput) (*StepOutcome, error) {
	node := in.Node
	if h.caller == nil {
		return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "no http caller configured")
	}
	req := h.request(ctx, node.Content, in.State)

	details := map[string]any{
		"url":        h.masker.MaskURLCredentials(req.URL),
		"method":     req.Method,
		"headers":    h.masker.MaskHeaders(req.Headers),
		"timeout_ms": req.Timeout.Milliseconds(),
	}

	resp, err := h.caller.Do(ctx, req)
	if err == nil && !resp.OK() {
		err = schema.NewErrorf(schema.ErrCodeWebhook, "unexpected status %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode})
	}
	if resp != nil {
		details["response"] = resp.Details()
		details["status_code"] = resp.StatusCode
		details["duration_ms"] = resp.DurationMS
	}

	if err != nil {
		return h.failure(ctx, in, req, details, err)
	}

	if mapping := mapContent(node.Content, "response_mapping"); len(mapping) > 0 {
		written, err := actions.MapResponse(ctx, h.jq, mapping, resp.Body, in.State)
		if err != nil {
			return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "response_mapping failed: %v", err).WithCause(err)
		}
		details["mapped"] = written
	}
	if boolContent(node.Content, "store_response") {
		key := stringContent(node.Content, "response_key")
		if key == "" {
			key = "webhook_response"
		}
		if err := expressions.SetPath(in.State, expressions.QualifyPath(key, schema.ScopeTemp), resp.Body); err != nil {
			return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "store response: %v", err).WithCause(err)
		}
	}

	return &StepOutcome{State: in.State, ConnectionType: schema.ConnectionSuccess, Details: details}, nil
}

// failure maps fallback_response as data, routes FAILURE when that edge
// exists, and otherwise surfaces a WEBHOOK_ERROR.
func (h *webhookHandler) failure(ctx context.Context, in StepInput, req actions.HTTPRequest,
	details map[string]any, cause error) (*StepOutcome, error) {
	node := in.Node
	h.logger.WarnContext(ctx, "webhook call failed",
		slog.String("node_id", node.NodeID),
		slog.String("url", h.masker.MaskURLCredentials(req.URL)),
		slog.String("error", cause.Error()))
	details["error"] = cause.Error()

	if fallback, ok := node.Content["fallback_response"]; ok && fallback != nil {
		if mapping := mapContent(node.Content, "response_mapping"); len(mapping) > 0 {
			written, err := actions.MapResponse(ctx, h.jq, mapping, fallback, in.State)
			if err != nil {
				return nil, schema.NodeProcessing(node.NodeID, node.NodeType, "fallback mapping failed: %v", err).WithCause(err)
			}
			details["mapped"] = written
		}
		details["fallback"] = true
		out := &StepOutcome{State: in.State, Details: details}
		return out.fail(cause), nil
	}

	if in.Graph.HasEdge(node.NodeID, schema.ConnectionFailure) {
		out := &StepOutcome{State: in.State, Details: details}
		return out.fail(cause), nil
	}

	return nil, schema.WebhookFailed(node.NodeID, h.masker.MaskURLCredentials(req.URL), cause).WithDetails(details)
}

func (h *webhookHandler) request(ctx context.Context, content map[string]any, state map[string]any) actions.HTTPRequest {
	method := strings.ToUpper(stringContent(content, "method"))
	if method == "" {
		method = http.MethodPost
	}
	url := stringContent(content, "url")
	var headers map[string]string
	var body any
	if b, ok := content["body"]; ok {
		body = b
	} else if p, ok := content["payload"]; ok {
		body = p
	}
	if h.interp != nil {
		url = h.interp.RenderString(ctx, url, state)
		headers = h.interp.RenderHeaders(ctx, mapContent(content, "headers"), state)
		body = h.interp.RenderValue(ctx, body, state)
	} else {
		headers = make(map[string]string)
		for k, v := range mapContent(content, "headers") {
			headers[k] = fmt.Sprint(v)
		}
	}
	return actions.HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: headers,
		Body:    body,
		Timeout: webhookTimeout(content),
	}
}

// webhookTimeout reads timeout_ms, or timeout in seconds.
func webhookTimeout(content map[string]any) time.Duration {
	if ms := intContent(content, "timeout_ms", 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if s := intContent(content, "timeout", 0); s > 0 {
		return time.Duration(s) * time.Second
	}
	return DefaultWebhookTimeout
}
