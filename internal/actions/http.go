package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/chatflow/pkg/schema"
)

// HTTPConfig configures the outbound HTTP caller.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Breaker, when set, guards every call by endpoint.
	Breaker Breaker
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// Breaker is a per-endpoint circuit breaker.
type Breaker interface {
	AllowRequest(endpoint string) error
	RecordSuccess(endpoint string)
	RecordFailure(endpoint string)
}

// HTTPRequest is one outbound call.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    any
	Timeout time.Duration
}

// HTTPResponse is the captured outcome of a call that reached the server.
type HTTPResponse struct {
	StatusCode  int               `json:"status_code"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        any               `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	DurationMS  int64             `json:"duration_ms"`
}

// OK reports a 2xx status.
func (r *HTTPResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Details returns the response as trace details.
func (r *HTTPResponse) Details() map[string]any {
	return map[string]any{
		"status_code":  r.StatusCode,
		"headers":      r.Headers,
		"body":         r.Body,
		"content_type": r.ContentType,
		"duration_ms":  r.DurationMS,
	}
}

// HTTPCaller performs outbound JSON calls for WEBHOOK nodes and api_call
// actions.
type HTTPCaller struct {
	config HTTPConfig
	client *http.Client
}

// NewHTTPCaller creates a caller with the given config.
func NewHTTPCaller(cfg HTTPConfig) *HTTPCaller {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &HTTPCaller{config: cfg, client: &http.Client{Transport: transport}}
}

// ValidateURL accepts absolute http and https URLs only.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "missing url")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid url %q", rawURL)
	}
	return nil
}

// Do performs the call. A non-2xx status is returned as a response, not an
// error; transport failures, timeouts and open circuits are errors. The
// response is returned alongside the error when the server was reached.
func (c *HTTPCaller) Do(ctx context.Context, in HTTPRequest) (*HTTPResponse, error) {
	if err := ValidateURL(in.URL); err != nil {
		return nil, err
	}
	method := strings.ToUpper(in.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = c.config.DefaultTimeout
	}

	if c.config.Breaker != nil {
		if err := c.config.Breaker.AllowRequest(in.URL); err != nil {
			return nil, err
		}
	}

	var bodyReader io.Reader
	if in.Body != nil && method != http.MethodGet && method != http.MethodDelete {
		b, err := json.Marshal(in.Body)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "failed to marshal request body").WithCause(err)
		}
		bodyReader = strings.NewReader(string(b))
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, in.URL, bodyReader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to create request").WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		c.recordFailure(in.URL)
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "request to %s timed out after %s", in.URL, timeout).
				WithCause(err).
				WithDetails(map[string]any{"timeout_ms": timeout.Milliseconds(), "duration_ms": durationMs})
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "request to %s failed: %v", in.URL, err).
			WithCause(err).
			WithDetails(map[string]any{"duration_ms": durationMs})
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxResponseBody))
	if err != nil {
		c.recordFailure(in.URL)
		return nil, schema.NewError(schema.ErrCodeExecution, "failed to read response body").WithCause(err)
	}

	contentType := resp.Header.Get("Content-Type")
	var parsed any
	if len(bodyBytes) > 0 {
		var jsonBody any
		if strings.Contains(contentType, "json") && json.Unmarshal(bodyBytes, &jsonBody) == nil {
			parsed = jsonBody
		} else {
			parsed = string(bodyBytes)
		}
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	out := &HTTPResponse{
		StatusCode:  resp.StatusCode,
		Headers:     headers,
		Body:        parsed,
		ContentType: contentType,
		DurationMS:  durationMs,
	}
	// 4xx means the endpoint is up; only server errors trip the breaker.
	if resp.StatusCode >= 500 {
		c.recordFailure(in.URL)
	} else if c.config.Breaker != nil {
		c.config.Breaker.RecordSuccess(in.URL)
	}
	return out, nil
}

func (c *HTTPCaller) recordFailure(endpoint string) {
	if c.config.Breaker != nil {
		c.config.Breaker.RecordFailure(endpoint)
	}
}

// --- Param helpers ---

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func stringMapParam(m map[string]any, key string) map[string]string {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
