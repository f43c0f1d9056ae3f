package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeFlowNotFound        = "FLOW_NOT_FOUND"
	ErrCodeNodeNotFound        = "NODE_NOT_FOUND"
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeSessionInactive     = "SESSION_INACTIVE"
	ErrCodeSessionConcurrency  = "SESSION_CONCURRENCY"
	ErrCodeNodeProcessing      = "NODE_PROCESSING"
	ErrCodeWebhook             = "WEBHOOK_ERROR"
	ErrCodeConditionEvaluation = "CONDITION_EVALUATION"
	ErrCodeStateValidation     = "STATE_VALIDATION"
	ErrCodeStepInProgress      = "STEP_IN_PROGRESS"

	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
)

// FlowError is the structured error type for all chatflow operations.
type FlowError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
	NodeID   string         `json:"node_id,omitempty"`
	NodeType NodeType       `json:"node_type,omitempty"`
	Cause    error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the operation that produced the error may be
// attempted again without caller intervention.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeSessionConcurrency, ErrCodeStepInProgress, ErrCodeTimeout, ErrCodeStore:
		return true
	}
	return false
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches node context to the error.
func (e *FlowError) WithNode(nodeID string, nodeType NodeType) *FlowError {
	e.NodeID = nodeID
	e.NodeType = nodeType
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails merges key-value details into the error.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// --- Constructors for the engine taxonomy ---

func FlowNotFound(flowID string) *FlowError {
	return NewErrorf(ErrCodeFlowNotFound, "flow %q not found or not available", flowID).
		WithDetails(map[string]any{"flow_id": flowID})
}

func NodeNotFound(flowID, nodeID string) *FlowError {
	return NewErrorf(ErrCodeNodeNotFound, "node %q not found in flow %q", nodeID, flowID).
		WithDetails(map[string]any{"flow_id": flowID, "node_id": nodeID})
}

func SessionNotFound(ref string) *FlowError {
	return NewError(ErrCodeSessionNotFound, "session not found").
		WithDetails(map[string]any{"session": ref})
}

func SessionInactive(sessionID string, status SessionStatus) *FlowError {
	return NewErrorf(ErrCodeSessionInactive, "session is %s", status).
		WithDetails(map[string]any{"session_id": sessionID, "status": string(status)})
}

func SessionConcurrency(sessionID string, expected, actual int64) *FlowError {
	return NewErrorf(ErrCodeSessionConcurrency,
		"session %s was modified concurrently: expected revision %d, found %d", sessionID, expected, actual).
		WithDetails(map[string]any{
			"session_id":        sessionID,
			"expected_revision": expected,
			"actual_revision":   actual,
		})
}

func NodeProcessing(nodeID string, nodeType NodeType, format string, args ...any) *FlowError {
	return NewErrorf(ErrCodeNodeProcessing, format, args...).WithNode(nodeID, nodeType)
}

func WebhookFailed(nodeID, url string, cause error) *FlowError {
	e := NewErrorf(ErrCodeWebhook, "webhook call to %s failed", url).
		WithNode(nodeID, NodeTypeWebhook).
		WithDetails(map[string]any{"url": url})
	if cause != nil {
		e.Message += ": " + cause.Error()
		e.Cause = cause
	}
	return e
}

func ConditionEvaluation(nodeID, expression string, cause error) *FlowError {
	e := NewErrorf(ErrCodeConditionEvaluation, "condition %q could not be evaluated", expression).
		WithNode(nodeID, NodeTypeCondition).
		WithDetails(map[string]any{"expression": expression})
	if cause != nil {
		e.Message += ": " + cause.Error()
		e.Cause = cause
	}
	return e
}

func StateValidation(field string, value any, reason string) *FlowError {
	return NewErrorf(ErrCodeStateValidation, "invalid value for %s: %s", field, reason).
		WithDetails(map[string]any{"field": field, "value": value})
}

// --- Predicates ---

// HasCode reports whether err is a FlowError with the given code.
func HasCode(err error, code string) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Code == code
}

// IsNodeProcessing reports whether err belongs to the node-processing family.
func IsNodeProcessing(err error) bool {
	var fe *FlowError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Code {
	case ErrCodeNodeProcessing, ErrCodeWebhook, ErrCodeConditionEvaluation:
		return true
	}
	return false
}

// IsConcurrencyConflict reports whether err is a revision conflict.
func IsConcurrencyConflict(err error) bool {
	return HasCode(err, ErrCodeSessionConcurrency)
}

// IsNotFound reports whether err is any of the not-found codes.
func IsNotFound(err error) bool {
	var fe *FlowError
	if !errors.As(err, &fe) {
		return false
	}
	switch fe.Code {
	case ErrCodeNotFound, ErrCodeFlowNotFound, ErrCodeNodeNotFound, ErrCodeSessionNotFound:
		return true
	}
	return false
}

// IsRetryable reports whether err carries a retryable FlowError.
func IsRetryable(err error) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.IsRetryable()
}
