package schema

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "ACTIVE"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusAbandoned SessionStatus = "ABANDONED"
)

// TraceLevel controls how much of each step an execution trace keeps.
type TraceLevel string

const (
	TraceLevelMinimal  TraceLevel = "minimal"
	TraceLevelStandard TraceLevel = "standard"
	TraceLevelVerbose  TraceLevel = "verbose"
)

// InteractionType classifies a conversation history entry.
type InteractionType string

const (
	InteractionMessage InteractionType = "MESSAGE"
	InteractionInput   InteractionType = "INPUT"
	InteractionAction  InteractionType = "ACTION"
)

// Variable scopes of session state.
const (
	ScopeUser    = "user"
	ScopeContext = "context"
	ScopeTemp    = "temp"
	ScopeInput   = "input"
	ScopeOutput  = "output"
	ScopeLocal   = "local"
)

// StateScopes lists the variable scopes every session state carries.
func StateScopes() []string {
	return []string{ScopeUser, ScopeContext, ScopeTemp, ScopeInput, ScopeOutput, ScopeLocal}
}

// FlowFrame is one composite sub-flow call-stack entry.
type FlowFrame struct {
	ParentFlowID      string            `json:"parent_flow_id"`
	ParentFlowVersion string            `json:"parent_flow_version"`
	CompositeNodeID   string            `json:"composite_node_id"`
	ReturnNodeID      string            `json:"return_node_id,omitempty"`
	SavedInput        map[string]any    `json:"saved_input,omitempty"`
	SavedOutput       map[string]any    `json:"saved_output,omitempty"`
	Outputs           map[string]string `json:"outputs,omitempty"`
}

// Session is the durable, revisioned state of one conversation.
type Session struct {
	ID                 string         `json:"id"`
	Token              string         `json:"session_token"`
	UserID             string         `json:"user_id,omitempty"`
	FlowID             string         `json:"flow_id"`
	FlowVersion        string         `json:"flow_version"`
	CurrentFlowID      string         `json:"current_flow_id"`
	CurrentFlowVersion string         `json:"current_flow_version"`
	CurrentNodeID      string         `json:"current_node_id,omitempty"`
	FlowStack          []FlowFrame    `json:"flow_stack,omitempty"`
	State              map[string]any `json:"state"`
	Status             SessionStatus  `json:"status"`
	Revision           int64          `json:"revision"`
	StateHash          string         `json:"state_hash"`
	TraceEnabled       bool           `json:"trace_enabled"`
	TraceLevel         TraceLevel     `json:"trace_level"`
	StartedAt          time.Time      `json:"started_at"`
	LastActivityAt     time.Time      `json:"last_activity_at"`
	EndedAt            *time.Time     `json:"ended_at,omitempty"`
}

// HistoryEntry is one append-only conversation history record.
type HistoryEntry struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	NodeID          string          `json:"node_id"`
	InteractionType InteractionType `json:"interaction_type"`
	Content         json.RawMessage `json:"content"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ExecutionStep is one append-only trace record of a node execution.
type ExecutionStep struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"session_id"`
	FlowID           string          `json:"flow_id"`
	NodeID           string          `json:"node_id"`
	NodeType         NodeType        `json:"node_type"`
	StepNumber       int64           `json:"step_number"`
	StateBefore      json.RawMessage `json:"state_before,omitempty"`
	StateAfter       json.RawMessage `json:"state_after,omitempty"`
	ExecutionDetails json.RawMessage `json:"execution_details,omitempty"`
	ConnectionType   ConnectionType  `json:"connection_type,omitempty"`
	NextNodeID       string          `json:"next_node_id,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	DurationMS       int64           `json:"duration_ms"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	ErrorDetails     json.RawMessage `json:"error_details,omitempty"`
}

// TraceAccess is an audit record of a trace read.
type TraceAccess struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"session_id"`
	AccessedBy   string          `json:"accessed_by"`
	AccessType   string          `json:"access_type"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	DataAccessed json.RawMessage `json:"data_accessed,omitempty"`
	AccessedAt   time.Time       `json:"accessed_at"`
}

// IdempotencyStatus is the lifecycle state of an idempotency record.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyRecord guards one (session, node, revision) step execution.
type IdempotencyRecord struct {
	Key             string            `json:"idempotency_key"`
	SessionID       string            `json:"session_id"`
	NodeID          string            `json:"node_id"`
	SessionRevision int64             `json:"session_revision"`
	Status          IdempotencyStatus `json:"status"`
	InputHash       string            `json:"input_hash,omitempty"`
	ResultData      json.RawMessage   `json:"result_data,omitempty"`
	ErrorMessage    string            `json:"error_message,omitempty"`
	Attempts        int               `json:"attempts"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	ExpiresAt       time.Time         `json:"expires_at"`
}
