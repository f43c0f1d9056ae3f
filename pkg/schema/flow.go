package schema

import (
	"encoding/json"
	"strconv"
	"time"
)

// NodeType is the closed set of node kinds a flow may contain.
type NodeType string

const (
	NodeTypeStart     NodeType = "START"
	NodeTypeMessage   NodeType = "MESSAGE"
	NodeTypeQuestion  NodeType = "QUESTION"
	NodeTypeCondition NodeType = "CONDITION"
	NodeTypeAction    NodeType = "ACTION"
	NodeTypeWebhook   NodeType = "WEBHOOK"
	NodeTypeScript    NodeType = "SCRIPT"
	NodeTypeComposite NodeType = "COMPOSITE"
)

// AllNodeTypes returns every supported node kind in declaration order.
func AllNodeTypes() []NodeType {
	return []NodeType{
		NodeTypeStart, NodeTypeMessage, NodeTypeQuestion, NodeTypeCondition,
		NodeTypeAction, NodeTypeWebhook, NodeTypeScript, NodeTypeComposite,
	}
}

// Valid reports whether t is a member of the closed node kind set.
func (t NodeType) Valid() bool {
	for _, k := range AllNodeTypes() {
		if k == t {
			return true
		}
	}
	return false
}

// ExecutionContext indicates where a node must run.
type ExecutionContext string

const (
	ExecutionFrontend ExecutionContext = "FRONTEND"
	ExecutionBackend  ExecutionContext = "BACKEND"
	ExecutionMixed    ExecutionContext = "MIXED"
)

// ConnectionType tags an edge. Besides the named tags, any non-negative
// decimal string is a numeric branch selector.
type ConnectionType string

const (
	ConnectionDefault ConnectionType = "DEFAULT"
	ConnectionOption0 ConnectionType = "OPTION_0"
	ConnectionOption1 ConnectionType = "OPTION_1"
	ConnectionSuccess ConnectionType = "SUCCESS"
	ConnectionFailure ConnectionType = "FAILURE"
)

// NumericConnection returns the numeric branch selector for n.
func NumericConnection(n int) ConnectionType {
	return ConnectionType(strconv.Itoa(n))
}

// Valid reports whether c is a named tag or a numeric selector.
func (c ConnectionType) Valid() bool {
	switch c {
	case ConnectionDefault, ConnectionOption0, ConnectionOption1, ConnectionSuccess, ConnectionFailure:
		return true
	}
	_, ok := c.Selector()
	return ok
}

// Selector returns the numeric branch index when c is a numeric selector.
func (c ConnectionType) Selector() (int, bool) {
	if c == "" {
		return 0, false
	}
	n, err := strconv.Atoi(string(c))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// FlowDefinition is a versioned conversation graph. Published definitions are immutable.
type FlowDefinition struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Version         string          `json:"version"`
	EntryNodeID     string          `json:"entry_node_id,omitempty"`
	FlowData        json.RawMessage `json:"flow_data,omitempty"`
	IsPublished     bool            `json:"is_published"`
	IsActive        bool            `json:"is_active"`
	TraceEnabled    bool            `json:"trace_enabled"`
	TraceSampleRate int             `json:"trace_sample_rate"`
	TraceLevel      TraceLevel      `json:"trace_level"`
	RetentionDays   int             `json:"retention_days"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	PublishedAt     *time.Time      `json:"published_at,omitempty"`

	Nodes       []FlowNode       `json:"nodes,omitempty"`
	Connections []FlowConnection `json:"connections,omitempty"`
}

// FlowNode is a typed unit of conversation logic.
type FlowNode struct {
	FlowID           string           `json:"flow_id,omitempty"`
	NodeID           string           `json:"node_id"`
	NodeType         NodeType         `json:"node_type"`
	Template         string           `json:"template,omitempty"`
	Content          map[string]any   `json:"content,omitempty"`
	Position         map[string]any   `json:"position,omitempty"`
	ExecutionContext ExecutionContext `json:"execution_context,omitempty"`
}

// FlowConnection is a directed, typed edge between two nodes of one flow.
type FlowConnection struct {
	FlowID         string         `json:"flow_id,omitempty"`
	SourceNodeID   string         `json:"source_node_id"`
	TargetNodeID   string         `json:"target_node_id"`
	ConnectionType ConnectionType `json:"connection_type"`
	Conditions     map[string]any `json:"conditions,omitempty"`
}

// Flow definition defaults.
const (
	DefaultTraceSampleRate = 100
	DefaultRetentionDays   = 30
)

// ApplyDefaults fills unset tracing and retention settings.
func (f *FlowDefinition) ApplyDefaults() {
	if f.TraceLevel == "" {
		f.TraceLevel = TraceLevelStandard
	}
	if f.RetentionDays <= 0 {
		f.RetentionDays = DefaultRetentionDays
	}
	if f.TraceSampleRate < 0 {
		f.TraceSampleRate = 0
	}
	if f.TraceSampleRate > 100 {
		f.TraceSampleRate = 100
	}
	for i := range f.Nodes {
		if f.Nodes[i].ExecutionContext == "" {
			f.Nodes[i].ExecutionContext = ExecutionBackend
		}
	}
	for i := range f.Connections {
		if f.Connections[i].ConnectionType == "" {
			f.Connections[i].ConnectionType = ConnectionDefault
		}
	}
}
