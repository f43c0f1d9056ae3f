// Package diagram renders flow definitions, optionally overlaid with a
// session's trace, as Mermaid flowcharts.
package diagram

// NodeKind classifies a diagram node by its flow node type.
type NodeKind string

const (
	NodeKindStart     NodeKind = "start"
	NodeKindMessage   NodeKind = "message"
	NodeKindQuestion  NodeKind = "question"
	NodeKindCondition NodeKind = "condition"
	NodeKindAction    NodeKind = "action"
	NodeKindWebhook   NodeKind = "webhook"
	NodeKindScript    NodeKind = "script"
	NodeKindComposite NodeKind = "composite"
)

// Overlay statuses.
const (
	StatusVisited = "visited"
	StatusFailed  = "failed"
	StatusCurrent = "current"
)

// DiagramModel is the intermediate representation used by the renderer.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string // node ids by BFS depth from the entry node
}

// Node is one flow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries what a session's trace says about a node.
type StatusOverlay struct {
	Status     string
	Visits     int
	DurationMs int64
	Error      string
}

// Edge is one connection between two nodes.
type Edge struct {
	From      string
	To        string
	Label     string
	Traversed bool
}
