package diagram

import (
	"fmt"

	"github.com/rendis/chatflow/pkg/schema"
)

// Overlay is the runtime data drawn over a flow. Both fields are optional.
type Overlay struct {
	Steps         []schema.ExecutionStep
	CurrentNodeID string
}

// Build constructs a DiagramModel from a flow definition. Nodes are ordered
// breadth-first from the entry node; nodes the entry cannot reach follow in
// definition order.
func Build(def *schema.FlowDefinition, overlay Overlay) (*DiagramModel, error) {
	if def == nil || len(def.Nodes) == 0 {
		return nil, fmt.Errorf("diagram: flow has no nodes")
	}

	byID := make(map[string]*schema.FlowNode, len(def.Nodes))
	for i := range def.Nodes {
		byID[def.Nodes[i].NodeID] = &def.Nodes[i]
	}
	entry := entryNode(def)
	if _, ok := byID[entry]; !ok {
		return nil, fmt.Errorf("diagram: entry node %q not found", entry)
	}

	out := make(map[string][]schema.FlowConnection)
	for _, c := range def.Connections {
		out[c.SourceNodeID] = append(out[c.SourceNodeID], c)
	}

	levels, order := bfs(entry, out, byID)
	for _, n := range def.Nodes {
		if !contains(order, n.NodeID) {
			order = append(order, n.NodeID)
		}
	}

	nodeIndex := make(map[string]*Node, len(order))
	nodes := make([]*Node, 0, len(order))
	for _, id := range order {
		n := &Node{ID: id, Label: nodeLabel(byID[id]), Kind: nodeTypeToKind(byID[id].NodeType)}
		nodes = append(nodes, n)
		nodeIndex[id] = n
	}

	traversed := overlayStatus(nodeIndex, overlay)

	edges := make([]Edge, 0, len(def.Connections))
	for _, c := range def.Connections {
		e := Edge{From: c.SourceNodeID, To: c.TargetNodeID, Traversed: traversed[edgeKey(c.SourceNodeID, c.TargetNodeID)]}
		if c.ConnectionType != schema.ConnectionDefault && c.ConnectionType != "" {
			e.Label = string(c.ConnectionType)
		}
		edges = append(edges, e)
	}

	return &DiagramModel{
		Title:  titleFromDef(def),
		Nodes:  nodes,
		Edges:  edges,
		Levels: levels,
	}, nil
}

func entryNode(def *schema.FlowDefinition) string {
	if def.EntryNodeID != "" {
		return def.EntryNodeID
	}
	for _, n := range def.Nodes {
		if n.NodeType == schema.NodeTypeStart {
			return n.NodeID
		}
	}
	return def.Nodes[0].NodeID
}

// bfs walks the graph from entry and returns the levels and the visit order.
func bfs(entry string, out map[string][]schema.FlowConnection, byID map[string]*schema.FlowNode) ([][]string, []string) {
	seen := map[string]bool{entry: true}
	var levels [][]string
	var order []string
	frontier := []string{entry}
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		order = append(order, frontier...)
		var next []string
		for _, id := range frontier {
			for _, c := range out[id] {
				if seen[c.TargetNodeID] || byID[c.TargetNodeID] == nil {
					continue
				}
				seen[c.TargetNodeID] = true
				next = append(next, c.TargetNodeID)
			}
		}
		frontier = next
	}
	return levels, order
}

// overlayStatus applies trace steps to nodes and returns the traversed edges.
func overlayStatus(nodes map[string]*Node, overlay Overlay) map[string]bool {
	traversed := make(map[string]bool)
	for _, st := range overlay.Steps {
		n, ok := nodes[st.NodeID]
		if !ok {
			continue
		}
		if n.Status == nil {
			n.Status = &StatusOverlay{}
		}
		n.Status.Visits++
		n.Status.DurationMs += st.DurationMS
		if st.ErrorMessage != "" {
			n.Status.Status = StatusFailed
			n.Status.Error = st.ErrorMessage
		} else {
			n.Status.Status = StatusVisited
			n.Status.Error = ""
		}
		if st.NextNodeID != "" {
			traversed[edgeKey(st.NodeID, st.NextNodeID)] = true
		}
	}
	if n, ok := nodes[overlay.CurrentNodeID]; ok {
		if n.Status == nil {
			n.Status = &StatusOverlay{}
		}
		n.Status.Status = StatusCurrent
	}
	return traversed
}

func nodeTypeToKind(t schema.NodeType) NodeKind {
	switch t {
	case schema.NodeTypeStart:
		return NodeKindStart
	case schema.NodeTypeMessage:
		return NodeKindMessage
	case schema.NodeTypeQuestion:
		return NodeKindQuestion
	case schema.NodeTypeCondition:
		return NodeKindCondition
	case schema.NodeTypeWebhook:
		return NodeKindWebhook
	case schema.NodeTypeScript:
		return NodeKindScript
	case schema.NodeTypeComposite:
		return NodeKindComposite
	default:
		return NodeKindAction
	}
}

// nodeLabel shows the node id with the gist of its content.
func nodeLabel(n *schema.FlowNode) string {
	for _, key := range []string{"question", "text", "url", "composite_flow_id", "operation"} {
		if v, ok := n.Content[key].(string); ok && v != "" {
			return fmt.Sprintf("%s: %s", n.NodeID, truncate(v, 40))
		}
	}
	return n.NodeID
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

func titleFromDef(def *schema.FlowDefinition) string {
	if def.Name != "" {
		return fmt.Sprintf("%s (%s v%s)", def.Name, def.ID, def.Version)
	}
	return def.ID
}

func edgeKey(from, to string) string { return from + "\x00" + to }

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
