package validation

import (
	"fmt"
	"sort"

	"github.com/rendis/chatflow/pkg/schema"
)

// validateGraph checks reachability from the entry node. Conversation graphs
// may loop back (retry questions, menus), so cycles are allowed.
// Unreachable nodes and flows without any terminal node produce warnings.
func validateGraph(def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	entry := EntryNode(def)
	if entry == "" {
		return result
	}

	adj := make(map[string][]string, len(def.Nodes))
	for _, c := range def.Connections {
		adj[c.SourceNodeID] = append(adj[c.SourceNodeID], c.TargetNodeID)
	}

	// BFS from the entry node.
	visited := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range adj[id] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	var unreachable []string
	for _, n := range def.Nodes {
		if !visited[n.NodeID] {
			unreachable = append(unreachable, n.NodeID)
		}
	}
	sort.Strings(unreachable)
	for _, id := range unreachable {
		result.AddWarning(schema.NodePath(id), schema.ErrCodeValidation,
			fmt.Sprintf("node %q is not reachable from entry node %q", id, entry))
	}

	terminal := false
	for _, n := range def.Nodes {
		if visited[n.NodeID] && len(adj[n.NodeID]) == 0 {
			terminal = true
			break
		}
	}
	if !terminal {
		result.AddWarning("connections", schema.ErrCodeValidation,
			"no reachable node without outgoing connections; the flow can never complete")
	}

	return result
}

// EntryNode returns the node a session starts at: the declared entry node, or
// the single START node when none is declared.
func EntryNode(def *schema.FlowDefinition) string {
	if def.EntryNodeID != "" {
		return def.EntryNodeID
	}
	found := ""
	for _, n := range def.Nodes {
		if n.NodeType == schema.NodeTypeStart {
			if found != "" {
				return ""
			}
			found = n.NodeID
		}
	}
	return found
}
