// Package flowgraph holds the immutable, versioned view of a published flow
// used by the engine at runtime.
package flowgraph

import (
	"github.com/rendis/chatflow/internal/validation"
	"github.com/rendis/chatflow/pkg/schema"
)

// Edge is an outgoing connection of a node.
type Edge struct {
	ConnectionType schema.ConnectionType
	TargetNodeID   string
}

// Graph is an immutable flow definition indexed for traversal.
// Safe for concurrent reads.
type Graph struct {
	def   *schema.FlowDefinition
	entry string
	nodes map[string]*schema.FlowNode
	edges map[string][]Edge
}

// New indexes def. The definition must not be mutated afterwards.
func New(def *schema.FlowDefinition) *Graph {
	g := &Graph{
		def:   def,
		entry: validation.EntryNode(def),
		nodes: make(map[string]*schema.FlowNode, len(def.Nodes)),
		edges: make(map[string][]Edge, len(def.Nodes)),
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if _, dup := g.nodes[n.NodeID]; !dup {
			g.nodes[n.NodeID] = n
		}
	}
	for _, c := range def.Connections {
		ct := c.ConnectionType
		if ct == "" {
			ct = schema.ConnectionDefault
		}
		g.edges[c.SourceNodeID] = append(g.edges[c.SourceNodeID], Edge{ConnectionType: ct, TargetNodeID: c.TargetNodeID})
	}
	return g
}

func (g *Graph) Definition() *schema.FlowDefinition { return g.def }
func (g *Graph) FlowID() string                     { return g.def.ID }
func (g *Graph) Version() string                    { return g.def.Version }

// EntryNodeID returns the node new sessions start at, or "" if undetermined.
func (g *Graph) EntryNodeID() string { return g.entry }

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*schema.FlowNode, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, schema.NodeNotFound(g.def.ID, id)
	}
	return n, nil
}

// Outgoing returns the target of nodeID's edge of type ct. A non-DEFAULT
// type without an exact edge falls back to the DEFAULT edge. ok is false
// when no edge applies, which is a terminal transition.
func (g *Graph) Outgoing(nodeID string, ct schema.ConnectionType) (string, bool, error) {
	if _, ok := g.nodes[nodeID]; !ok {
		return "", false, schema.NodeNotFound(g.def.ID, nodeID)
	}
	if ct == "" {
		ct = schema.ConnectionDefault
	}
	if target, ok := g.exact(nodeID, ct); ok {
		return target, true, nil
	}
	if ct != schema.ConnectionDefault {
		if target, ok := g.exact(nodeID, schema.ConnectionDefault); ok {
			return target, true, nil
		}
	}
	return "", false, nil
}

// HasEdge reports whether nodeID has an edge of exactly type ct.
func (g *Graph) HasEdge(nodeID string, ct schema.ConnectionType) bool {
	_, ok := g.exact(nodeID, ct)
	return ok
}

// Edges returns nodeID's outgoing edges in declaration order.
func (g *Graph) Edges(nodeID string) []Edge {
	out := make([]Edge, len(g.edges[nodeID]))
	copy(out, g.edges[nodeID])
	return out
}

func (g *Graph) exact(nodeID string, ct schema.ConnectionType) (string, bool) {
	for _, e := range g.edges[nodeID] {
		if e.ConnectionType == ct {
			return e.TargetNodeID, true
		}
	}
	return "", false
}

// Validate checks the graph structure and node contents.
func (g *Graph) Validate(v validation.Validator) *schema.ValidationResult {
	return v.ValidateFlow(g.def)
}
