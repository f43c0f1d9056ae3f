package validation

import (
	"fmt"

	"github.com/rendis/chatflow/pkg/schema"
)

// validateSemantic performs semantic analysis on the flow graph.
// Checks: node ids unique, node types known, entry node present, connection
// endpoints exist, connection types valid, no two edges share a (source, type)
// pair, composite nodes do not call their own flow, CONDITION predicates compile.
func validateSemantic(def *schema.FlowDefinition, exprs ExpressionCompiler) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodes := make(map[string]*schema.FlowNode, len(def.Nodes))
	for i := range def.Nodes {
		n := &def.Nodes[i]
		path := schema.NodePath(n.NodeID)
		if n.NodeID == "" {
			result.AddError(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation, "node_id is required")
			continue
		}
		if _, dup := nodes[n.NodeID]; dup {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate node id %q", n.NodeID))
			continue
		}
		nodes[n.NodeID] = n

		if !n.NodeType.Valid() {
			result.AddError(path+".node_type", schema.ErrCodeValidation,
				fmt.Sprintf("unknown node type %q", n.NodeType))
		}
	}

	if len(def.Nodes) == 0 {
		result.AddError("nodes", schema.ErrCodeValidation, "flow has no nodes")
	}

	switch {
	case def.EntryNodeID != "":
		if _, ok := nodes[def.EntryNodeID]; !ok {
			result.AddError("entry_node_id", schema.ErrCodeNodeNotFound,
				fmt.Sprintf("entry node %q does not exist", def.EntryNodeID))
		}
	case countType(def.Nodes, schema.NodeTypeStart) == 0:
		result.AddError("entry_node_id", schema.ErrCodeValidation,
			"flow has no entry node and no START node")
	case countType(def.Nodes, schema.NodeTypeStart) > 1:
		result.AddError("entry_node_id", schema.ErrCodeValidation,
			"flow has several START nodes; entry_node_id must pick one")
	}

	type edgeKey struct {
		source string
		ctype  schema.ConnectionType
	}
	seen := make(map[edgeKey]string, len(def.Connections))

	for _, c := range def.Connections {
		path := schema.ConnectionPath(c)
		if _, ok := nodes[c.SourceNodeID]; !ok {
			result.AddError(path+".source_node_id", schema.ErrCodeNodeNotFound,
				fmt.Sprintf("references non-existent node %q", c.SourceNodeID))
		}
		if _, ok := nodes[c.TargetNodeID]; !ok {
			result.AddError(path+".target_node_id", schema.ErrCodeNodeNotFound,
				fmt.Sprintf("references non-existent node %q", c.TargetNodeID))
		}

		ctype := c.ConnectionType
		if ctype == "" {
			ctype = schema.ConnectionDefault
		}
		if !ctype.Valid() {
			result.AddError(path+".connection_type", schema.ErrCodeValidation,
				fmt.Sprintf("invalid connection type %q", c.ConnectionType))
			continue
		}

		key := edgeKey{source: c.SourceNodeID, ctype: ctype}
		if prev, dup := seen[key]; dup && prev != c.TargetNodeID {
			result.AddError(path, schema.ErrCodeValidation,
				fmt.Sprintf("node %q has two %s connections (%q and %q)", c.SourceNodeID, ctype, prev, c.TargetNodeID))
			continue
		}
		seen[key] = c.TargetNodeID
	}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		switch n.NodeType {
		case schema.NodeTypeComposite:
			if id, _ := n.Content["composite_flow_id"].(string); id != "" && id == def.ID {
				result.AddError(schema.NodePath(n.NodeID)+".content.composite_flow_id", schema.ErrCodeValidation,
					"composite node calls its own flow")
			}
		case schema.NodeTypeCondition:
			validateConditionPredicates(n, exprs, result)
		}
	}

	return result
}

// validateConditionPredicates compiles string predicates of a CONDITION node.
// JSON-logic predicates are checked at evaluation time.
func validateConditionPredicates(n *schema.FlowNode, exprs ExpressionCompiler, result *schema.ValidationResult) {
	if exprs == nil {
		return
	}
	conds, _ := n.Content["conditions"].([]any)
	for i, raw := range conds {
		c, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		expr, ok := c["if"].(string)
		if !ok || expr == "" {
			continue
		}
		if err := exprs.Compile(expr); err != nil {
			result.AddError(fmt.Sprintf("%s.content.conditions[%d].if", schema.NodePath(n.NodeID), i),
				schema.ErrCodeConditionEvaluation, err.Error())
		}
	}
}

func countType(nodes []schema.FlowNode, t schema.NodeType) int {
	n := 0
	for i := range nodes {
		if nodes[i].NodeType == t {
			n++
		}
	}
	return n
}
