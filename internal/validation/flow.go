package validation

import "github.com/rendis/chatflow/pkg/schema"

// FlowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (per node kind content schema)
// 2. Semantic (node ids, edge refs, edge types, predicates)
// 3. Graph (reachability, completion)
type FlowValidator struct {
	jsonSchema *JSONSchemaValidator
	exprs      ExpressionCompiler
}

var _ Validator = (*FlowValidator)(nil)

// NewFlowValidator creates a FlowValidator.
// exprs may be nil to skip predicate compilation.
func NewFlowValidator(exprs ExpressionCompiler) (*FlowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{
		jsonSchema: jsv,
		exprs:      exprs,
	}, nil
}

// ValidateFlow runs the full pipeline and returns an aggregated result.
// Semantic errors skip the graph stage since edges may be dangling.
func (fv *FlowValidator) ValidateFlow(def *schema.FlowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "flow definition is nil")
		return r
	}

	result := validateStructural(fv.jsonSchema, def)
	result.Merge(validateSemantic(def, fv.exprs))

	if result.Valid() {
		result.Merge(validateGraph(def))
	}
	return result
}

// ValidateAnswer delegates to the underlying JSONSchemaValidator.
func (fv *FlowValidator) ValidateAnswer(field string, answer any, answerSchema map[string]any) error {
	return fv.jsonSchema.ValidateAnswer(field, answer, answerSchema)
}

// validateStructural checks each node's content, converting schema
// violations into ValidationResult issues at the node path.
func validateStructural(v *JSONSchemaValidator, def *schema.FlowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	for i := range def.Nodes {
		n := &def.Nodes[i]
		if !n.NodeType.Valid() {
			continue // reported by the semantic stage
		}
		err := v.ValidateNodeContent(n)
		if err == nil {
			continue
		}
		path := schema.NodePath(n.NodeID) + ".content"

		fe, ok := err.(*schema.FlowError)
		if !ok {
			result.AddError(path, schema.ErrCodeValidation, err.Error())
			continue
		}
		if violations, ok := fe.Details["violations"].([]string); ok {
			for _, msg := range violations {
				result.AddError(path, schema.ErrCodeValidation, msg)
			}
			continue
		}
		result.AddError(path, schema.ErrCodeValidation, fe.Message)
	}
	return result
}
