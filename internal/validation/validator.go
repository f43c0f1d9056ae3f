package validation

import "github.com/rendis/chatflow/pkg/schema"

// Validator checks flow definitions before they are published and user
// answers before they are written to session state.
// Uses JSON Schema Draft 2020-12 for node content and answers.
type Validator interface {
	ValidateFlow(def *schema.FlowDefinition) *schema.ValidationResult
	ValidateAnswer(field string, answer any, answerSchema map[string]any) error
}

// ExpressionCompiler compiles CONDITION predicates so syntax errors surface at
// publish time. Satisfied by expressions.CELEngine.
type ExpressionCompiler interface {
	Compile(expression string) error
}
