package expressions

import "context"

// Engine evaluates expressions against session state.
// Three implementations: CEL (conditions), Expr (scripts, calculations), GoJQ (mappings).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
