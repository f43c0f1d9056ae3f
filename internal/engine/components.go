package engine

import (
	"fmt"
	"log/slog"

	"github.com/rendis/chatflow/internal/actions"
	"github.com/rendis/chatflow/internal/conditions"
	"github.com/rendis/chatflow/internal/expressions"
	"github.com/rendis/chatflow/internal/masking"
	"github.com/rendis/chatflow/internal/secrets"
	"github.com/rendis/chatflow/internal/validation"
)

// ComponentOptions configure NewComponents. Every field is optional.
type ComponentOptions struct {
	// Vault resolves {{secret:KEY}} placeholders.
	Vault secrets.Vault
	// Breaker guards outbound webhook calls per endpoint.
	Breaker actions.Breaker
	Masker  *masking.Masker
	Logger  *slog.Logger
}

// Components are the default executor and the collaborators shared with
// other bindings.
type Components struct {
	Executor  *Executor
	Validator *validation.FlowValidator
	HTTP      *actions.HTTPCaller
}

// NewComponents wires the built-in handlers with the CEL, expr and jq
// engines and the builtin action set.
func NewComponents(resolver GraphResolver, opts ComponentOptions) (*Components, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create cel engine: %w", err)
	}
	validator, err := validation.NewFlowValidator(cel)
	if err != nil {
		return nil, fmt.Errorf("create flow validator: %w", err)
	}

	exprEngine := expressions.NewExprEngine()
	caller := actions.NewHTTPCaller(actions.HTTPConfig{Breaker: opts.Breaker})
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, exprEngine, caller); err != nil {
		return nil, fmt.Errorf("register builtin actions: %w", err)
	}
	interp := expressions.NewInterpolator(opts.Vault, opts.Logger)

	exec, err := NewExecutor(ExecutorDeps{
		Resolver:   resolver,
		Conditions: conditions.NewEvaluator(cel),
		Validator:  validator,
		Actions:    actions.NewRunner(reg, interp, opts.Logger),
		HTTP:       caller,
		Scripts:    exprEngine,
		JQ:         expressions.NewGoJQEngine(),
		Interp:     interp,
		Masker:     opts.Masker,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Components{Executor: exec, Validator: validator, HTTP: caller}, nil
}
