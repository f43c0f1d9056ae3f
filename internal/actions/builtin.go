package actions

import "github.com/rendis/chatflow/internal/expressions"

// RegisterBuiltins registers the ACTION node operations in reg.
func RegisterBuiltins(reg *Registry, engine *expressions.ExprEngine, caller *HTTPCaller) error {
	all := StateActions(engine)
	all = append(all, NewAPICallAction(caller))

	for _, a := range all {
		if err := reg.Register(a); err != nil {
			return err
		}
	}
	return reg.Alias("clear_variable", "delete_variable")
}
