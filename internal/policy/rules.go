package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// CompiledRule is a SignalRule with its expression compiled. The expression
// evaluates against an env of {"stats": ..., "config": ...} and must yield
// a bool.
type CompiledRule struct {
	ID      string
	Name    string
	Program *vm.Program
}

// CompileRules compiles the policy's custom signal rules. Compilation
// happens once at run start so a bad expression fails fast, not mid-run.
func (p Policy) CompileRules() ([]CompiledRule, error) {
	if len(p.Rules) == 0 {
		return nil, nil
	}
	compiled := make([]CompiledRule, 0, len(p.Rules))
	for _, r := range p.Rules {
		if r.When == "" {
			return nil, fmt.Errorf("rule %s: empty when expression", r.ID)
		}
		prog, err := expr.Compile(r.When, expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("rule %s: compile %q: %w", r.ID, r.When, err)
		}
		compiled = append(compiled, CompiledRule{ID: r.ID, Name: r.Name, Program: prog})
	}
	return compiled, nil
}

// Eval runs the compiled expression against the given env.
func (r CompiledRule) Eval(env map[string]any) (bool, error) {
	out, err := expr.Run(r.Program, env)
	if err != nil {
		return false, fmt.Errorf("rule %s: eval: %w", r.ID, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("rule %s: expression yielded %T, want bool", r.ID, out)
	}
	return b, nil
}
