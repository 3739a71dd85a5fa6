package command

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rlch/pyls/settings"
)

// guard is a compiled When expression evaluated against the settings snapshot.
type guard struct {
	source  string
	program *vm.Program
}

// compileGuard compiles a boolean expression over settings.Settings.
// An empty expression yields a nil guard, which always passes.
func compileGuard(source string) (*guard, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil //nolint:nilnil // no guard
	}

	program, err := expr.Compile(source, expr.Env(settings.Settings{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile guard %q: %w", source, err)
	}

	return &guard{source: source, program: program}, nil
}

// allows reports whether the guard passes for s.
func (g *guard) allows(s settings.Settings) (bool, error) {
	if g == nil {
		return true, nil
	}

	output, err := expr.Run(g.program, s)
	if err != nil {
		return false, fmt.Errorf("evaluate guard %q: %w", g.source, err)
	}

	passed, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrGuardNotBool, g.source, output)
	}

	return passed, nil
}
