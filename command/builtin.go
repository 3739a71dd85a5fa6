package command

import (
	"context"
)

// Built-in command names.
const (
	Reanalyze        = "python.reanalyze"
	ShowSettings     = "python.showSettings"
	ClearDiagnostics = "python.clearDiagnostics"
)

// Builtins returns the commands every session registers.
func Builtins() []Command {
	return []Command{
		{
			Name: Reanalyze,
			Handler: func(ctx context.Context, env Env, _ []any) (any, error) {
				return nil, env.Engine.Reanalyze(ctx)
			},
		},
		{
			Name: ShowSettings,
			Handler: func(_ context.Context, env Env, _ []any) (any, error) {
				return env.Settings.Current(), nil
			},
		},
		{
			Name: ClearDiagnostics,
			When: "Linting.Enabled",
			Handler: func(ctx context.Context, env Env, _ []any) (any, error) {
				return nil, env.Engine.ClearDiagnostics(ctx)
			},
		},
	}
}
