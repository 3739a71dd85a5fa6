// Package command implements workspace/executeCommand.
package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"

	"go.uber.org/zap"

	"github.com/rlch/pyls/engine"
	"github.com/rlch/pyls/metrics"
	"github.com/rlch/pyls/settings"
)

var (
	// ErrDuplicateCommand is returned when two commands share a name.
	ErrDuplicateCommand = errors.New("command: duplicate command")
	// ErrEmptyName is returned for a command without a name.
	ErrEmptyName = errors.New("command: empty command name")
	// ErrGuardNotBool is returned when a guard does not produce a boolean.
	ErrGuardNotBool = errors.New("command: guard did not return a boolean")
)

// Env is what a command handler may use.
type Env struct {
	Engine   engine.Engine
	Settings *settings.Manager
	Logger   *zap.Logger
}

// Handler runs a command. The result is returned to the client as-is.
type Handler func(ctx context.Context, env Env, args []any) (any, error)

// Command is a named handler with an optional When guard, an expression over the
// settings snapshot such as "Linting.Enabled".
type Command struct {
	Name    string
	When    string
	Handler Handler
}

type entry struct {
	cmd   Command
	guard *guard
}

// Controller holds an immutable command registry.
type Controller struct {
	env     Env
	logger  *zap.Logger
	metrics *metrics.Metrics

	commands map[string]entry
	names    []string
}

// NewController registers commands. The registry cannot change afterwards.
func NewController(env Env, m *metrics.Metrics, commands ...Command) (*Controller, error) {
	c := &Controller{
		env:      env,
		logger:   env.Logger.Named("command"),
		metrics:  m,
		commands: make(map[string]entry, len(commands)),
	}

	for _, cmd := range commands {
		if cmd.Name == "" {
			return nil, ErrEmptyName
		}

		if _, ok := c.commands[cmd.Name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCommand, cmd.Name)
		}

		g, err := compileGuard(cmd.When)
		if err != nil {
			return nil, fmt.Errorf("command %s: %w", cmd.Name, err)
		}

		c.commands[cmd.Name] = entry{cmd: cmd, guard: g}
		c.names = append(c.names, cmd.Name)
	}

	slices.Sort(c.names)

	return c, nil
}

// Commands returns the registered names, sorted. The result is never nil.
func (c *Controller) Commands() []string {
	return append(make([]string, 0, len(c.names)), c.names...)
}

// Execute runs the named command. Unknown commands, failing guards, handler errors and
// panics are logged and yield a nil result; none of them is reported as an error.
func (c *Controller) Execute(ctx context.Context, name string, args []any) (result any) {
	e, ok := c.commands[name]
	if !ok {
		c.metrics.CommandExecuted(name, "unknown")
		c.logger.Warn("Unknown command", zap.String("command", name))

		return nil
	}

	if c.env.Settings != nil {
		allowed, err := e.guard.allows(c.env.Settings.Current())
		if err != nil {
			c.metrics.CommandExecuted(name, "error")
			c.logger.Error("Command guard failed", zap.String("command", name), zap.Error(err))

			return nil
		}

		if !allowed {
			c.metrics.CommandExecuted(name, "skipped")
			c.logger.Info("Command disabled by settings", zap.String("command", name), zap.String("when", e.cmd.When))

			return nil
		}
	}

	defer func() {
		if p := recover(); p != nil {
			c.metrics.CommandExecuted(name, "panic")
			c.logger.Error("Command panicked",
				zap.String("command", name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))

			result = nil
		}
	}()

	c.logger.Debug("Executing command", zap.String("command", name), zap.Int("args", len(args)))

	out, err := e.cmd.Handler(ctx, c.env, args)
	if err != nil {
		c.metrics.CommandExecuted(name, "error")
		c.logger.Error("Command failed", zap.String("command", name), zap.Error(err))

		return nil
	}

	c.metrics.CommandExecuted(name, "ok")

	return out
}
