// Command pyls is a Language Server Protocol server for Python, speaking JSON-RPC
// over stdio.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/rlch/pyls"
	"github.com/rlch/pyls/engine/basic"
	"github.com/rlch/pyls/lsp"
	"github.com/rlch/pyls/metrics"
	"github.com/rlch/pyls/settings"
	"github.com/rlch/pyls/transport"
)

var version = "dev"

func main() {
	app := &cli.Command{
		Name:    "pyls",
		Version: version,
		Usage:   "Python language server (LSP over stdio)",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "log at debug level and also write the log to a file in the temp dir",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file (default: nearest .pyls.yaml)",
				Sources: cli.EnvVars("PYLS_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "serve Prometheus metrics on this address",
				Sources: cli.EnvVars("PYLS_METRICS_ADDR"),
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "bound on draining handlers at exit",
				Value: lsp.DefaultShutdownTimeout,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
				Value: "info",
			},
		},
		Action: run,
	}

	err := app.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}

	os.Exit(exitCode(err))
}

// exitCode is 0 when the session ended with exit, whether or not shutdown came
// first, and 1 for any failure, including a client that disconnects without exit.
func exitCode(err error) int {
	if err != nil {
		return 1
	}

	return 0
}

func run(ctx context.Context, cmd *cli.Command) error {
	logger, err := newLogger(cmd.String("log-level"), cmd.Bool("debug"))
	if err != nil {
		return err
	}

	defer func() {
		_ = logger.Sync()
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		logger.Warn("stdin is a terminal; pyls expects an editor to connect over stdio")
	}

	cfg, cfgPath, err := loadConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	if cmd.IsSet("metrics-addr") {
		cfg.Server.MetricsAddr = cmd.String("metrics-addr")
	}

	if cmd.IsSet("shutdown-timeout") || cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = cmd.Duration("shutdown-timeout")
	}

	if cfg.Server.RelayBuffer == 0 {
		cfg.Server.RelayBuffer = lsp.DefaultRelayBuffer
	}

	logger.Info("Starting pyls",
		zap.String("version", version),
		zap.String("config", cfgPath),
		zap.Int("pid", os.Getpid()))

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = serve(ctx, logger, cfg, cfgPath, transport.Stdio())
	if errors.Is(err, context.Canceled) {
		logger.Info("Interrupted")

		return nil
	}

	return err
}

// serve runs one session over rwc together with the optional metrics endpoint and
// config watcher. It returns when the session ends.
func serve(ctx context.Context, logger *zap.Logger, cfg *pyls.Config, cfgPath string, rwc io.ReadWriteCloser) error {
	m := metrics.New()
	manager := settings.NewManager(logger.Named("settings"), cfg.Settings, m)

	session, err := lsp.NewSession(basic.New(logger),
		lsp.WithLogger(logger),
		lsp.WithMetrics(m),
		lsp.WithSettings(manager),
		lsp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		lsp.WithRelayBuffer(cfg.Server.RelayBuffer),
		lsp.WithVersion(version))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// The session decides the process lifetime.
		defer cancel()

		return session.Run(gctx, rwc)
	})

	if cfg.Server.MetricsAddr != "" {
		serveMetrics(gctx, g, logger, cfg.Server.MetricsAddr, m)
	}

	if cfg.Server.WatchConfig && cfgPath != "" {
		watcher, err := settings.NewWatcher(cfgPath, pyls.SettingsLoader(cfgPath), manager, logger.Named("watch"))
		if err != nil {
			logger.Warn("Config watching disabled", zap.Error(err))
		} else {
			g.Go(func() error {
				return watcher.Run(gctx)
			})
		}
	}

	return g.Wait()
}

func serveMetrics(ctx context.Context, g *errgroup.Group, logger *zap.Logger, addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("Serving metrics", zap.String("addr", addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})
}

// newLogger logs to stderr, since stdout carries the protocol. In debug mode the
// log is also written to a timestamped file in the temp dir.
func newLogger(level string, debug bool) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.OutputPaths = []string{"stderr"}

	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}

	if debug {
		lvl = zapcore.DebugLevel
		name := fmt.Sprintf("pyls-%s.log", time.Now().Format("20060102-150405"))
		config.OutputPaths = append(config.OutputPaths, filepath.Join(os.TempDir(), name))
	}

	config.Level = zap.NewAtomicLevelAt(lvl)

	return config.Build()
}

// loadConfig loads path, or the nearest config file when path is empty. The
// returned path is empty when the defaults are used.
func loadConfig(path string) (*pyls.Config, string, error) {
	if path != "" {
		cfg, err := pyls.LoadConfigFile(path)

		return cfg, path, err
	}

	found, err := pyls.FindConfig(".")
	if errors.Is(err, pyls.ErrConfigNotFound) {
		return pyls.DefaultConfig(), "", nil
	} else if err != nil {
		return nil, "", err
	}

	cfg, err := pyls.LoadConfigFile(found)

	return cfg, found, err
}
