// Package lsp runs a Language Server Protocol session for Python over one duplex
// stream, routing client messages to an analysis engine and relaying the engine's
// events back to the client.
package lsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/pyls/command"
	"github.com/rlch/pyls/engine"
	"github.com/rlch/pyls/metrics"
	"github.com/rlch/pyls/rpc"
	"github.com/rlch/pyls/settings"
	"github.com/rlch/pyls/transport"
)

// ErrConnectionClosed is returned by Run when the stream ends before exit.
var ErrConnectionClosed = errors.New("lsp: connection closed before exit")

const (
	// DefaultShutdownTimeout bounds teardown after the session ends.
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultRelayBuffer is the per-topic buffer between the engine and the client.
	DefaultRelayBuffer = 64
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics records session, request and transport metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithSettings shares a settings manager, for example with a config file watcher.
func WithSettings(m *settings.Manager) Option {
	return func(s *Session) {
		s.settings = m
	}
}

// WithCommands replaces the built-in command set.
func WithCommands(commands ...command.Command) Option {
	return func(s *Session) {
		s.commandList = commands
	}
}

// WithShutdownTimeout bounds handler draining and engine disposal.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithRelayBuffer sets the buffer of each relayed event stream.
func WithRelayBuffer(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.relayBuffer = n
		}
	}
}

// WithVersion sets the version reported in serverInfo.
func WithVersion(version string) Option {
	return func(s *Session) {
		s.version = version
	}
}

// Session serves one client connection against one engine.
type Session struct {
	id              uuid.UUID
	logger          *zap.Logger
	metrics         *metrics.Metrics
	version         string
	shutdownTimeout time.Duration
	relayBuffer     int
	commandList     []command.Command

	engine     engine.Engine
	settings   *settings.Manager
	commands   *command.Controller
	dispatcher *rpc.Dispatcher
	lifecycle  *lifecycle

	unsubscribeSettings func()

	exited   chan struct{}
	exitOnce sync.Once

	mu           sync.RWMutex
	conn         jsonrpc2.Conn
	client       protocol.Client
	clientInfo   *protocol.ClientInfo
	processID    int32
	trace        protocol.TraceValue
	capabilities *protocol.ServerCapabilities
}

// NewSession wires a session around eng. The engine is owned by the session from
// here on and is closed when Run returns.
func NewSession(eng engine.Engine, opts ...Option) (*Session, error) {
	s := &Session{
		id:              uuid.New(),
		logger:          zap.NewNop(),
		version:         "dev",
		shutdownTimeout: DefaultShutdownTimeout,
		relayBuffer:     DefaultRelayBuffer,
		commandList:     command.Builtins(),
		engine:          eng,
		exited:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.With(zap.String("session", s.id.String()))

	if s.settings == nil {
		s.settings = settings.NewManager(s.logger.Named("settings"), settings.Defaults(), s.metrics)
	}

	commands, err := command.NewController(command.Env{
		Engine:   eng,
		Settings: s.settings,
		Logger:   s.logger,
	}, s.metrics, s.commandList...)
	if err != nil {
		return nil, err
	}

	s.commands = commands
	s.lifecycle = newLifecycle(s.logger.Named("lifecycle"), s.metrics)
	s.dispatcher = rpc.NewDispatcher(s.logger.Named("rpc"), rpc.WithGate(s.lifecycle),
		rpc.WithMetrics(s.metrics),
		rpc.WithTrace(s.traceMessage))
	s.register()

	s.unsubscribeSettings = s.settings.Subscribe(func(ctx context.Context, current settings.Settings) {
		s.engine.SettingsChanged(ctx, current)
	})

	return s, nil
}

// ID returns the session id used in logs and telemetry.
func (s *Session) ID() string {
	return s.id.String()
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return s.lifecycle.State()
}

// Settings returns the session's settings manager.
func (s *Session) Settings() *settings.Manager {
	return s.settings
}

// Capabilities returns the capabilities sent in the initialize result, or nil
// before initialize has completed.
func (s *Session) Capabilities() *protocol.ServerCapabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.capabilities
}

// Stop ends Run as if the client had sent exit.
func (s *Session) Stop() {
	s.exitOnce.Do(func() {
		close(s.exited)
	})
}

// Run serves rwc until exit, stream closure or ctx cancellation. It returns nil after
// exit and an error wrapping ErrConnectionClosed when the stream ends first. In every
// case the relay is stopped, running handlers are drained and the engine is closed
// before Run returns.
func (s *Session) Run(ctx context.Context, rwc io.ReadWriteCloser) error {
	stream := transport.New(rwc,
		transport.WithLogger(s.logger.Named("transport")),
		transport.WithMetrics(s.metrics))
	conn := jsonrpc2.NewConn(stream)
	client := protocol.ClientDispatcher(conn, s.logger.Named("client"))

	s.mu.Lock()
	s.conn = conn
	s.client = client
	s.mu.Unlock()

	relay := newRelay(s.id.String(), client, s.logger.Named("relay"), s.relayBuffer)
	relay.start(s.engine.Events())

	s.logger.Info("Session started")
	conn.Go(ctx, s.dispatcher.Handler())

	var err error

	select {
	case <-s.exited:
	case <-ctx.Done():
		err = ctx.Err()
	case <-conn.Done():
		if s.State() != StateExited {
			err = ErrConnectionClosed
			if cerr := conn.Err(); cerr != nil {
				err = fmt.Errorf("%w: %w", ErrConnectionClosed, cerr)
			}
		}
	}

	s.teardown(relay, conn)

	return err
}

func (s *Session) teardown(relay *relay, conn jsonrpc2.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.dispatcher.Drain(ctx); err != nil {
		s.logger.Warn("Handlers still running at shutdown", zap.Error(err))
	}

	relay.Close()
	s.unsubscribeSettings()

	closed := make(chan error, 1)

	go func() {
		closed <- s.engine.Close(ctx)
	}()

	select {
	case err := <-closed:
		if err != nil {
			s.logger.Warn("Engine close failed", zap.Error(err))
		}
	case <-ctx.Done():
		s.logger.Warn("Engine did not close in time", zap.Duration("timeout", s.shutdownTimeout))
	}

	if err := conn.Close(); err != nil {
		s.logger.Debug("Closing connection", zap.Error(err))
	}

	select {
	case <-conn.Done():
	case <-ctx.Done():
	}

	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()

	s.logger.Info("Session ended", zap.Stringer("state", s.State()))
}

// Client returns the proxy for calls to the client, or nil outside Run.
func (s *Session) Client() protocol.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.client
}
