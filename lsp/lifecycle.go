package lsp

import (
	"fmt"
	"sync"

	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/pyls/metrics"
	"github.com/rlch/pyls/rpc"
)

// State is the session's position in the LSP lifecycle.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
	StateShuttingDown
	StateExited
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateInitializing:
		return "Initializing"
	case StateInitialized:
		return "Initialized"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateExited:
		return "Exited"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	errNotInitialized     = jsonrpc2.NewError(jsonrpc2.ServerNotInitialized, "server not initialized")
	errAlreadyInitialized = jsonrpc2.NewError(jsonrpc2.InvalidRequest, "server already initialized")
	errAfterShutdown      = jsonrpc2.NewError(jsonrpc2.InvalidRequest, "invalid request after shutdown")
)

// lifecycle is the only owner of the session state. It implements rpc.Gate, so
// transitions happen on the reader goroutine in message arrival order.
type lifecycle struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
	// ready is set once initialize has produced the capabilities.
	ready bool
}

var _ rpc.Gate = (*lifecycle)(nil)

func newLifecycle(logger *zap.Logger, m *metrics.Metrics) *lifecycle {
	l := &lifecycle{logger: logger, metrics: m}
	m.SetSessionState(int(StateUninitialized))

	return l
}

// Admit applies the transition triggered by method, if any, and rejects methods the
// current state does not allow.
func (l *lifecycle) Admit(method string, _ rpc.Kind) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch method {
	case protocol.MethodExit:
		l.set(StateExited)

		return nil
	case protocol.MethodInitialize:
		if l.state != StateUninitialized {
			return errAlreadyInitialized
		}

		l.set(StateInitializing)

		return nil
	}

	switch l.state {
	case StateUninitialized:
		return errNotInitialized
	case StateInitializing:
		switch {
		case method == protocol.MethodInitialized:
			l.set(StateInitialized)
		case method == protocol.MethodShutdown:
			l.set(StateShuttingDown)
		case !l.ready:
			return errNotInitialized
		}
	case StateInitialized:
		if method == protocol.MethodShutdown {
			l.set(StateShuttingDown)
		}
	case StateShuttingDown, StateExited:
		return errAfterShutdown
	}

	return nil
}

// capabilitiesReady records that initialize produced its result.
func (l *lifecycle) capabilitiesReady() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ready = true
}

// initializeFailed returns to Uninitialized so the client may retry. It has no effect
// once the capabilities were produced.
func (l *lifecycle) initializeFailed() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateInitializing && !l.ready {
		l.ready = false
		l.set(StateUninitialized)
	}
}

// exit moves to Exited from any state.
func (l *lifecycle) exit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.set(StateExited)
}

func (l *lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.state
}

func (l *lifecycle) set(next State) {
	if l.state == next {
		return
	}

	l.logger.Debug("Session state", zap.Stringer("from", l.state), zap.Stringer("to", next))
	l.state = next
	l.metrics.SetSessionState(int(next))
}
