package lsp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/pyls/metrics"
	"github.com/rlch/pyls/rpc"
)

type step struct {
	method string
	kind   rpc.Kind
	code   jsonrpc2.Code // zero when admitted
	state  State
}

func runSteps(t *testing.T, l *lifecycle, steps []step) {
	t.Helper()

	for i, s := range steps {
		err := l.Admit(s.method, s.kind)

		if s.code == 0 {
			require.NoError(t, err, "step %d: %s", i, s.method)
		} else {
			var rpcErr *jsonrpc2.Error
			require.ErrorAs(t, err, &rpcErr, "step %d: %s", i, s.method)
			assert.Equal(t, s.code, rpcErr.Code, "step %d: %s", i, s.method)
		}

		assert.Equal(t, s.state, l.State(), "step %d: %s", i, s.method)
	}
}

func TestLifecycle_Admit(t *testing.T) {
	t.Parallel()

	const hover = protocol.MethodTextDocumentHover

	tests := []struct {
		name  string
		ready bool
		steps []step
	}{
		{
			name: "before initialize",
			steps: []step{
				{hover, rpc.KindRequest, jsonrpc2.ServerNotInitialized, StateUninitialized},
				{protocol.MethodTextDocumentDidOpen, rpc.KindNotification, jsonrpc2.ServerNotInitialized, StateUninitialized},
				{protocol.MethodShutdown, rpc.KindRequest, jsonrpc2.ServerNotInitialized, StateUninitialized},
			},
		},
		{
			name: "requests wait for capabilities",
			steps: []step{
				{protocol.MethodInitialize, rpc.KindRequest, 0, StateInitializing},
				{hover, rpc.KindRequest, jsonrpc2.ServerNotInitialized, StateInitializing},
			},
		},
		{
			name:  "full handshake",
			ready: true,
			steps: []step{
				{protocol.MethodInitialize, rpc.KindRequest, 0, StateInitializing},
				{hover, rpc.KindRequest, 0, StateInitializing},
				{protocol.MethodInitialized, rpc.KindNotification, 0, StateInitialized},
				{hover, rpc.KindRequest, 0, StateInitialized},
				{protocol.MethodInitialize, rpc.KindRequest, jsonrpc2.InvalidRequest, StateInitialized},
				{protocol.MethodShutdown, rpc.KindRequest, 0, StateShuttingDown},
				{hover, rpc.KindRequest, jsonrpc2.InvalidRequest, StateShuttingDown},
				{protocol.MethodShutdown, rpc.KindRequest, jsonrpc2.InvalidRequest, StateShuttingDown},
				{protocol.MethodExit, rpc.KindNotification, 0, StateExited},
				{hover, rpc.KindRequest, jsonrpc2.InvalidRequest, StateExited},
			},
		},
		{
			name: "exit before initialize",
			steps: []step{
				{protocol.MethodExit, rpc.KindNotification, 0, StateExited},
				{protocol.MethodInitialize, rpc.KindRequest, jsonrpc2.InvalidRequest, StateExited},
			},
		},
		{
			name: "shutdown while initializing",
			steps: []step{
				{protocol.MethodInitialize, rpc.KindRequest, 0, StateInitializing},
				{protocol.MethodShutdown, rpc.KindRequest, 0, StateShuttingDown},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := newLifecycle(zap.NewNop(), nil)
			if tt.ready {
				// As if the initialize handler had already returned.
				l.ready = true
			}

			runSteps(t, l, tt.steps)
		})
	}
}

func TestLifecycle_InitializeFailed(t *testing.T) {
	t.Parallel()

	l := newLifecycle(zap.NewNop(), nil)

	require.NoError(t, l.Admit(protocol.MethodInitialize, rpc.KindRequest))
	l.initializeFailed()
	assert.Equal(t, StateUninitialized, l.State())

	require.NoError(t, l.Admit(protocol.MethodInitialize, rpc.KindRequest))
	l.capabilitiesReady()
	require.NoError(t, l.Admit(protocol.MethodTextDocumentHover, rpc.KindRequest))

	l.initializeFailed()
	assert.Equal(t, StateInitializing, l.State(), "only a pending initialize can fail")
}

func TestLifecycle_Metrics(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	l := newLifecycle(zap.NewNop(), m)

	require.NoError(t, l.Admit(protocol.MethodInitialize, rpc.KindRequest))
	require.NoError(t, l.Admit(protocol.MethodInitialized, rpc.KindNotification))

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	found := false

	for _, mf := range families {
		if mf.GetName() == "pyls_session_state" {
			found = true

			assert.InDelta(t, float64(StateInitialized), mf.GetMetric()[0].GetGauge().GetValue(), 0)
		}
	}

	assert.True(t, found)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Uninitialized", StateUninitialized.String())
	assert.Equal(t, "ShuttingDown", StateShuttingDown.String())
	assert.Equal(t, "Exited", StateExited.String())
	assert.Equal(t, "State(42)", State(42).String())
}
