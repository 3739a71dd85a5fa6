package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/pyls"
	"github.com/rlch/pyls/lsp"
)

const waitFor = 5 * time.Second

// startServe runs serve over one end of a pipe and returns a client connection
// on the other end along with a channel carrying serve's result.
func startServe(t *testing.T) (jsonrpc2.Conn, <-chan error) {
	t.Helper()

	cfg := pyls.DefaultConfig()
	cfg.Server.ShutdownTimeout = 2 * time.Second
	cfg.Server.RelayBuffer = lsp.DefaultRelayBuffer

	serverSide, clientSide := net.Pipe()

	done := make(chan error, 1)

	go func() {
		done <- serve(context.Background(), zap.NewNop(), cfg, "", serverSide)
	}()

	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(clientSide))
	conn.Go(context.Background(), func(ctx context.Context, reply jsonrpc2.Replier, _ jsonrpc2.Request) error {
		return reply(ctx, nil, nil)
	})

	t.Cleanup(func() {
		_ = conn.Close()
	})

	return conn, done
}

func initialize(t *testing.T, conn jsonrpc2.Conn) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	var result json.RawMessage

	_, err := conn.Call(ctx, protocol.MethodInitialize, &protocol.InitializeParams{ProcessID: 1}, &result)
	require.NoError(t, err)
	require.NoError(t, conn.Notify(ctx, protocol.MethodInitialized, &protocol.InitializedParams{}))
}

func waitServe(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("serve did not return")

		return nil
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 1, exitCode(lsp.ErrConnectionClosed))
	assert.Equal(t, 1, exitCode(errors.New("boom")))
}

func TestServe_ShutdownThenExit(t *testing.T) {
	t.Parallel()

	conn, done := startServe(t)
	initialize(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	_, err := conn.Call(ctx, protocol.MethodShutdown, nil, nil)
	require.NoError(t, err)
	require.NoError(t, conn.Notify(ctx, protocol.MethodExit, nil))

	err = waitServe(t, done)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode(err))
}

func TestServe_ExitWithoutShutdown(t *testing.T) {
	t.Parallel()

	conn, done := startServe(t)
	initialize(t, conn)

	require.NoError(t, conn.Notify(context.Background(), protocol.MethodExit, nil))

	err := waitServe(t, done)
	require.NoError(t, err)
	assert.Equal(t, 0, exitCode(err))
}

func TestServe_ConnectionLost(t *testing.T) {
	t.Parallel()

	conn, done := startServe(t)
	initialize(t, conn)

	require.NoError(t, conn.Close())

	err := waitServe(t, done)
	require.ErrorIs(t, err, lsp.ErrConnectionClosed)
	assert.Equal(t, 1, exitCode(err))
}
