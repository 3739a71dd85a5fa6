package transport_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rlch/pyls/transport"
)

func frame(body string) string {
	return fmt.Sprintf("Content-Length: %d\r\n\r\n%s", len(body), body)
}

func newStream(in io.Reader, opts ...transport.Option) (*transport.Stream, *bytes.Buffer) {
	var out bytes.Buffer

	return transport.New(&transport.ReadWriteCloser{Reader: in, Writer: &out}, opts...), &out
}

func TestStream_ReadCall(t *testing.T) {
	t.Parallel()

	s, _ := newStream(strings.NewReader(frame(`{"jsonrpc":"2.0","id":7,"method":"textDocument/hover","params":{}}`)))

	msg, n, err := s.Read(context.Background())
	require.NoError(t, err)
	assert.Positive(t, n)

	call, ok := msg.(*jsonrpc2.Call)
	require.True(t, ok, "expected *jsonrpc2.Call, got %T", msg)
	assert.Equal(t, "textDocument/hover", call.Method())
	assert.Equal(t, jsonrpc2.NewNumberID(7), call.ID())
}

func TestStream_ReadPartial(t *testing.T) {
	t.Parallel()

	input := frame(`{"jsonrpc":"2.0","method":"initialized","params":{}}`) +
		"Content-Type: application/vscode-jsonrpc; charset=utf-8\r\n" +
		frame(`{"jsonrpc":"2.0","id":"abc","method":"shutdown"}`)

	s, _ := newStream(iotest.OneByteReader(strings.NewReader(input)))
	ctx := context.Background()

	first, _, err := s.Read(ctx)
	require.NoError(t, err)

	notif, ok := first.(*jsonrpc2.Notification)
	require.True(t, ok)
	assert.Equal(t, "initialized", notif.Method())

	second, _, err := s.Read(ctx)
	require.NoError(t, err)

	call, ok := second.(*jsonrpc2.Call)
	require.True(t, ok)
	assert.Equal(t, jsonrpc2.NewStringID("abc"), call.ID())

	_, _, err = s.Read(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_MalformedBodyRecovers(t *testing.T) {
	t.Parallel()

	input := frame(`{not json`) + frame(`{"jsonrpc":"2.0","id":1,"method":"shutdown"}`)
	s, out := newStream(strings.NewReader(input))

	msg, _, err := s.Read(context.Background())
	require.NoError(t, err)

	call, ok := msg.(*jsonrpc2.Call)
	require.True(t, ok)
	assert.Equal(t, "shutdown", call.Method())

	written := out.String()
	assert.True(t, strings.HasPrefix(written, "Content-Length: "), written)
	assert.Contains(t, written, `"id":null`)
	assert.Contains(t, written, `"code":-32700`)
}

func TestStream_HeaderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  error
	}{
		{
			name:  "missing content length",
			input: "Content-Type: application/json\r\n\r\n{}",
			want:  transport.ErrMissingContentLength,
		},
		{
			name:  "header without colon",
			input: "garbage\r\n\r\n",
			want:  transport.ErrInvalidHeader,
		},
		{
			name:  "non numeric length",
			input: "Content-Length: abc\r\n\r\n",
			want:  transport.ErrInvalidHeader,
		},
		{
			name:  "empty input",
			input: "",
			want:  io.EOF,
		},
		{
			name:  "oversized header line",
			input: "X-Pad: " + strings.Repeat("x", 70*1024) + "\r\nContent-Length: 2\r\n\r\n{}",
			want:  transport.ErrInvalidHeader,
		},
		{
			name:  "unterminated header",
			input: "Content-Length: " + strings.Repeat("9", 70*1024),
			want:  transport.ErrInvalidHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, _ := newStream(strings.NewReader(tt.input))

			_, _, err := s.Read(context.Background())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStream_TruncatedBody(t *testing.T) {
	t.Parallel()

	s, _ := newStream(strings.NewReader("Content-Length: 100\r\n\r\n{}"))

	_, _, err := s.Read(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestStream_Write(t *testing.T) {
	t.Parallel()

	s, out := newStream(strings.NewReader(""))

	notif, err := jsonrpc2.NewNotification("window/logMessage", map[string]any{"type": 3, "message": "hi"})
	require.NoError(t, err)

	n, err := s.Write(context.Background(), notif)
	require.NoError(t, err)
	assert.Equal(t, int64(out.Len()), n)

	header, body, ok := strings.Cut(out.String(), "\r\n\r\n")
	require.True(t, ok)
	assert.Equal(t, fmt.Sprintf("Content-Length: %d", len(body)), header)
	assert.Contains(t, body, `"method":"window/logMessage"`)
}

func TestStream_WriteAfterClose(t *testing.T) {
	t.Parallel()

	s, _ := newStream(strings.NewReader(""))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	notif, err := jsonrpc2.NewNotification("exit", nil)
	require.NoError(t, err)

	_, err = s.Write(context.Background(), notif)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestStream_DebugLogging(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	s, _ := newStream(
		strings.NewReader(frame(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)),
		transport.WithLogger(zap.New(core)),
	)
	ctx := context.Background()

	_, _, err := s.Read(ctx)
	require.NoError(t, err)

	resp, err := jsonrpc2.NewResponse(jsonrpc2.NewNumberID(1), map[string]any{}, nil)
	require.NoError(t, err)

	_, err = s.Write(ctx, resp)
	require.NoError(t, err)

	entries := logs.FilterMessage("Message").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "<-", entries[0].ContextMap()["direction"])
	assert.Equal(t, "initialize", entries[0].ContextMap()["method"])
	assert.Equal(t, "->", entries[1].ContextMap()["direction"])
}
