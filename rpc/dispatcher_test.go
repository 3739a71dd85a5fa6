package rpc_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/pyls/rpc"
)

type response struct {
	id     jsonrpc2.ID
	result any
	err    error
}

type harness struct {
	t         *testing.T
	d         *rpc.Dispatcher
	responses chan response
}

func newHarness(t *testing.T, opts ...rpc.Option) *harness {
	t.Helper()

	return &harness{
		t:         t,
		d:         rpc.NewDispatcher(zap.NewNop(), opts...),
		responses: make(chan response, 16),
	}
}

func (h *harness) call(id int32, method string, params any) {
	h.t.Helper()

	call, err := jsonrpc2.NewCall(jsonrpc2.NewNumberID(id), method, params)
	require.NoError(h.t, err)

	h.d.Dispatch(context.Background(), func(_ context.Context, result any, err error) error {
		h.responses <- response{id: call.ID(), result: result, err: err}

		return nil
	}, call)
}

func (h *harness) notify(method string, params any) {
	h.t.Helper()

	notif, err := jsonrpc2.NewNotification(method, params)
	require.NoError(h.t, err)

	h.d.Dispatch(context.Background(), func(context.Context, any, error) error {
		h.t.Errorf("notification %s was answered", method)

		return nil
	}, notif)
}

func (h *harness) next() response {
	h.t.Helper()

	select {
	case r := <-h.responses:
		return r
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for response")

		return response{}
	}
}

func requireCode(t *testing.T, err error, code jsonrpc2.Code) {
	t.Helper()

	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr), "expected *jsonrpc2.Error, got %v", err)
	assert.Equal(t, code, rpcErr.Code)
}

type echoParams struct {
	Text string `json:"text"`
}

func TestDispatcher_UnknownMethod(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.call(3, "foo/bar", nil)

	r := h.next()
	assert.Equal(t, jsonrpc2.NewNumberID(3), r.id)
	requireCode(t, r.err, jsonrpc2.MethodNotFound)

	// Unknown notifications are ignored without a reply.
	h.notify("foo/baz", map[string]any{})
	assert.Equal(t, 0, h.d.Pending())
}

func TestDispatcher_TypedRequest(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rpc.Request(h.d, "test/echo", func(_ context.Context, params *echoParams) (string, error) {
		return params.Text, nil
	})

	h.call(1, "test/echo", echoParams{Text: "hello"})

	r := h.next()
	require.NoError(t, r.err)
	assert.Equal(t, "hello", r.result)
}

func TestDispatcher_InvalidParams(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rpc.Request(h.d, "test/echo", func(_ context.Context, params *echoParams) (string, error) {
		return params.Text, nil
	})

	h.call(1, "test/echo", map[string]any{"text": 42})

	requireCode(t, h.next().err, jsonrpc2.InvalidParams)
}

func TestDispatcher_HandlerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func() (any, error)
		want jsonrpc2.Code
	}{
		{
			name: "plain error",
			fn:   func() (any, error) { return nil, errors.New("boom") },
			want: jsonrpc2.InternalError,
		},
		{
			name: "coded error",
			fn:   func() (any, error) { return nil, jsonrpc2.NewError(jsonrpc2.InvalidParams, "bad") },
			want: jsonrpc2.InvalidParams,
		},
		{
			name: "panic",
			fn:   func() (any, error) { panic("kaboom") },
			want: jsonrpc2.InternalError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			rpc.Request(h.d, "test/fail", func(context.Context, *struct{}) (any, error) {
				return tt.fn()
			})

			h.call(1, "test/fail", nil)
			requireCode(t, h.next().err, tt.want)
		})
	}
}

func TestDispatcher_PanicInNotification(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	done := make(chan struct{})

	rpc.Notification(h.d, "test/panic", func(context.Context, *struct{}) error {
		defer close(done)

		panic("notification panic")
	})
	rpc.Request(h.d, "test/ping", func(context.Context, *struct{}) (string, error) {
		return "pong", nil
	})

	h.notify("test/panic", nil)
	<-done

	h.call(2, "test/ping", nil)
	assert.Equal(t, "pong", h.next().result)
}

type rejectGate struct {
	err error
}

func (g rejectGate) Admit(string, rpc.Kind) error {
	return g.err
}

func TestDispatcher_Gate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, rpc.WithGate(rejectGate{err: jsonrpc2.NewError(jsonrpc2.ServerNotInitialized, "server not initialized")}))

	called := false

	rpc.Request(h.d, "textDocument/hover", func(context.Context, *struct{}) (any, error) {
		called = true

		return nil, nil
	})

	h.call(1, "textDocument/hover", nil)

	requireCode(t, h.next().err, jsonrpc2.ServerNotInitialized)
	assert.False(t, called)
}

func TestDispatcher_Cancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	started := make(chan struct{})

	rpc.Request(h.d, "test/slow", func(ctx context.Context, _ *struct{}) (any, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	})

	h.call(9, "test/slow", nil)
	<-started
	assert.Equal(t, 1, h.d.Pending())

	h.notify(protocol.MethodCancelRequest, map[string]any{"id": 9})

	r := h.next()
	requireCode(t, r.err, protocol.CodeRequestCancelled)
	assert.Equal(t, 0, h.d.Pending())
}

func TestDispatcher_CancelUnknownID(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	assert.False(t, h.d.Cancel(jsonrpc2.NewNumberID(999)))
	assert.False(t, h.d.Cancel(jsonrpc2.NewStringID("nope")))

	h.notify(protocol.MethodCancelRequest, map[string]any{"id": 999})
	h.notify(protocol.MethodCancelRequest, map[string]any{"id": "abc"})
	h.notify(protocol.MethodCancelRequest, "garbage")

	assert.Equal(t, 0, h.d.Pending())
}

func TestDispatcher_NoHeadOfLineBlocking(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	release := make(chan struct{})

	rpc.Request(h.d, "test/slow", func(context.Context, *struct{}) (string, error) {
		<-release

		return "slow", nil
	})
	rpc.Request(h.d, "test/fast", func(context.Context, *struct{}) (string, error) {
		return "fast", nil
	})

	h.call(1, "test/slow", nil)
	h.call(2, "test/fast", nil)

	first := h.next()
	assert.Equal(t, jsonrpc2.NewNumberID(2), first.id)
	assert.Equal(t, "fast", first.result)

	close(release)

	second := h.next()
	assert.Equal(t, jsonrpc2.NewNumberID(1), second.id)
}

func TestDispatcher_KindMismatch(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rpc.Notification(h.d, "exit", func(context.Context, *struct{}) error { return nil })

	h.call(1, "exit", nil)
	requireCode(t, h.next().err, jsonrpc2.InvalidRequest)
}

func TestDispatcher_RegisterTwicePanics(t *testing.T) {
	t.Parallel()

	d := rpc.NewDispatcher(zap.NewNop())
	d.Register("a", rpc.KindRequest, func(context.Context, json.RawMessage) (any, error) { return nil, nil })

	assert.Panics(t, func() {
		d.Register("a", rpc.KindNotification, func(context.Context, json.RawMessage) (any, error) { return nil, nil })
	})

	kind, ok := d.Method("a")
	assert.True(t, ok)
	assert.Equal(t, rpc.KindRequest, kind)
}

func TestDispatcher_Drain(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	started := make(chan struct{})

	rpc.Request(h.d, "test/slow", func(ctx context.Context, _ *struct{}) (any, error) {
		close(started)
		<-ctx.Done()

		return nil, ctx.Err()
	})

	h.call(1, "test/slow", nil)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.d.Drain(ctx))
	h.next()

	// Messages after Drain are dropped.
	h.call(2, "test/slow", nil)
	assert.Equal(t, 0, h.d.Pending())
}

type docEdit struct {
	TextDocument struct {
		URI string `json:"uri"`
	} `json:"textDocument"`
	Seq int `json:"seq"`
}

func edit(uri string, seq int) map[string]any {
	return map[string]any{"textDocument": map[string]any{"uri": uri}, "seq": seq}
}

func TestDispatcher_OrderedNotifications(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	var (
		mu  sync.Mutex
		got = map[string][]int{}
	)

	rpc.Notification(h.d, "test/edit", func(_ context.Context, p *docEdit) error {
		// Earlier edits take longer, so unordered execution would reorder them.
		time.Sleep(time.Duration(20-p.Seq) * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()

		got[p.TextDocument.URI] = append(got[p.TextDocument.URI], p.Seq)

		return nil
	}, rpc.Ordered(rpc.TextDocumentKey))

	for seq := range 10 {
		h.notify("test/edit", edit("file:///a.py", seq))
		h.notify("test/edit", edit("file:///b.py", seq))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, h.d.Drain(ctx))

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, want, got["file:///a.py"])
	assert.Equal(t, want, got["file:///b.py"])
}

func TestDispatcher_OrderedRequestWaitsForEdits(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	release := make(chan struct{})

	var applied sync.WaitGroup

	applied.Add(1)

	rpc.Notification(h.d, "test/edit", func(context.Context, *docEdit) error {
		<-release
		applied.Done()

		return nil
	}, rpc.Ordered(rpc.TextDocumentKey))
	rpc.Request(h.d, "test/read", func(_ context.Context, p *docEdit) (string, error) {
		return p.TextDocument.URI, nil
	}, rpc.Ordered(rpc.TextDocumentKey))

	h.notify("test/edit", edit("file:///a.py", 0))
	h.call(1, "test/read", edit("file:///a.py", 1))
	h.call(2, "test/read", edit("file:///b.py", 1))

	// Another document is not held back.
	first := h.next()
	assert.Equal(t, jsonrpc2.NewNumberID(2), first.id)

	select {
	case r := <-h.responses:
		t.Fatalf("request %v answered before the edit was applied", r.id)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	second := h.next()
	assert.Equal(t, jsonrpc2.NewNumberID(1), second.id)
	assert.Equal(t, "file:///a.py", second.result)
	applied.Wait()
}

func TestDispatcher_CancelWhileWaiting(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	release := make(chan struct{})
	defer close(release)

	called := false

	rpc.Notification(h.d, "test/edit", func(context.Context, *docEdit) error {
		<-release

		return nil
	}, rpc.Ordered(rpc.TextDocumentKey))
	rpc.Request(h.d, "test/read", func(context.Context, *docEdit) (string, error) {
		called = true

		return "", nil
	}, rpc.Ordered(rpc.TextDocumentKey))

	h.notify("test/edit", edit("file:///a.py", 0))
	h.call(1, "test/read", edit("file:///a.py", 1))

	require.True(t, h.d.Cancel(jsonrpc2.NewNumberID(1)))
	requireCode(t, h.next().err, protocol.CodeRequestCancelled)
	assert.False(t, called)
}

func TestTextDocumentKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want string
	}{
		{`{"textDocument":{"uri":"file:///a.py","version":2},"contentChanges":[]}`, "file:///a.py"},
		{`{"position":{"line":0}}`, ""},
		{`null`, ""},
		{``, ""},
		{`{"textDocument":7}`, ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q", tt.raw), func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.want, rpc.TextDocumentKey(json.RawMessage(tt.raw)))
		})
	}
}

func TestDispatcher_Trace(t *testing.T) {
	t.Parallel()

	type traced struct {
		method string
		kind   rpc.Kind
		err    error
	}

	var (
		mu  sync.Mutex
		got []traced
	)

	h := newHarness(t, rpc.WithTrace(func(_ context.Context, method string, kind rpc.Kind, _ time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()

		got = append(got, traced{method: method, kind: kind, err: err})
	}))

	rpc.Request(h.d, "test/echo", func(_ context.Context, params *echoParams) (string, error) {
		return params.Text, nil
	})
	rpc.Notification(h.d, "test/fail", func(context.Context, *echoParams) error {
		return errors.New("boom")
	})

	h.call(1, "test/echo", echoParams{Text: "hi"})
	h.next()
	h.notify("test/fail", echoParams{})

	// Unknown methods never reach a handler and are not traced.
	h.call(2, "test/unknown", nil)
	h.next()

	require.NoError(t, h.d.Drain(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, got, 2)
	assert.Contains(t, got, traced{method: "test/echo", kind: rpc.KindRequest})

	for _, tr := range got {
		if tr.method == "test/fail" {
			assert.Equal(t, rpc.KindNotification, tr.kind)
			require.EqualError(t, tr.err, "boom")
		}
	}
}

func TestKind_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "request", rpc.KindRequest.String())
	assert.Equal(t, "notification", rpc.KindNotification.String())
	assert.Equal(t, "Kind(7)", rpc.Kind(7).String())
}
