// Package rpc routes inbound JSON-RPC messages to registered handlers.
//
// Messages are admitted on the connection's reader goroutine in arrival order and then
// handled concurrently, one goroutine per message, so a slow request never delays the
// ones behind it. Routes registered with an ordering key are the exception: their
// notifications run one at a time per key, in arrival order, and their requests wait
// for the notifications on the same key that arrived before them.
package rpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/pyls/metrics"
)

// Kind distinguishes requests, which get a response, from notifications.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Func handles one message. The returned value is the response result for requests
// and is ignored for notifications.
type Func func(ctx context.Context, params json.RawMessage) (any, error)

// Gate decides whether a method may run in the current session state.
// A non-nil error is sent back as the response for requests and logged for notifications.
type Gate interface {
	Admit(method string, kind Kind) error
}

// ErrDraining is returned by Drain when in-flight handlers outlive the context.
var ErrDraining = errors.New("rpc: handlers still running")

// errCancelled is the cause attached to a request context cancelled by the client.
var errCancelled = errors.New("rpc: request cancelled by client")

// KeyFunc extracts an ordering key from raw params. An empty key means unordered.
type KeyFunc func(params json.RawMessage) string

type route struct {
	kind Kind
	fn   Func
	key  KeyFunc
}

// RouteOption configures a single method.
type RouteOption func(*route)

// Ordered serializes the method against others sharing the key that fn returns.
func Ordered(fn KeyFunc) RouteOption {
	return func(r *route) {
		r.key = fn
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithGate sets the admission gate.
func WithGate(g Gate) Option {
	return func(d *Dispatcher) {
		d.gate = g
	}
}

// WithMetrics records request metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// TraceFunc observes a handled message once its handler has returned and, for
// requests, the response has been sent.
type TraceFunc func(ctx context.Context, method string, kind Kind, elapsed time.Duration, err error)

// WithTrace calls fn for every message that reached its handler.
func WithTrace(fn TraceFunc) Option {
	return func(d *Dispatcher) {
		d.trace = fn
	}
}

// Dispatcher owns the method table and the pending request table.
type Dispatcher struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	gate    Gate
	trace   TraceFunc

	routesMu sync.RWMutex
	routes   map[string]route

	mu      sync.Mutex
	pending map[jsonrpc2.ID]context.CancelCauseFunc
	// tails holds, per ordering key, a channel closed when the last admitted
	// notification for that key has finished.
	tails  map[string]chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher with an empty method table.
func NewDispatcher(logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:  logger,
		routes:  make(map[string]route),
		pending: make(map[jsonrpc2.ID]context.CancelCauseFunc),
		tails:   make(map[string]chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Register binds method to fn. Registering the same method twice panics.
func (d *Dispatcher) Register(method string, kind Kind, fn Func, opts ...RouteOption) {
	d.routesMu.Lock()
	defer d.routesMu.Unlock()

	if _, ok := d.routes[method]; ok {
		panic(fmt.Sprintf("rpc: method %q registered twice", method))
	}

	r := route{kind: kind, fn: fn}
	for _, opt := range opts {
		opt(&r)
	}

	d.routes[method] = r
}

// Method reports whether method is registered and with which kind.
func (d *Dispatcher) Method(method string) (Kind, bool) {
	r, ok := d.lookup(method)

	return r.kind, ok
}

func (d *Dispatcher) lookup(method string) (route, bool) {
	d.routesMu.RLock()
	defer d.routesMu.RUnlock()

	r, ok := d.routes[method]

	return r, ok
}

// Handler returns the jsonrpc2.Handler to pass to jsonrpc2.Conn.Go.
// It never returns an error, so a failing handler cannot tear down the connection.
func (d *Dispatcher) Handler() jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		d.Dispatch(ctx, reply, req)

		return nil
	}
}

// Dispatch admits req and starts its handler. It must be called from a single goroutine
// in arrival order.
func (d *Dispatcher) Dispatch(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) {
	method := req.Method()
	call, isCall := req.(*jsonrpc2.Call)

	kind := KindNotification
	if isCall {
		kind = KindRequest
	}

	if method == protocol.MethodCancelRequest && !isCall {
		d.cancelFromParams(req.Params())

		return
	}

	r, ok := d.lookup(method)
	if !ok {
		if isCall {
			d.metrics.CountRequest(method, kind.String(), metrics.OutcomeNotFound)
			d.logger.Warn("Method not found", zap.String("method", method))
			d.reply(ctx, reply, method, nil, jsonrpc2.Errorf(jsonrpc2.MethodNotFound, "method not found: %s", method))
		} else {
			d.logger.Debug("Ignoring unknown notification", zap.String("method", method))
		}

		return
	}

	if r.kind != kind {
		if isCall {
			d.metrics.CountRequest(method, kind.String(), metrics.OutcomeRejected)
			d.reply(ctx, reply, method, nil, jsonrpc2.Errorf(jsonrpc2.InvalidRequest, "%s is a notification", method))
		} else {
			d.logger.Warn("Dropping request sent as notification", zap.String("method", method))
		}

		return
	}

	if d.gate != nil {
		if err := d.gate.Admit(method, kind); err != nil {
			d.metrics.CountRequest(method, kind.String(), metrics.OutcomeRejected)

			if isCall {
				d.reply(ctx, reply, method, nil, err)
			} else {
				d.logger.Info("Dropping notification", zap.String("method", method), zap.Error(err))
			}

			return
		}
	}

	hctx, cancel := context.WithCancelCause(ctx)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel(nil)
		d.logger.Debug("Dispatcher closed, dropping message", zap.String("method", method))

		return
	}

	if isCall {
		d.pending[call.ID()] = cancel
	}

	sl := d.sequence(r, req, isCall)

	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(hctx, cancel, reply, req, r, sl)
}

// slot places one message in the order of its key. A message waits for after;
// an ordered notification closes done when it finishes.
type slot struct {
	key   string
	after <-chan struct{}
	done  chan struct{}
}

// sequence assigns req its slot. Called with d.mu held, in arrival order.
func (d *Dispatcher) sequence(r route, req jsonrpc2.Request, isCall bool) slot {
	if r.key == nil {
		return slot{}
	}

	key := r.key(req.Params())
	if key == "" {
		return slot{}
	}

	sl := slot{key: key, after: d.tails[key]}
	if !isCall {
		sl.done = make(chan struct{})
		d.tails[key] = sl.done
	}

	return sl
}

func (d *Dispatcher) release(sl slot) {
	if sl.done == nil {
		return
	}

	close(sl.done)

	d.mu.Lock()
	if d.tails[sl.key] == sl.done {
		delete(d.tails, sl.key)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) run(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	reply jsonrpc2.Replier,
	req jsonrpc2.Request,
	r route,
	sl slot,
) {
	defer d.wg.Done()
	defer cancel(nil)
	defer d.release(sl)

	method := req.Method()

	var (
		result any
		err    error
	)

	if sl.after != nil {
		select {
		case <-sl.after:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	start := time.Now()

	d.metrics.HandlerStarted()
	defer d.metrics.HandlerDone()

	if err == nil {
		result, err = d.invoke(ctx, r.fn, req)
	}

	call, isCall := req.(*jsonrpc2.Call)
	if !isCall {
		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = metrics.OutcomeError
			d.logger.Error("Notification handler failed", zap.String("method", method), zap.Error(err))
		}

		elapsed := time.Since(start)
		d.metrics.ObserveRequest(method, KindNotification.String(), outcome, elapsed)
		d.traced(ctx, method, KindNotification, elapsed, err)

		return
	}

	d.complete(call.ID())

	outcome := metrics.OutcomeOK

	switch {
	case errors.Is(context.Cause(ctx), errCancelled):
		result, err = nil, protocol.ErrRequestCancelled
		outcome = metrics.OutcomeCancelled
	case err != nil:
		err = toRPCError(err)
		outcome = metrics.OutcomeError
	}

	elapsed := time.Since(start)
	d.metrics.ObserveRequest(method, KindRequest.String(), outcome, elapsed)

	// The connection context outlives the request context.
	d.reply(context.WithoutCancel(ctx), reply, method, result, err)
	d.traced(ctx, method, KindRequest, elapsed, err)
}

func (d *Dispatcher) traced(ctx context.Context, method string, kind Kind, elapsed time.Duration, err error) {
	if d.trace != nil {
		d.trace(context.WithoutCancel(ctx), method, kind, elapsed, err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, fn Func, req jsonrpc2.Request) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("Handler panicked",
				zap.String("method", req.Method()),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))

			result, err = nil, jsonrpc2.Errorf(jsonrpc2.InternalError, "internal error handling %s: %v", req.Method(), p)
		}
	}()

	return fn(ctx, req.Params())
}

func (d *Dispatcher) reply(ctx context.Context, reply jsonrpc2.Replier, method string, result any, err error) {
	if rerr := reply(ctx, result, err); rerr != nil {
		d.logger.Warn("Failed to send response", zap.String("method", method), zap.Error(rerr))
	}
}

// Cancel signals the request with the given id. Unknown ids are ignored.
func (d *Dispatcher) Cancel(id jsonrpc2.ID) bool {
	d.mu.Lock()
	cancel, ok := d.pending[id]
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("Cancel for unknown request", zap.String("id", fmt.Sprint(id)))

		return false
	}

	cancel(errCancelled)

	return true
}

func (d *Dispatcher) cancelFromParams(raw json.RawMessage) {
	var params struct {
		ID jsonrpc2.ID `json:"id"`
	}

	if err := json.Unmarshal(raw, &params); err != nil {
		d.logger.Warn("Invalid $/cancelRequest params", zap.Error(err))

		return
	}

	d.Cancel(params.ID)
}

func (d *Dispatcher) complete(id jsonrpc2.ID) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// Pending returns the number of outstanding requests.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.pending)
}

// Drain stops admitting messages, cancels outstanding requests and waits for all
// running handlers, giving up when ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true

	for _, cancel := range d.pending {
		cancel(context.Canceled)
	}
	d.mu.Unlock()

	done := make(chan struct{})

	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrDraining, ctx.Err())
	}
}

func toRPCError(err error) error {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	return jsonrpc2.NewError(jsonrpc2.InternalError, err.Error())
}

// decodeParams unmarshals raw into v. Absent or null params leave v untouched.
func decodeParams(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	if err := json.Unmarshal(trimmed, v); err != nil {
		return jsonrpc2.Errorf(jsonrpc2.InvalidParams, "invalid params: %v", err)
	}

	return nil
}
