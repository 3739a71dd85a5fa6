package lsp

import (
	"context"
	"sync"

	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/pyls/engine"
)

// relay forwards engine events to the client. Each stream has its own goroutine,
// so events of one kind reach the client in the order they were published.
type relay struct {
	sessionID string
	client    protocol.Client
	logger    *zap.Logger
	buffer    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	unsubs []func()
}

func newRelay(sessionID string, client protocol.Client, logger *zap.Logger, buffer int) *relay {
	ctx, cancel := context.WithCancel(context.Background())

	return &relay{
		sessionID: sessionID,
		client:    client,
		logger:    logger,
		buffer:    buffer,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *relay) start(events *engine.Events) {
	forward(r, events.Log, protocol.MethodWindowLogMessage, r.logMessage)
	forward(r, events.Show, protocol.MethodWindowShowMessage, r.showMessage)
	forward(r, events.Telemetry, protocol.MethodTelemetryEvent, r.telemetry)
	forward(r, events.Diagnostics, protocol.MethodTextDocumentPublishDiagnostics, r.diagnostics)
}

// forward subscribes to topic and sends each value with send until the subscription
// ends. Failures are logged and the value is dropped.
func forward[T any](r *relay, topic *engine.Topic[T], method string, send func(context.Context, T) error) {
	ch, unsubscribe := topic.Subscribe(r.buffer)

	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsubscribe)
	r.mu.Unlock()

	r.wg.Add(1)

	go func() {
		defer r.wg.Done()

		for v := range ch {
			if err := send(r.ctx, v); err != nil {
				r.logger.Warn("Failed to relay event", zap.String("method", method), zap.Error(err))
			}
		}
	}()
}

// Close ends every subscription and waits for the forwarding goroutines. The client
// is not used once Close returns.
func (r *relay) Close() {
	r.cancel()

	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}

	r.wg.Wait()
}

func (r *relay) logMessage(ctx context.Context, ev engine.LogMessage) error {
	return r.client.LogMessage(ctx, &protocol.LogMessageParams{Type: ev.Type, Message: ev.Message})
}

// showMessage uses window/showMessageRequest when the event offers actions and sends
// the chosen title, or "" when none was chosen, back on the event's reply channel.
func (r *relay) showMessage(ctx context.Context, ev engine.ShowMessage) error {
	if len(ev.Actions) == 0 {
		err := r.client.ShowMessage(ctx, &protocol.ShowMessageParams{Type: ev.Type, Message: ev.Message})
		r.answer(ctx, ev.Reply, "")

		return err
	}

	actions := make([]protocol.MessageActionItem, 0, len(ev.Actions))
	for _, title := range ev.Actions {
		actions = append(actions, protocol.MessageActionItem{Title: title})
	}

	item, err := r.client.ShowMessageRequest(ctx, &protocol.ShowMessageRequestParams{
		Actions: actions,
		Message: ev.Message,
		Type:    ev.Type,
	})

	chosen := ""
	if err == nil && item != nil {
		chosen = item.Title
	}

	r.answer(ctx, ev.Reply, chosen)

	return err
}

func (r *relay) answer(ctx context.Context, reply chan<- string, title string) {
	if reply == nil {
		return
	}

	select {
	case reply <- title:
	case <-ctx.Done():
	}
}

func (r *relay) telemetry(ctx context.Context, ev engine.Telemetry) error {
	return r.client.Telemetry(ctx, map[string]any{
		"name":       ev.Name,
		"sessionId":  r.sessionID,
		"properties": ev.Properties,
	})
}

func (r *relay) diagnostics(ctx context.Context, ev engine.Diagnostics) error {
	version := uint32(0)
	if ev.Version > 0 {
		version = uint32(ev.Version)
	}

	diagnostics := ev.Diagnostics
	if diagnostics == nil {
		diagnostics = []protocol.Diagnostic{}
	}

	return r.client.PublishDiagnostics(ctx, &protocol.PublishDiagnosticsParams{
		URI:         ev.URI,
		Version:     version,
		Diagnostics: diagnostics,
	})
}
