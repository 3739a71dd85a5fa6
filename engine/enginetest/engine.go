// Package enginetest provides a scriptable engine.Engine for tests.
package enginetest

import (
	"context"
	"sync"

	"go.lsp.dev/protocol"

	"github.com/rlch/pyls/engine"
	"github.com/rlch/pyls/settings"
)

// Engine records calls and returns canned results. Hooks, when set, replace the
// default behavior of the matching method.
type Engine struct {
	mu       sync.Mutex
	calls    []string
	settings []settings.Settings
	closed   bool

	events *engine.Events

	HoverFunc      func(ctx context.Context, params *protocol.HoverParams) (*protocol.Hover, error)
	CompletionFunc func(ctx context.Context, params *protocol.CompletionParams) (*protocol.CompletionList, error)
	ReanalyzeFunc  func(ctx context.Context) error
	CloseFunc      func(ctx context.Context) error
}

var _ engine.Engine = (*Engine)(nil)

// New returns an engine with fresh event topics.
func New() *Engine {
	return &Engine{events: engine.NewEvents()}
}

func (e *Engine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.calls = append(e.calls, call)
}

// Calls returns the method names called so far, in order.
func (e *Engine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]string(nil), e.calls...)
}

// Called reports whether method was called at least once.
func (e *Engine) Called(method string) bool {
	for _, c := range e.Calls() {
		if c == method {
			return true
		}
	}

	return false
}

// SettingsSeen returns every snapshot passed to Initialize or SettingsChanged.
func (e *Engine) SettingsSeen() []settings.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]settings.Settings(nil), e.settings...)
}

// Closed reports whether Close was called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}

func (e *Engine) Initialize(_ context.Context, _ *protocol.InitializeParams, s settings.Settings) error {
	e.record("Initialize")

	e.mu.Lock()
	e.settings = append(e.settings, s)
	e.mu.Unlock()

	return nil
}

func (e *Engine) SettingsChanged(_ context.Context, s settings.Settings) {
	e.record("SettingsChanged")

	e.mu.Lock()
	e.settings = append(e.settings, s)
	e.mu.Unlock()
}

func (e *Engine) DidOpen(context.Context, *protocol.DidOpenTextDocumentParams) error {
	e.record("DidOpen")

	return nil
}

func (e *Engine) DidChange(context.Context, protocol.DocumentURI, int32, []engine.Change) error {
	e.record("DidChange")

	return nil
}

func (e *Engine) DidClose(context.Context, *protocol.DidCloseTextDocumentParams) error {
	e.record("DidClose")

	return nil
}

func (e *Engine) DidSave(context.Context, *protocol.DidSaveTextDocumentParams) error {
	e.record("DidSave")

	return nil
}

func (e *Engine) WillSave(context.Context, *protocol.WillSaveTextDocumentParams) error {
	e.record("WillSave")

	return nil
}

func (e *Engine) DidChangeWatchedFiles(context.Context, *protocol.DidChangeWatchedFilesParams) error {
	e.record("DidChangeWatchedFiles")

	return nil
}

func (e *Engine) Hover(ctx context.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	e.record("Hover")

	if e.HoverFunc != nil {
		return e.HoverFunc(ctx, params)
	}

	return &protocol.Hover{Contents: protocol.MarkupContent{Kind: protocol.PlainText, Value: "hover"}}, nil
}

func (e *Engine) Completion(ctx context.Context, params *protocol.CompletionParams) (*protocol.CompletionList, error) {
	e.record("Completion")

	if e.CompletionFunc != nil {
		return e.CompletionFunc(ctx, params)
	}

	return &protocol.CompletionList{Items: []protocol.CompletionItem{}}, nil
}

func (e *Engine) SignatureHelp(context.Context, *protocol.SignatureHelpParams) (*protocol.SignatureHelp, error) {
	e.record("SignatureHelp")

	return nil, nil //nolint:nilnil // no signature
}

func (e *Engine) DocumentSymbol(context.Context, *protocol.DocumentSymbolParams) ([]protocol.DocumentSymbol, error) {
	e.record("DocumentSymbol")

	return []protocol.DocumentSymbol{}, nil
}

func (e *Engine) Formatting(context.Context, *protocol.DocumentFormattingParams) ([]protocol.TextEdit, error) {
	e.record("Formatting")

	return []protocol.TextEdit{}, nil
}

func (e *Engine) RangeFormatting(context.Context, *protocol.DocumentRangeFormattingParams) ([]protocol.TextEdit, error) {
	e.record("RangeFormatting")

	return []protocol.TextEdit{}, nil
}

func (e *Engine) OnTypeFormatting(context.Context, *protocol.DocumentOnTypeFormattingParams) ([]protocol.TextEdit, error) {
	e.record("OnTypeFormatting")

	return []protocol.TextEdit{}, nil
}

func (e *Engine) Reanalyze(ctx context.Context) error {
	e.record("Reanalyze")

	if e.ReanalyzeFunc != nil {
		return e.ReanalyzeFunc(ctx)
	}

	return nil
}

func (e *Engine) ClearDiagnostics(context.Context) error {
	e.record("ClearDiagnostics")

	return nil
}

func (e *Engine) Events() *engine.Events {
	return e.events
}

func (e *Engine) Close(ctx context.Context) error {
	e.record("Close")

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	if e.CloseFunc != nil {
		return e.CloseFunc(ctx)
	}

	e.events.Close()

	return nil
}
