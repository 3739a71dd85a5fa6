// Package basic is a lightweight line-oriented Python engine. It tracks open
// documents, scans def and class declarations, runs pycodestyle-like checks and
// answers editor queries from that information alone.
package basic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"

	"github.com/rlch/pyls/engine"
	"github.com/rlch/pyls/settings"
)

var (
	// ErrUnknownDocument is returned for a change to a document that is not open.
	ErrUnknownDocument = errors.New("basic: document not open")
	// ErrStaleVersion is returned for a change whose version is not newer than the
	// document's. The change is not applied.
	ErrStaleVersion = errors.New("basic: stale document version")
)

// Engine implements engine.Engine.
type Engine struct {
	logger *zap.Logger
	events *engine.Events

	mu       sync.RWMutex
	docs     map[protocol.DocumentURI]*document
	settings settings.Settings
	root     string

	closeOnce sync.Once
}

var _ engine.Engine = (*Engine)(nil)

// New creates an engine with default settings.
func New(logger *zap.Logger) *Engine {
	return &Engine{
		logger:   logger.Named("engine"),
		events:   engine.NewEvents(),
		docs:     make(map[protocol.DocumentURI]*document),
		settings: settings.Defaults(),
	}
}

// Events returns the engine's outbound streams.
func (e *Engine) Events() *engine.Events {
	return e.events
}

// Initialize records the workspace root and settings.
func (e *Engine) Initialize(ctx context.Context, params *protocol.InitializeParams, s settings.Settings) error {
	root := ""

	switch {
	case len(params.WorkspaceFolders) > 0:
		root = filename(params.WorkspaceFolders[0].URI)
	case params.RootURI != "":
		root = filename(string(params.RootURI))
	default:
		root = params.RootPath
	}

	e.mu.Lock()
	e.root = root
	e.settings = s
	e.mu.Unlock()

	e.logger.Info("Engine initialized", zap.String("root", root))

	e.publishLog(ctx, protocol.MessageTypeInfo, "Python engine ready for "+displayRoot(root))
	e.publishTelemetry(ctx, engine.Telemetry{
		Name: "engine.initialized",
		Properties: map[string]any{
			"workspaceFolders": len(params.WorkspaceFolders),
			"typeCheckingMode": s.Analysis.TypeCheckingMode,
		},
	})

	return nil
}

// SettingsChanged stores s and re-lints every open document.
func (e *Engine) SettingsChanged(ctx context.Context, s settings.Settings) {
	e.mu.Lock()
	e.settings = s
	e.mu.Unlock()

	if err := e.Reanalyze(ctx); err != nil {
		e.logger.Warn("Reanalyze after settings change failed", zap.Error(err))
	}
}

func (e *Engine) DidOpen(ctx context.Context, params *protocol.DidOpenTextDocumentParams) error {
	item := params.TextDocument
	doc := newDocument(item.URI, item.Version, item.Text)

	e.mu.Lock()
	e.docs[item.URI] = doc
	diags := lint(doc, e.settings)
	e.mu.Unlock()

	e.logger.Debug("Opened document", zap.String("uri", string(item.URI)), zap.Int("symbols", len(doc.symbols)))

	return e.publishDiagnostics(ctx, item.URI, item.Version, diags)
}

func (e *Engine) DidChange(ctx context.Context, u protocol.DocumentURI, version int32, changes []engine.Change) error {
	e.mu.Lock()

	doc, ok := e.docs[u]
	if !ok {
		e.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrUnknownDocument, u)
	}

	if version > 0 && version <= doc.version {
		current := doc.version
		e.mu.Unlock()

		return fmt.Errorf("%w: %s is at version %d, change is %d", ErrStaleVersion, u, current, version)
	}

	if err := doc.apply(version, changes); err != nil {
		e.mu.Unlock()

		return fmt.Errorf("apply changes to %s: %w", u, err)
	}

	diags := lint(doc, e.settings)
	e.mu.Unlock()

	return e.publishDiagnostics(ctx, u, version, diags)
}

func (e *Engine) DidClose(ctx context.Context, params *protocol.DidCloseTextDocumentParams) error {
	u := params.TextDocument.URI

	e.mu.Lock()
	delete(e.docs, u)
	e.mu.Unlock()

	return e.publishDiagnostics(ctx, u, 0, []protocol.Diagnostic{})
}

// DidSave re-lints the saved document. Text included in the notification replaces
// the tracked content.
func (e *Engine) DidSave(ctx context.Context, params *protocol.DidSaveTextDocumentParams) error {
	u := params.TextDocument.URI

	e.mu.Lock()

	doc, ok := e.docs[u]
	if !ok {
		e.mu.Unlock()

		return nil
	}

	if params.Text != "" {
		doc.setContent(params.Text)
	}

	version := doc.version
	diags := lint(doc, e.settings)
	e.mu.Unlock()

	return e.publishDiagnostics(ctx, u, version, diags)
}

func (e *Engine) WillSave(_ context.Context, params *protocol.WillSaveTextDocumentParams) error {
	e.logger.Debug("Will save", zap.String("uri", string(params.TextDocument.URI)), zap.Stringer("reason", params.Reason))

	return nil
}

// DidChangeWatchedFiles clears diagnostics of deleted files that are not open.
func (e *Engine) DidChangeWatchedFiles(ctx context.Context, params *protocol.DidChangeWatchedFilesParams) error {
	for _, change := range params.Changes {
		if change == nil {
			continue
		}

		e.logger.Debug("Watched file changed",
			zap.String("uri", string(change.URI)),
			zap.Stringer("type", change.Type))

		if change.Type != protocol.FileChangeTypeDeleted {
			continue
		}

		e.mu.RLock()
		_, open := e.docs[change.URI]
		e.mu.RUnlock()

		if open {
			continue
		}

		if err := e.publishDiagnostics(ctx, change.URI, 0, []protocol.Diagnostic{}); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) Hover(_ context.Context, params *protocol.HoverParams) (*protocol.Hover, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, ok := e.docs[params.TextDocument.URI]
	if !ok {
		return nil, nil //nolint:nilnil // nothing to show
	}

	return hover(doc, params.Position), nil
}

func (e *Engine) Completion(_ context.Context, params *protocol.CompletionParams) (*protocol.CompletionList, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, ok := e.docs[params.TextDocument.URI]
	if !ok {
		return &protocol.CompletionList{Items: []protocol.CompletionItem{}}, nil
	}

	return completion(doc, params.Position), nil
}

func (e *Engine) SignatureHelp(_ context.Context, params *protocol.SignatureHelpParams) (*protocol.SignatureHelp, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, ok := e.docs[params.TextDocument.URI]
	if !ok {
		return nil, nil //nolint:nilnil // nothing to show
	}

	return signatureHelp(doc, params.Position), nil
}

func (e *Engine) DocumentSymbol(_ context.Context, params *protocol.DocumentSymbolParams) ([]protocol.DocumentSymbol, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, ok := e.docs[params.TextDocument.URI]
	if !ok {
		return []protocol.DocumentSymbol{}, nil
	}

	return toProtocol(doc.symbols, doc.lines), nil
}

func (e *Engine) Formatting(_ context.Context, params *protocol.DocumentFormattingParams) ([]protocol.TextEdit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, ok := e.docs[params.TextDocument.URI]
	if !ok || len(doc.lines) == 0 {
		return []protocol.TextEdit{}, nil
	}

	last := uint32(len(doc.lines) - 1) //nolint:gosec // line count fits

	return formatLines(doc, 0, last, resolveOptions(params.Options, e.settings)), nil
}

// RangeFormatting formats the lines the range touches. A range ending at column 0
// does not include its last line.
func (e *Engine) RangeFormatting(_ context.Context, params *protocol.DocumentRangeFormattingParams) ([]protocol.TextEdit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, ok := e.docs[params.TextDocument.URI]
	if !ok {
		return []protocol.TextEdit{}, nil
	}

	first, last := params.Range.Start.Line, params.Range.End.Line
	if last > first && params.Range.End.Character == 0 {
		last--
	}

	return formatLines(doc, first, last, resolveOptions(params.Options, e.settings)), nil
}

// OnTypeFormatting formats the current line, and the line just finished when the
// trigger was a newline.
func (e *Engine) OnTypeFormatting(_ context.Context, params *protocol.DocumentOnTypeFormattingParams) ([]protocol.TextEdit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, ok := e.docs[params.TextDocument.URI]
	if !ok {
		return []protocol.TextEdit{}, nil
	}

	first := params.Position.Line
	if params.Ch == "\n" && first > 0 {
		first--
	}

	return formatLines(doc, first, params.Position.Line, resolveOptions(params.Options, e.settings)), nil
}

// Reanalyze re-lints every open document.
func (e *Engine) Reanalyze(ctx context.Context) error {
	type result struct {
		uri     protocol.DocumentURI
		version int32
		diags   []protocol.Diagnostic
	}

	e.mu.RLock()
	results := make([]result, 0, len(e.docs))

	for u, doc := range e.docs {
		results = append(results, result{uri: u, version: doc.version, diags: lint(doc, e.settings)})
	}
	e.mu.RUnlock()

	e.logger.Debug("Reanalyzing", zap.Int("documents", len(results)))

	for _, r := range results {
		if err := e.publishDiagnostics(ctx, r.uri, r.version, r.diags); err != nil {
			return err
		}
	}

	return nil
}

// ClearDiagnostics publishes empty diagnostics for every open document.
func (e *Engine) ClearDiagnostics(ctx context.Context) error {
	e.mu.RLock()
	versions := make(map[protocol.DocumentURI]int32, len(e.docs))

	for u, doc := range e.docs {
		versions[u] = doc.version
	}
	e.mu.RUnlock()

	for u, version := range versions {
		if err := e.publishDiagnostics(ctx, u, version, []protocol.Diagnostic{}); err != nil {
			return err
		}
	}

	return nil
}

// Close drops every document and closes the event streams.
func (e *Engine) Close(context.Context) error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.docs = make(map[protocol.DocumentURI]*document)
		e.mu.Unlock()

		e.events.Close()
		e.logger.Debug("Engine closed")
	})

	return nil
}

// Settings returns the settings the engine currently lints with.
func (e *Engine) Settings() settings.Settings {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.settings.Clone()
}

// Root returns the workspace root recorded by Initialize.
func (e *Engine) Root() string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.root
}

func (e *Engine) publishDiagnostics(ctx context.Context, u protocol.DocumentURI, version int32, diags []protocol.Diagnostic) error {
	err := e.events.Diagnostics.Publish(ctx, engine.Diagnostics{URI: u, Version: version, Diagnostics: diags})
	if errors.Is(err, engine.ErrTopicClosed) {
		e.logger.Debug("Dropped diagnostics after close", zap.String("uri", string(u)))

		return nil
	}

	return err
}

func (e *Engine) publishLog(ctx context.Context, typ protocol.MessageType, message string) {
	if err := e.events.Log.Publish(ctx, engine.LogMessage{Type: typ, Message: message}); err != nil {
		e.logger.Debug("Dropped log message", zap.Error(err))
	}
}

func (e *Engine) publishTelemetry(ctx context.Context, t engine.Telemetry) {
	if err := e.events.Telemetry.Publish(ctx, t); err != nil {
		e.logger.Debug("Dropped telemetry", zap.Error(err))
	}
}

// filename converts a file:// URI into a path and returns other URIs unchanged.
func filename(s string) string {
	if !strings.HasPrefix(s, "file://") {
		return s
	}

	return uri.New(s).Filename()
}

func displayRoot(root string) string {
	if root == "" {
		return "an empty workspace"
	}

	return root
}
