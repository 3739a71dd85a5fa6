// Package engine defines the contract between the language server session and the
// analysis engine, along with the event streams the engine publishes to the client.
package engine

import (
	"context"

	"go.lsp.dev/protocol"

	"github.com/rlch/pyls/settings"
)

// Engine performs analysis. All methods may be called concurrently.
type Engine interface {
	// Initialize is called once while handling the initialize request.
	Initialize(ctx context.Context, params *protocol.InitializeParams, s settings.Settings) error
	// SettingsChanged is called after every settings replacement.
	SettingsChanged(ctx context.Context, s settings.Settings)

	DidOpen(ctx context.Context, params *protocol.DidOpenTextDocumentParams) error
	DidChange(ctx context.Context, uri protocol.DocumentURI, version int32, changes []Change) error
	DidClose(ctx context.Context, params *protocol.DidCloseTextDocumentParams) error
	DidSave(ctx context.Context, params *protocol.DidSaveTextDocumentParams) error
	WillSave(ctx context.Context, params *protocol.WillSaveTextDocumentParams) error
	DidChangeWatchedFiles(ctx context.Context, params *protocol.DidChangeWatchedFilesParams) error

	Hover(ctx context.Context, params *protocol.HoverParams) (*protocol.Hover, error)
	Completion(ctx context.Context, params *protocol.CompletionParams) (*protocol.CompletionList, error)
	SignatureHelp(ctx context.Context, params *protocol.SignatureHelpParams) (*protocol.SignatureHelp, error)
	DocumentSymbol(ctx context.Context, params *protocol.DocumentSymbolParams) ([]protocol.DocumentSymbol, error)
	Formatting(ctx context.Context, params *protocol.DocumentFormattingParams) ([]protocol.TextEdit, error)
	RangeFormatting(ctx context.Context, params *protocol.DocumentRangeFormattingParams) ([]protocol.TextEdit, error)
	OnTypeFormatting(ctx context.Context, params *protocol.DocumentOnTypeFormattingParams) ([]protocol.TextEdit, error)

	// Reanalyze recomputes diagnostics for every open document.
	Reanalyze(ctx context.Context) error
	// ClearDiagnostics publishes empty diagnostics for every open document.
	ClearDiagnostics(ctx context.Context) error

	// Events returns the engine's outbound event streams.
	Events() *Events
	// Close releases the engine. Pending work should stop when ctx is done.
	Close(ctx context.Context) error
}

// Change is one content change of a didChange notification. A nil Range replaces
// the whole document.
type Change struct {
	Range *protocol.Range `json:"range,omitempty"`
	Text  string          `json:"text"`
}
