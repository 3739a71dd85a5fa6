package lsp

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/rlch/pyls/engine"
	"github.com/rlch/pyls/rpc"
)

// didChangeParams mirrors protocol.DidChangeTextDocumentParams with an optional range,
// since an absent range means a full document replacement.
type didChangeParams struct {
	TextDocument   protocol.VersionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []engine.Change                          `json:"contentChanges"`
}

// didChangeConfigurationParams keeps the settings payload raw for the settings manager.
type didChangeConfigurationParams struct {
	Settings json.RawMessage `json:"settings"`
}

type noParams struct{}

func (s *Session) register() {
	d := s.dispatcher

	// Edits to one document apply in arrival order, and requests about a document
	// see every edit sent before them.
	byDoc := rpc.Ordered(rpc.TextDocumentKey)

	// Lifecycle.
	rpc.Request(d, protocol.MethodInitialize, s.initialize)
	rpc.Notification(d, protocol.MethodInitialized, s.initialized)
	rpc.Request(d, protocol.MethodShutdown, s.shutdown)
	rpc.Notification(d, protocol.MethodExit, s.exit)
	rpc.Notification(d, protocol.MethodSetTrace, s.setTrace)

	// Text synchronization.
	rpc.Notification(d, protocol.MethodTextDocumentDidOpen, s.engine.DidOpen, byDoc)
	rpc.Notification(d, protocol.MethodTextDocumentDidChange, s.didChange, byDoc)
	rpc.Notification(d, protocol.MethodTextDocumentDidClose, s.engine.DidClose, byDoc)
	rpc.Notification(d, protocol.MethodTextDocumentDidSave, s.engine.DidSave, byDoc)
	rpc.Notification(d, protocol.MethodTextDocumentWillSave, s.engine.WillSave, byDoc)

	// Language features.
	rpc.Request(d, protocol.MethodTextDocumentHover, s.engine.Hover, byDoc)
	rpc.Request(d, protocol.MethodTextDocumentCompletion, s.engine.Completion, byDoc)
	rpc.Request(d, protocol.MethodTextDocumentSignatureHelp, s.engine.SignatureHelp, byDoc)
	rpc.Request(d, protocol.MethodTextDocumentDocumentSymbol, s.engine.DocumentSymbol, byDoc)
	rpc.Request(d, protocol.MethodTextDocumentFormatting, s.engine.Formatting, byDoc)
	rpc.Request(d, protocol.MethodTextDocumentRangeFormatting, s.engine.RangeFormatting, byDoc)
	rpc.Request(d, protocol.MethodTextDocumentOnTypeFormatting, s.engine.OnTypeFormatting, byDoc)

	// Workspace.
	rpc.Notification(d, protocol.MethodWorkspaceDidChangeConfiguration, s.didChangeConfiguration)
	rpc.Notification(d, protocol.MethodWorkspaceDidChangeWatchedFiles, s.engine.DidChangeWatchedFiles)
	rpc.Request(d, protocol.MethodWorkspaceExecuteCommand, s.executeCommand)
}

// initialize decodes its own params so that a malformed request still resets the
// lifecycle, which the gate has already moved to Initializing.
func (s *Session) initialize(ctx context.Context, raw *json.RawMessage) (*protocol.InitializeResult, error) {
	params := &protocol.InitializeParams{}
	if len(*raw) > 0 {
		if err := json.Unmarshal(*raw, params); err != nil {
			s.lifecycle.initializeFailed()

			return nil, jsonrpc2.Errorf(jsonrpc2.InvalidParams, "invalid params: %v", err)
		}
	}

	clientName := ""
	if params.ClientInfo != nil {
		clientName = params.ClientInfo.Name
	}

	s.logger.Info("Initialize",
		zap.Int32("processId", params.ProcessID),
		zap.String("client", clientName),
		zap.String("rootUri", string(params.RootURI)),
		zap.Int("workspaceFolders", len(params.WorkspaceFolders)))

	if params.InitializationOptions != nil {
		raw, err := json.Marshal(params.InitializationOptions)
		if err == nil {
			err = s.settings.Apply(ctx, raw)
		}

		if err != nil {
			s.lifecycle.initializeFailed()

			return nil, jsonrpc2.Errorf(jsonrpc2.InvalidParams, "invalid initializationOptions: %v", err)
		}
	}

	if err := s.engine.Initialize(ctx, params, s.settings.Current()); err != nil {
		s.lifecycle.initializeFailed()

		return nil, err
	}

	caps := s.buildCapabilities()

	s.mu.Lock()
	s.clientInfo = params.ClientInfo
	s.processID = params.ProcessID
	s.trace = params.Trace
	s.capabilities = &caps
	s.mu.Unlock()

	s.lifecycle.capabilitiesReady()

	return &protocol.InitializeResult{
		Capabilities: caps,
		ServerInfo: &protocol.ServerInfo{
			Name:    "pyls",
			Version: s.version,
		},
	}, nil
}

// completionTriggers are the identifier start characters plus Python's
// decorator, annotation and attribute punctuation.
func completionTriggers() []string {
	triggers := make([]string, 0, 26*2+6)

	for c := 'A'; c <= 'Z'; c++ {
		triggers = append(triggers, string(c))
	}

	for c := 'a'; c <= 'z'; c++ {
		triggers = append(triggers, string(c))
	}

	return append(triggers, "`", ":", "$", "@", "_", ".")
}

func (s *Session) buildCapabilities() protocol.ServerCapabilities {
	return protocol.ServerCapabilities{
		TextDocumentSync: &protocol.TextDocumentSyncOptions{
			OpenClose: true,
			Change:    protocol.TextDocumentSyncKindIncremental,
			WillSave:  true,
		},
		HoverProvider: true,
		CompletionProvider: &protocol.CompletionOptions{
			TriggerCharacters: completionTriggers(),
		},
		SignatureHelpProvider: &protocol.SignatureHelpOptions{
			TriggerCharacters:   []string{"(", ","},
			RetriggerCharacters: []string{","},
		},
		DocumentSymbolProvider:          true,
		DocumentFormattingProvider:      true,
		DocumentRangeFormattingProvider: true,
		DocumentOnTypeFormattingProvider: &protocol.DocumentOnTypeFormattingOptions{
			FirstTriggerCharacter: ";",
			MoreTriggerCharacter:  []string{"}", "\n"},
		},
		ExecuteCommandProvider: &protocol.ExecuteCommandOptions{
			Commands: s.commands.Commands(),
		},
	}
}

func (s *Session) initialized(context.Context, *protocol.InitializedParams) error {
	s.logger.Info("Initialized")

	return nil
}

func (s *Session) shutdown(context.Context, *noParams) (any, error) {
	s.logger.Info("Shutdown")

	return nil, nil
}

func (s *Session) exit(context.Context, *noParams) error {
	s.logger.Info("Exit", zap.Stringer("state", s.State()))
	s.lifecycle.exit()
	s.Stop()

	return nil
}

func (s *Session) setTrace(_ context.Context, params *protocol.SetTraceParams) error {
	s.mu.Lock()
	s.trace = params.Value
	s.mu.Unlock()

	s.logger.Debug("Trace level changed", zap.String("value", string(params.Value)))

	return nil
}

// traceMessage sends $/logTrace for a handled message while the client has tracing
// on. Verbose tracing adds the handler's error.
func (s *Session) traceMessage(ctx context.Context, method string, kind rpc.Kind, elapsed time.Duration, err error) {
	s.mu.RLock()
	trace, conn := s.trace, s.conn
	s.mu.RUnlock()

	if conn == nil || (trace != protocol.TraceMessage && trace != protocol.TraceVerbose) {
		return
	}

	params := &protocol.LogTraceParams{
		Message: fmt.Sprintf("Handled %s '%s' in %dms.", kind, method, elapsed.Milliseconds()),
	}

	if err != nil {
		params.Message = fmt.Sprintf("Handled %s '%s' in %dms. Failed.", kind, method, elapsed.Milliseconds())

		if trace == protocol.TraceVerbose {
			params.Verbose = protocol.TraceValue(err.Error())
		}
	}

	if nerr := conn.Notify(ctx, protocol.MethodLogTrace, params); nerr != nil {
		s.logger.Debug("Failed to send trace", zap.String("method", method), zap.Error(nerr))
	}
}

func (s *Session) didChange(ctx context.Context, params *didChangeParams) error {
	return s.engine.DidChange(ctx, params.TextDocument.URI, params.TextDocument.Version, params.ContentChanges)
}

func (s *Session) didChangeConfiguration(ctx context.Context, params *didChangeConfigurationParams) error {
	return s.settings.Apply(ctx, params.Settings)
}

func (s *Session) executeCommand(ctx context.Context, params *protocol.ExecuteCommandParams) (any, error) {
	return s.commands.Execute(ctx, params.Command, params.Arguments), nil
}
