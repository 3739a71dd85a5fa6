package engine

import "go.lsp.dev/protocol"

// LogMessage is forwarded as window/logMessage.
type LogMessage struct {
	Type    protocol.MessageType
	Message string
}

// ShowMessage is forwarded as window/showMessage, or as window/showMessageRequest
// when Actions is not empty. The chosen action title, or "" when the user dismissed
// the message, is sent on Reply if it is non-nil.
type ShowMessage struct {
	Type    protocol.MessageType
	Message string
	Actions []string
	Reply   chan<- string
}

// Telemetry is forwarded as telemetry/event.
type Telemetry struct {
	Name       string
	Properties map[string]any
}

// Diagnostics is forwarded as textDocument/publishDiagnostics.
type Diagnostics struct {
	URI         protocol.DocumentURI
	Version     int32
	Diagnostics []protocol.Diagnostic
}

// Events groups the engine's outbound streams.
type Events struct {
	Log         *Topic[LogMessage]
	Show        *Topic[ShowMessage]
	Telemetry   *Topic[Telemetry]
	Diagnostics *Topic[Diagnostics]
}

// NewEvents creates an open set of topics.
func NewEvents() *Events {
	return &Events{
		Log:         NewTopic[LogMessage](),
		Show:        NewTopic[ShowMessage](),
		Telemetry:   NewTopic[Telemetry](),
		Diagnostics: NewTopic[Diagnostics](),
	}
}

// Close closes every topic.
func (e *Events) Close() {
	e.Log.Close()
	e.Show.Close()
	e.Telemetry.Close()
	e.Diagnostics.Close()
}
