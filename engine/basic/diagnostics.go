package basic

import (
	"fmt"
	"strings"

	"go.lsp.dev/protocol"

	"github.com/rlch/pyls/settings"
)

// Source is reported on every diagnostic.
const Source = "pyls"

// Diagnostic codes follow pycodestyle.
const (
	CodeLineTooLong        = "E501"
	CodeTrailingWhitespace = "W291"
	CodeTabIndent          = "W191"
)

// lint checks doc against the enabled rules. The result is never nil.
func lint(doc *document, s settings.Settings) []protocol.Diagnostic {
	diagnostics := []protocol.Diagnostic{}

	if !s.Linting.Enabled {
		return diagnostics
	}

	for i := range doc.lines {
		n := uint32(i) //nolint:gosec // line count fits
		line := doc.line(n)
		width := utf16Len(line)

		if s.Linting.MaxLineLengthEnabled && s.Editor.MaxLineLength > 0 && width > uint32(s.Editor.MaxLineLength) { //nolint:gosec // validated non-negative
			diagnostics = append(diagnostics, protocol.Diagnostic{
				Range: protocol.Range{
					Start: protocol.Position{Line: n, Character: uint32(s.Editor.MaxLineLength)}, //nolint:gosec // validated non-negative
					End:   protocol.Position{Line: n, Character: width},
				},
				Severity: protocol.DiagnosticSeverityWarning,
				Code:     CodeLineTooLong,
				Source:   Source,
				Message:  fmt.Sprintf("line too long (%d > %d characters)", width, s.Editor.MaxLineLength),
			})
		}

		if s.Linting.TrailingWhitespaceEnabled {
			if trimmed := strings.TrimRight(line, " \t"); len(trimmed) < len(line) {
				diagnostics = append(diagnostics, protocol.Diagnostic{
					Range: protocol.Range{
						Start: protocol.Position{Line: n, Character: utf16Len(trimmed)},
						End:   protocol.Position{Line: n, Character: width},
					},
					Severity: protocol.DiagnosticSeverityInformation,
					Code:     CodeTrailingWhitespace,
					Source:   Source,
					Message:  "trailing whitespace",
				})
			}
		}

		if s.Editor.InsertSpaces && strings.HasPrefix(line, "\t") && strings.TrimSpace(line) != "" {
			indent := len(line) - len(strings.TrimLeft(line, " \t"))

			diagnostics = append(diagnostics, protocol.Diagnostic{
				Range: protocol.Range{
					Start: protocol.Position{Line: n, Character: 0},
					End:   protocol.Position{Line: n, Character: uint32(indent)}, //nolint:gosec // ASCII indent
				},
				Severity: protocol.DiagnosticSeverityWarning,
				Code:     CodeTabIndent,
				Source:   Source,
				Message:  "indentation contains tabs",
			})
		}
	}

	return diagnostics
}
