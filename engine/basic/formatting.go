package basic

import (
	"strings"

	"go.lsp.dev/protocol"

	"github.com/rlch/pyls/settings"
)

// formatOptions are the effective indentation options for one request.
type formatOptions struct {
	tabSize      int
	insertSpaces bool
}

// resolveOptions prefers the client's request options and falls back to settings.
func resolveOptions(opts protocol.FormattingOptions, s settings.Settings) formatOptions {
	if opts.TabSize == 0 {
		return formatOptions{tabSize: s.Editor.TabSize, insertSpaces: s.Editor.InsertSpaces}
	}

	return formatOptions{tabSize: int(opts.TabSize), insertSpaces: opts.InsertSpaces}
}

// formatLine strips trailing whitespace and, when inserting spaces, expands tabs in
// the leading indentation.
func formatLine(line string, opts formatOptions) string {
	line = strings.TrimRight(line, " \t")

	if !opts.insertSpaces || opts.tabSize <= 0 {
		return line
	}

	body := strings.TrimLeft(line, " \t")
	indent := line[:len(line)-len(body)]

	if !strings.Contains(indent, "\t") {
		return line
	}

	var b strings.Builder

	width := 0

	for _, r := range indent {
		if r == '\t' {
			pad := opts.tabSize - width%opts.tabSize
			b.WriteString(strings.Repeat(" ", pad))
			width += pad

			continue
		}

		b.WriteRune(r)
		width++
	}

	return b.String() + body
}

// formatLines returns one edit per changed line in [first, last]. The result is never nil.
func formatLines(doc *document, first, last uint32, opts formatOptions) []protocol.TextEdit {
	edits := []protocol.TextEdit{}

	if len(doc.lines) == 0 {
		return edits
	}

	if end := uint32(len(doc.lines) - 1); last > end { //nolint:gosec // line count fits
		last = end
	}

	for n := first; n <= last; n++ {
		line := doc.line(n)

		formatted := formatLine(line, opts)
		if formatted == line {
			continue
		}

		edits = append(edits, protocol.TextEdit{
			Range:   lineRange(n, line),
			NewText: formatted,
		})
	}

	return edits
}
