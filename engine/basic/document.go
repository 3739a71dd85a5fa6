package basic

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"go.lsp.dev/protocol"

	"github.com/rlch/pyls/engine"
)

// ErrRangeOutOfBounds is returned for a change whose range lies outside the document.
var ErrRangeOutOfBounds = errors.New("basic: range out of bounds")

// document is an open text document. Positions are in UTF-16 code units.
type document struct {
	uri     protocol.DocumentURI
	version int32
	content string
	lines   []string
	symbols []symbol
}

func newDocument(uri protocol.DocumentURI, version int32, content string) *document {
	d := &document{uri: uri, version: version}
	d.setContent(content)

	return d
}

func (d *document) setContent(content string) {
	d.content = content
	d.lines = strings.Split(content, "\n")
	d.symbols = parseSymbols(d.lines)
}

// apply applies changes in order. A change without a range replaces the document.
func (d *document) apply(version int32, changes []engine.Change) error {
	content := d.content

	for _, change := range changes {
		if change.Range == nil {
			content = change.Text

			continue
		}

		start, err := offsetOf(content, change.Range.Start)
		if err != nil {
			return err
		}

		end, err := offsetOf(content, change.Range.End)
		if err != nil {
			return err
		}

		if end < start {
			return fmt.Errorf("%w: end before start", ErrRangeOutOfBounds)
		}

		content = content[:start] + change.Text + content[end:]
	}

	d.version = version
	d.setContent(content)

	return nil
}

// line returns line n, or "" when n is out of range.
func (d *document) line(n uint32) string {
	if int(n) >= len(d.lines) {
		return ""
	}

	return strings.TrimSuffix(d.lines[n], "\r")
}

// offsetOf converts an LSP position into a byte offset within content.
// A character past the end of its line clamps to the line end.
func offsetOf(content string, pos protocol.Position) (int, error) {
	offset := 0

	for range pos.Line {
		i := strings.IndexByte(content[offset:], '\n')
		if i < 0 {
			return 0, fmt.Errorf("%w: line %d", ErrRangeOutOfBounds, pos.Line)
		}

		offset += i + 1
	}

	lineEnd := strings.IndexByte(content[offset:], '\n')
	if lineEnd < 0 {
		lineEnd = len(content) - offset
	}

	return offset + byteIndex(content[offset:offset+lineEnd], pos.Character), nil
}

// byteIndex converts a UTF-16 column into a byte index within line, clamping at the end.
func byteIndex(line string, character uint32) int {
	var units uint32

	for i, r := range line {
		if units >= character {
			return i
		}

		units += uint32(utf16.RuneLen(r)) //nolint:gosec // RuneLen is 1 or 2
	}

	return len(line)
}

// utf16Len returns the length of s in UTF-16 code units.
func utf16Len(s string) uint32 {
	var n uint32

	for _, r := range s {
		n += uint32(utf16.RuneLen(r)) //nolint:gosec // RuneLen is 1 or 2
	}

	return n
}

// wordAt returns the identifier touching the cursor and its starting column.
func wordAt(line string, character uint32) (string, uint32) {
	idx := byteIndex(line, character)

	start := idx
	for start > 0 {
		r, size := utf8.DecodeLastRuneInString(line[:start])
		if !isIdentRune(r) {
			break
		}

		start -= size
	}

	end := idx
	for end < len(line) {
		r, size := utf8.DecodeRuneInString(line[end:])
		if !isIdentRune(r) {
			break
		}

		end += size
	}

	return line[start:end], utf16Len(line[:start])
}

func isIdentRune(r rune) bool {
	return r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r >= utf8.RuneSelf
}

// lineRange spans all of line n.
func lineRange(n uint32, line string) protocol.Range {
	return protocol.Range{
		Start: protocol.Position{Line: n, Character: 0},
		End:   protocol.Position{Line: n, Character: utf16Len(line)},
	}
}
