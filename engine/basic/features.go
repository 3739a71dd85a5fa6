package basic

import (
	"sort"
	"strings"

	"go.lsp.dev/protocol"
)

var keywords = []string{
	"False", "None", "True", "and", "as", "assert", "async", "await", "break",
	"class", "continue", "def", "del", "elif", "else", "except", "finally", "for",
	"from", "global", "if", "import", "in", "is", "lambda", "nonlocal", "not", "or",
	"pass", "raise", "return", "try", "while", "with", "yield",
}

func isKeyword(word string) bool {
	i := sort.SearchStrings(keywords, word)

	return i < len(keywords) && keywords[i] == word
}

func init() {
	sort.Strings(keywords)
}

// hover describes the symbol or keyword under the cursor.
func hover(doc *document, pos protocol.Position) *protocol.Hover {
	line := doc.line(pos.Line)

	word, start := wordAt(line, pos.Character)
	if word == "" {
		return nil
	}

	rng := &protocol.Range{
		Start: protocol.Position{Line: pos.Line, Character: start},
		End:   protocol.Position{Line: pos.Line, Character: start + utf16Len(word)},
	}

	if sym, ok := findSymbol(doc.symbols, word); ok {
		return &protocol.Hover{
			Contents: protocol.MarkupContent{
				Kind:  protocol.Markdown,
				Value: "```python\n" + sym.signature() + "\n```",
			},
			Range: rng,
		}
	}

	if isKeyword(word) {
		return &protocol.Hover{
			Contents: protocol.MarkupContent{
				Kind:  protocol.Markdown,
				Value: "keyword `" + word + "`",
			},
			Range: rng,
		}
	}

	return nil
}

// completion offers keywords and the document's own symbols that extend the prefix
// before the cursor. After a "." only methods are offered.
func completion(doc *document, pos protocol.Position) *protocol.CompletionList {
	line := doc.line(pos.Line)
	before := line[:byteIndex(line, pos.Character)]

	prefix := before[len(strings.TrimRightFunc(before, isIdentRune)):]
	afterDot := strings.HasSuffix(before[:len(before)-len(prefix)], ".")

	items := []protocol.CompletionItem{}
	seen := make(map[string]bool)

	add := func(item protocol.CompletionItem) {
		if seen[item.Label] || !strings.HasPrefix(item.Label, prefix) {
			return
		}

		seen[item.Label] = true
		items = append(items, item)
	}

	walkSymbols(doc.symbols, func(s symbol) {
		if afterDot && s.kind != protocol.SymbolKindMethod {
			return
		}

		kind := protocol.CompletionItemKindFunction

		switch s.kind {
		case protocol.SymbolKindClass:
			kind = protocol.CompletionItemKindClass
		case protocol.SymbolKindMethod:
			kind = protocol.CompletionItemKindMethod
		}

		add(protocol.CompletionItem{Label: s.name, Kind: kind, Detail: s.signature()})
	})

	if !afterDot {
		for _, kw := range keywords {
			add(protocol.CompletionItem{Label: kw, Kind: protocol.CompletionItemKindKeyword})
		}
	}

	return &protocol.CompletionList{Items: items}
}

// signatureHelp finds the innermost unclosed call before the cursor on the current
// line and describes it if the callee is defined in the document.
func signatureHelp(doc *document, pos protocol.Position) *protocol.SignatureHelp {
	line := doc.line(pos.Line)
	before := line[:byteIndex(line, pos.Character)]

	depth := 0
	commas := 0

	for i := len(before) - 1; i >= 0; i-- {
		switch before[i] {
		case ')', ']', '}':
			depth++
		case '[', '{':
			depth--
		case ',':
			if depth == 0 {
				commas++
			}
		case '(':
			if depth > 0 {
				depth--

				continue
			}

			callee := strings.TrimRightFunc(before[:i], func(r rune) bool { return r == ' ' || r == '\t' })
			name := callee[len(strings.TrimRightFunc(callee, isIdentRune)):]

			sym, ok := findSymbol(doc.symbols, name)
			if !ok || name == "" {
				return nil
			}

			params := sym.parameters()
			info := protocol.SignatureInformation{Label: sym.signature()}

			for _, p := range params {
				info.Parameters = append(info.Parameters, protocol.ParameterInformation{Label: p})
			}

			active := uint32(commas) //nolint:gosec // small
			if n := len(params); n > 0 && int(active) >= n {
				active = uint32(n - 1) //nolint:gosec // small
			}

			return &protocol.SignatureHelp{
				Signatures:      []protocol.SignatureInformation{info},
				ActiveSignature: 0,
				ActiveParameter: active,
			}
		}
	}

	return nil
}
