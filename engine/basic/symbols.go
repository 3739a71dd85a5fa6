package basic

import (
	"regexp"
	"strings"

	"go.lsp.dev/protocol"
)

var defPattern = regexp.MustCompile(`^([ \t]*)(async[ \t]+def|def|class)[ \t]+([A-Za-z_][A-Za-z0-9_]*)[ \t]*(\([^)]*\)?)?`)

// symbol is a def or class found by scanning the document text.
type symbol struct {
	name     string
	kind     protocol.SymbolKind
	keyword  string
	params   string
	line     uint32
	column   uint32
	endLine  uint32
	indent   int
	children []symbol
}

// signature renders the declaration, e.g. "def f(a, b)".
func (s symbol) signature() string {
	if s.kind == protocol.SymbolKindClass {
		return s.keyword + " " + s.name + s.params
	}

	params := s.params
	if params == "" {
		params = "()"
	}

	return s.keyword + " " + s.name + params
}

// parameters returns the parameter labels, without self or cls for methods.
func (s symbol) parameters() []string {
	inner := strings.TrimSuffix(strings.TrimPrefix(s.params, "("), ")")
	if strings.TrimSpace(inner) == "" {
		return nil
	}

	var out []string

	for i, p := range strings.Split(inner, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}

		if i == 0 && s.kind == protocol.SymbolKindMethod && (p == "self" || p == "cls") {
			continue
		}

		out = append(out, p)
	}

	return out
}

// indentWidth counts leading whitespace, with a tab advancing to the next multiple of 8.
func indentWidth(line string) int {
	width := 0

	for _, r := range line {
		switch r {
		case ' ':
			width++
		case '\t':
			width += 8 - width%8
		default:
			return width
		}
	}

	return width
}

// parseSymbols builds the def/class tree. A block ends at the last non-blank line
// before the next line indented no deeper than its header.
func parseSymbols(lines []string) []symbol {
	// Built with indices since children slices grow while their parents are open.
	type node struct {
		sym      symbol
		children []int
	}

	var (
		nodes    []node
		roots    []int
		open     []int
		lastCode uint32
	)

	for i, raw := range lines {
		line := strings.TrimSuffix(raw, "\r")

		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		indent := indentWidth(line)

		for len(open) > 0 && nodes[open[len(open)-1]].sym.indent >= indent {
			nodes[open[len(open)-1]].sym.endLine = lastCode
			open = open[:len(open)-1]
		}

		lastCode = uint32(i) //nolint:gosec // line count fits

		m := defPattern.FindStringSubmatchIndex(line)
		if m == nil {
			continue
		}

		keyword := strings.Join(strings.Fields(line[m[4]:m[5]]), " ")

		kind := protocol.SymbolKindFunction

		switch {
		case keyword == "class":
			kind = protocol.SymbolKindClass
		case len(open) > 0 && nodes[open[len(open)-1]].sym.kind == protocol.SymbolKindClass:
			kind = protocol.SymbolKindMethod
		}

		params := ""
		if m[8] >= 0 {
			params = line[m[8]:m[9]]
		}

		nodes = append(nodes, node{sym: symbol{
			name:    line[m[6]:m[7]],
			kind:    kind,
			keyword: keyword,
			params:  params,
			line:    lastCode,
			column:  utf16Len(line[:m[6]]),
			endLine: lastCode,
			indent:  indent,
		}})
		idx := len(nodes) - 1

		if len(open) > 0 {
			parent := open[len(open)-1]
			nodes[parent].children = append(nodes[parent].children, idx)
		} else {
			roots = append(roots, idx)
		}

		open = append(open, idx)
	}

	for _, idx := range open {
		nodes[idx].sym.endLine = lastCode
	}

	var build func(idx int) symbol

	build = func(idx int) symbol {
		s := nodes[idx].sym
		for _, c := range nodes[idx].children {
			s.children = append(s.children, build(c))
		}

		return s
	}

	out := make([]symbol, 0, len(roots))
	for _, idx := range roots {
		out = append(out, build(idx))
	}

	return out
}

// walkSymbols visits every symbol depth-first.
func walkSymbols(symbols []symbol, visit func(symbol)) {
	for _, s := range symbols {
		visit(s)
		walkSymbols(s.children, visit)
	}
}

// findSymbol returns the first symbol with the given name.
func findSymbol(symbols []symbol, name string) (symbol, bool) {
	var (
		found symbol
		ok    bool
	)

	walkSymbols(symbols, func(s symbol) {
		if !ok && s.name == name {
			found, ok = s, true
		}
	})

	return found, ok
}

// toProtocol converts the tree for textDocument/documentSymbol.
func toProtocol(symbols []symbol, lines []string) []protocol.DocumentSymbol {
	out := make([]protocol.DocumentSymbol, 0, len(symbols))

	for _, s := range symbols {
		endChar := uint32(0)
		if int(s.endLine) < len(lines) {
			endChar = utf16Len(strings.TrimSuffix(lines[s.endLine], "\r"))
		}

		ds := protocol.DocumentSymbol{
			Name:   s.name,
			Detail: s.signature(),
			Kind:   s.kind,
			Range: protocol.Range{
				Start: protocol.Position{Line: s.line, Character: 0},
				End:   protocol.Position{Line: s.endLine, Character: endChar},
			},
			SelectionRange: protocol.Range{
				Start: protocol.Position{Line: s.line, Character: s.column},
				End:   protocol.Position{Line: s.line, Character: s.column + utf16Len(s.name)},
			},
		}

		if len(s.children) > 0 {
			ds.Children = toProtocol(s.children, lines)
		}

		out = append(out, ds)
	}

	return out
}
