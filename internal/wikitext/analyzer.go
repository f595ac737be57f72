// Package wikitext locates the structural regions of MediaWiki markup that
// matter for list indentation: the byte ranges whose newlines must not be
// treated as line boundaries, table openings, and constructs whose content
// ends a list. It is deliberately not a full parser.
package wikitext

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Analyzer answers structural questions about wikitext. The zero value is
// ready to use.
type Analyzer struct {
	tableTemplates map[string]bool
}

// New returns an Analyzer that also treats a line opening with any of the
// named templates as a table opening.
func New(tableTemplates ...string) *Analyzer {
	a := &Analyzer{}
	a.SetTableTemplates(tableTemplates)
	return a
}

// SetTableTemplates replaces the set of templates known to render tables.
// It is not safe to call concurrently with other methods.
func (a *Analyzer) SetTableTemplates(names []string) {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[normalizeTitle(n)] = true
	}
	a.tableTemplates = m
}

// ProtectedSpans returns the byte ranges of text whose newlines do not
// delimit lines: tables, templates, comments and extension tag bodies in
// full; HTML tag brackets; the text part of piped links; and parser
// function arguments.
func (a *Analyzer) ProtectedSpans(text string) []Span {
	var spans []Span
	for _, el := range Scan(text) {
		if el.Protected.Empty() {
			continue
		}
		if strings.IndexByte(text[el.Protected.Start:el.Protected.End], '\n') < 0 {
			continue
		}
		spans = append(spans, el.Protected)
	}
	return spans
}

// Links returns the inner span (between the brackets) of every wikilink.
func (a *Analyzer) Links(text string) []Span {
	var spans []Span
	for _, el := range Scan(text) {
		if el.Kind == KindLink {
			spans = append(spans, el.Inner)
		}
	}
	return spans
}

// IsTableOpening reports whether content, the text of a line after its
// indentation markers, starts with a table. Leading whitespace and comments
// are skipped.
func (a *Analyzer) IsTableOpening(content string) bool {
	s := skipBlankAndComments(content)
	if strings.HasPrefix(s, "{|") {
		return true
	}
	if !strings.HasPrefix(s, "{{") || len(a.tableTemplates) == 0 {
		return false
	}
	s = s[2:]
	if k := strings.IndexAny(s, "|}\n"); k >= 0 {
		s = s[:k]
	}
	return a.tableTemplates[normalizeTitle(s)]
}

// BreaksStructure reports whether line contains a newline that ends an
// enclosing list: one inside a table or inside the body of a block-level
// extension tag such as <pre> or <syntaxhighlight>.
func (a *Analyzer) BreaksStructure(line string) bool {
	for _, el := range Scan(line) {
		switch el.Kind {
		case KindTable:
			if strings.IndexByte(line[el.Span.Start:el.Span.End], '\n') >= 0 {
				return true
			}
		case KindTag:
			if breaksLists(el.Name) && strings.IndexByte(line[el.Inner.Start:el.Inner.End], '\n') >= 0 {
				return true
			}
		}
	}
	return false
}

func skipBlankAndComments(s string) string {
	for {
		t := strings.TrimLeft(s, " \t\r\n")
		if !strings.HasPrefix(t, "<!--") {
			return t
		}
		end := strings.Index(t[4:], "-->")
		if end < 0 {
			return ""
		}
		s = t[4+end+3:]
	}
}

// normalizeTitle maps template names to a canonical key: namespace prefix
// dropped, underscores as spaces, surrounding space trimmed, first letter
// upper-cased.
func normalizeTitle(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "_", " "))
	if len(s) > len("template:") && strings.EqualFold(s[:len("template:")], "template:") {
		s = strings.TrimSpace(s[len("template:"):])
	}
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
