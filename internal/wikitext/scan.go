package wikitext

import (
	"sort"
	"strings"
)

// Kind identifies the syntactic construct an Element was scanned from.
type Kind int

const (
	KindComment        Kind = iota // <!-- ... -->
	KindTag                        // extension tag with a body, e.g. <pre>...</pre>
	KindTagBracket                 // a single HTML tag, e.g. <div class="x">
	KindTemplate                   // {{name|...}} and {{{param}}}
	KindParserFunction             // {{#if:...}}
	KindTable                      // {| ... |}
	KindLink                       // [[target]] or [[target|text]]
)

// Span is a half-open byte range [Start, End) of a document.
type Span struct {
	Start int
	End   int
}

// Contains reports whether offset i lies inside the span.
func (s Span) Contains(i int) bool {
	return s.Start <= i && i < s.End
}

// Empty reports whether the span covers no bytes.
func (s Span) Empty() bool {
	return s.End <= s.Start
}

// Element is one construct found by Scan.
type Element struct {
	Kind Kind
	// Name is the lower-cased tag name for tags, or the trimmed template name.
	Name string
	// Span is the full extent of the construct.
	Span Span
	// Inner is the tag body or the text between a link's brackets.
	Inner Span
	// Protected is the region whose newlines must not be treated as line
	// breaks. It may be empty, e.g. for an unpiped link.
	Protected Span
}

type frame struct {
	kind  Kind
	start int
	pipe  int
	colon int
}

// Scan walks text once and returns the comments, tags, templates, parser
// functions, tables and links it contains, ordered by start offset.
// Elements are either nested or disjoint. Unterminated constructs are
// dropped, except comments, which run to the end of the text.
func Scan(text string) []Element {
	var (
		out   []Element
		stack []frame
		lower = asciiLower(text)
		n     = len(text)
	)

	for i := 0; i < n; {
		c := text[i]
		switch {
		case strings.HasPrefix(text[i:], "<!--"):
			end := strings.Index(text[i+4:], "-->")
			if end < 0 {
				end = n
			} else {
				end = i + 4 + end + 3
			}
			sp := Span{i, end}
			out = append(out, Element{Kind: KindComment, Span: sp, Inner: sp, Protected: sp})
			i = end

		case c == '<':
			t, ok := parseTag(text, i)
			if !ok {
				i++
				continue
			}
			if !t.closing && !t.selfClosing && IsExtensionTag(t.name) {
				if bodyEnd, end, ok := findClose(lower, t.end, t.name); ok {
					sp := Span{i, end}
					out = append(out, Element{
						Kind:      KindTag,
						Name:      t.name,
						Span:      sp,
						Inner:     Span{t.end, bodyEnd},
						Protected: sp,
					})
					i = end
					continue
				}
			}
			sp := Span{i, t.end}
			out = append(out, Element{Kind: KindTagBracket, Name: t.name, Span: sp, Protected: sp})
			i = t.end

		case c == '{' && i+1 < n && text[i+1] == '|' && atLineStart(text, i, " \t:*#"):
			stack = append(stack, frame{kind: KindTable, start: i, pipe: -1, colon: -1})
			i += 2

		case c == '|' && i+1 < n && text[i+1] == '}' && atLineStart(text, i, " \t") && hasFrame(stack, KindTable):
			var f frame
			f, stack = unwind(stack, KindTable)
			sp := Span{f.start, i + 2}
			out = append(out, Element{Kind: KindTable, Span: sp, Inner: sp, Protected: sp})
			i += 2

		case c == '{' && i+1 < n && text[i+1] == '{':
			stack = append(stack, frame{kind: KindTemplate, start: i, pipe: -1, colon: -1})
			i += 2

		case c == '}' && i+1 < n && text[i+1] == '}' && hasFrame(stack, KindTemplate):
			var f frame
			f, stack = unwind(stack, KindTemplate)
			out = append(out, templateElement(text, f, i+2))
			i += 2

		case c == '[' && i+1 < n && text[i+1] == '[':
			stack = append(stack, frame{kind: KindLink, start: i, pipe: -1, colon: -1})
			i += 2

		case c == ']' && i+1 < n && text[i+1] == ']' && hasFrame(stack, KindLink):
			var f frame
			f, stack = unwind(stack, KindLink)
			el := Element{Kind: KindLink, Span: Span{f.start, i + 2}, Inner: Span{f.start + 2, i}}
			if f.pipe >= 0 {
				el.Name = strings.TrimSpace(text[f.start+2 : f.pipe])
				el.Protected = Span{f.pipe, i + 2}
			} else {
				el.Name = strings.TrimSpace(text[f.start+2 : i])
			}
			out = append(out, el)
			i += 2

		case c == '|' && len(stack) > 0:
			if top := &stack[len(stack)-1]; top.pipe < 0 {
				top.pipe = i
			}
			i++

		case c == ':' && len(stack) > 0:
			if top := &stack[len(stack)-1]; top.kind == KindTemplate && top.pipe < 0 && top.colon < 0 {
				top.colon = i
			}
			i++

		default:
			i++
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Span.Start != out[b].Span.Start {
			return out[a].Span.Start < out[b].Span.Start
		}
		return out[a].Span.End > out[b].Span.End
	})
	return out
}

// templateElement classifies a closed {{...}} frame. Parser functions only
// protect the region from their colon onwards.
func templateElement(text string, f frame, end int) Element {
	nameEnd := end - 2
	if f.pipe >= 0 {
		nameEnd = f.pipe
	}
	if f.colon >= 0 && f.colon < nameEnd {
		nameEnd = f.colon
	}
	name := strings.TrimSpace(strings.TrimLeft(text[f.start:nameEnd], "{"))
	sp := Span{f.start, end}
	if strings.HasPrefix(name, "#") && f.colon >= 0 {
		return Element{Kind: KindParserFunction, Name: name, Span: sp, Inner: sp, Protected: Span{f.colon, end}}
	}
	return Element{Kind: KindTemplate, Name: name, Span: sp, Inner: sp, Protected: sp}
}

type tag struct {
	name        string
	closing     bool
	selfClosing bool
	end         int // offset just past '>'
}

// parseTag reads an HTML-like tag starting at text[i] == '<'.
func parseTag(text string, i int) (tag, bool) {
	j := i + 1
	var t tag
	if j < len(text) && text[j] == '/' {
		t.closing = true
		j++
	}
	start := j
	for j < len(text) && (isAlpha(text[j]) || (j > start && isDigit(text[j]))) {
		j++
	}
	if j == start || j >= len(text) {
		return tag{}, false
	}
	if d := text[j]; d != '>' && d != '/' && !isSpace(d) {
		return tag{}, false
	}
	k := strings.IndexAny(text[j:], "<>")
	if k < 0 || text[j+k] != '>' {
		return tag{}, false
	}
	t.name = asciiLower(text[start:j])
	t.end = j + k + 1
	t.selfClosing = !t.closing && text[t.end-2] == '/'
	return t, true
}

// findClose finds the closing tag for name at or after from in the
// lower-cased text. It returns the offset of "</" and the offset just past
// the closing '>'.
func findClose(lower string, from int, name string) (bodyEnd, end int, ok bool) {
	needle := "</" + name
	for from < len(lower) {
		k := strings.Index(lower[from:], needle)
		if k < 0 {
			return 0, 0, false
		}
		at := from + k
		j := at + len(needle)
		for j < len(lower) && isSpace(lower[j]) {
			j++
		}
		if j < len(lower) && lower[j] == '>' {
			return at, j + 1, true
		}
		from = at + len(needle)
	}
	return 0, 0, false
}

// atLineStart reports whether only bytes from allowed precede i on its line.
func atLineStart(text string, i int, allowed string) bool {
	for j := i - 1; j >= 0; j-- {
		if text[j] == '\n' {
			return true
		}
		if strings.IndexByte(allowed, text[j]) < 0 {
			return false
		}
	}
	return true
}

func hasFrame(stack []frame, k Kind) bool {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].kind == k {
			return true
		}
	}
	return false
}

// unwind pops frames down to and including the innermost frame of kind k.
// Frames above it were never closed and are discarded.
func unwind(stack []frame, k Kind) (frame, []frame) {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].kind == k {
			return stack[i], stack[:i]
		}
	}
	return frame{}, stack
}

// asciiLower lower-cases ASCII letters only, so byte offsets are preserved.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func isAlpha(c byte) bool { return ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z') }
func isDigit(c byte) bool { return '0' <= c && c <= '9' }
func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' }
