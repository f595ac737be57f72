package indent

import (
	"strings"

	"github.com/papapumpkin/indentbot/internal/wikitext"
)

// StructureAnalyzer reports the structural facts about wikitext the passes
// need. *wikitext.Analyzer is the implementation used in production.
type StructureAnalyzer interface {
	// ProtectedSpans returns ranges whose newlines are not line boundaries.
	ProtectedSpans(text string) []wikitext.Span
	// IsTableOpening reports whether a line's content starts a table.
	IsTableOpening(content string) bool
	// BreaksStructure reports whether a line contains a newline that ends
	// any enclosing list.
	BreaksStructure(line string) bool
	// Links returns the inner spans of the wikilinks in text.
	Links(text string) []wikitext.Span
}

// Partition splits text into logical lines. A newline ends a line unless it
// lies inside a protected span, starts a line holding only spaces and
// comments (that line is folded into the one before it), or belongs to the
// whitespace before a category link.
//
// The text after the last line break is always appended as a final line,
// even when empty, so the document round-trips byte for byte.
func Partition(text string, an StructureAnalyzer) Document {
	spans := an.ProtectedSpans(text)
	spans = append(spans, commentLineSpans(text)...)
	spans = append(spans, categorySpans(text)...)

	protected := make(map[int]struct{})
	for _, sp := range spans {
		for i := sp.Start; i < sp.End; {
			k := strings.IndexByte(text[i:sp.End], '\n')
			if k < 0 {
				break
			}
			protected[i+k] = struct{}{}
			i += k + 1
		}
	}

	var doc Document
	prev := 0
	for i := 0; i < len(text); {
		k := strings.IndexByte(text[i:], '\n')
		if k < 0 {
			break
		}
		nl := i + k
		if _, ok := protected[nl]; !ok {
			doc = append(doc, NewLine(text[prev:nl+1]))
			prev = nl + 1
		}
		i = nl + 1
	}
	return append(doc, NewLine(text[prev:]))
}

// commentLineSpans covers each newline that is followed by a line made only
// of spaces and at least one comment, when that line itself ends in a
// newline.
func commentLineSpans(text string) []wikitext.Span {
	var spans []wikitext.Span
	for i := 0; i < len(text); {
		k := strings.IndexByte(text[i:], '\n')
		if k < 0 {
			break
		}
		nl := i + k
		j, comments := nl+1, 0
		for j < len(text) {
			if text[j] == ' ' {
				j++
				continue
			}
			if strings.HasPrefix(text[j:], "<!--") {
				end := strings.Index(text[j+4:], "-->")
				if end < 0 {
					break
				}
				j += 4 + end + 3
				comments++
				continue
			}
			break
		}
		if comments > 0 && j < len(text) && text[j] == '\n' {
			spans = append(spans, wikitext.Span{Start: nl, End: j})
		}
		i = nl + 1
	}
	return spans
}

// categorySpans covers the whitespace and comments directly before each
// category link.
func categorySpans(text string) []wikitext.Span {
	const needle = "[[category:"
	lower := asciiLower(text)
	var spans []wikitext.Span
	for from := 0; ; {
		k := strings.Index(lower[from:], needle)
		if k < 0 {
			return spans
		}
		at := from + k
		if start := skipBackBlank(text, at); start < at {
			spans = append(spans, wikitext.Span{Start: start, End: at})
		}
		from = at + len(needle)
	}
}

// skipBackBlank moves left from end over whitespace and whole comments.
func skipBackBlank(text string, end int) int {
	i := end
	for i > 0 {
		switch c := text[i-1]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			i--
		case strings.HasSuffix(text[:i], "-->"):
			open := strings.LastIndex(text[:i-3], "<!--")
			if open < 0 {
				return i
			}
			i = open
		default:
			return i
		}
	}
	return i
}

// asciiLower keeps byte offsets stable, unlike strings.ToLower.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// ambiguous reports whether a line holds a wikilink whose text would
// itself be split by Partition, which means the link straddles what
// Partition treats as a line boundary.
func ambiguous(line string, an StructureAnalyzer) bool {
	for _, sp := range an.Links(line) {
		s := line[sp.Start:sp.End]
		if strings.HasSuffix(s, "\n") || len(Partition(s, an)) > 1 {
			return true
		}
	}
	return false
}
