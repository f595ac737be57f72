// Package indent normalizes the indentation markup of threaded discussion
// wikitext. A document is partitioned into logical lines, then three passes
// (gap closing, extra-indent collapsing and style matching) are applied in
// a fixed order until none of them reports a change.
//
// Every pass is a pure function from one Document to a new one. Passes only
// delete lines, delete marker characters or substitute marker characters,
// which bounds the number of rounds the Fixer needs.
package indent

import "strings"

// Marker characters that express list nesting.
const (
	Colon  = ':'
	Bullet = '*'
	Number = '#'
)

// Line is one logical line of a document, including its trailing newline
// if it has one. Lines are values; use WithMarker to derive a changed line.
type Line struct {
	Text   string
	Marker string
}

// NewLine builds a Line from raw text.
func NewLine(text string) Line {
	return Line{Text: text, Marker: markerOf(text)}
}

// Level is the number of leading marker characters.
func (l Line) Level() int {
	return len(l.Marker)
}

// VisualLevel counts a '#' twice, because a numbered item renders one
// level deeper than its marker count suggests.
func (l Line) VisualLevel() int {
	return len(l.Marker) + strings.Count(l.Marker, "#")
}

// IsBlank reports whether the line is non-empty and consists only of
// whitespace. The empty trailing line of a document is not blank.
func (l Line) IsBlank() bool {
	return l.Text != "" && strings.TrimSpace(l.Text) == ""
}

// Content is the text after the marker.
func (l Line) Content() string {
	return l.Text[len(l.Marker):]
}

// WithMarker returns a copy of the line with its marker replaced.
func (l Line) WithMarker(marker string) Line {
	return Line{Text: marker + l.Content(), Marker: marker}
}

// Document is an ordered sequence of lines. Concatenating the lines' text
// reproduces the source exactly.
type Document []Line

// String reassembles the document text.
func (d Document) String() string {
	var b strings.Builder
	for _, l := range d {
		b.WriteString(l.Text)
	}
	return b.String()
}

// Clone returns a shallow copy that can be modified independently.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	copy(out, d)
	return out
}

// MaxLevel is the deepest indent level of any line.
func (d Document) MaxLevel() int {
	max := 0
	for _, l := range d {
		if l.Level() > max {
			max = l.Level()
		}
	}
	return max
}

func markerOf(text string) string {
	i := 0
	for i < len(text) && isMarker(text[i]) {
		i++
	}
	return text[:i]
}

func isMarker(c byte) bool {
	return c == Colon || c == Bullet || c == Number
}

func commonPrefixLen(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// openedLists counts the numbered lists cur starts relative to the line
// before it: the '#' characters of cur past the markers' common prefix.
// A rewrite that changes this count for any pair of adjacent lines would
// renumber a list.
func openedLists(prev, cur string) int {
	return strings.Count(cur[commonPrefixLen(prev, cur):], "#")
}

// numberingKept reports whether lines after[from:to] open the same numbered
// lists as before[from:to], pair by pair. Both documents must have the same
// length.
func numberingKept(before, after Document, from, to int) bool {
	from = max(from, 0)
	to = min(to, len(before))
	for k := from; k < to; k++ {
		var pb, pa string
		if k > 0 {
			pb, pa = before[k-1].Marker, after[k-1].Marker
		}
		if openedLists(pb, before[k].Marker) != openedLists(pa, after[k].Marker) {
			return false
		}
	}
	return true
}
