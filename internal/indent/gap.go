package indent

import "strings"

// GapPass removes runs of blank lines that sit between two indented lines
// and so split one list into two. It also folds placeholder lines (a lone
// marker such as "::") into the deeper line that follows them.
type GapPass struct {
	// MinClosingLevel is the lowest level the line after a gap may have
	// for the gap to be removed.
	MinClosingLevel int
	// MaxLength is the longest run of blank lines that is removed.
	MaxLength int
	// Monotonic keeps gaps that return to level 1 from a deeper level.
	Monotonic bool
}

// Apply returns the rewritten document and the number of lines removed.
// Closing a gap can leave a placeholder directly above a deeper line, so
// absorption and gap closing repeat until neither removes a line.
func (p GapPass) Apply(doc Document) (Document, int) {
	score := 0
	for {
		lines, absorbed := absorbPlaceholders(doc)
		lines, closed := p.closeGaps(lines)
		if absorbed+closed == 0 {
			return doc, score
		}
		doc = lines
		score += absorbed + closed
	}
}

func (p GapPass) closeGaps(lines Document) (Document, int) {
	score := 0
	drop := make([]bool, len(lines))
	for i := 0; i < len(lines); {
		opening := lines[i].Marker
		if opening == "" {
			i++
			continue
		}
		j := i + 1
		for j < len(lines) && lines[j].IsBlank() {
			j++
		}
		if j == len(lines) {
			break
		}
		if gap := j - i - 1; p.removable(opening, lines[j].Marker, gap) {
			for k := i + 1; k < j; k++ {
				drop[k] = true
			}
			score += gap
		}
		i = j
	}

	if score == 0 {
		return lines, 0
	}
	out := make(Document, 0, len(lines))
	for i, l := range lines {
		if !drop[i] {
			out = append(out, l)
		}
	}
	return out, score
}

func (p GapPass) removable(opening, closing string, gap int) bool {
	switch {
	case gap < 1 || gap > p.MaxLength:
		return false
	case len(closing) < p.MinClosingLevel || closing == "":
		return false
	case p.Monotonic && len(closing) == 1 && len(opening) > 1:
		return false
	case opening[0] != closing[0]:
		return false
	}
	// Joining must not make the closing line continue a numbered list it
	// used to restart.
	return openedLists("", closing) == openedLists(opening, closing)
}

// placeholderMarker returns the marker of a line holding nothing but a
// marker and optional spaces. Markers with '#' are never placeholders,
// since removing them would renumber a list.
func placeholderMarker(l Line) (string, bool) {
	if l.Marker == "" || strings.IndexByte(l.Marker, Number) >= 0 {
		return "", false
	}
	rest := strings.TrimSuffix(l.Content(), "\n")
	if strings.Trim(rest, " ") != "" {
		return "", false
	}
	return l.Marker, true
}

// overlay writes the placeholder marker over the leading characters of the
// next line's marker, leaving any '#' in place.
func overlay(placeholder, next string) string {
	b := []byte(next)
	for i := 0; i < len(placeholder) && i < len(b); i++ {
		if b[i] != Number {
			b[i] = placeholder[i]
		}
	}
	return string(b)
}

// absorbPlaceholders scans backwards so a chain of placeholders collapses
// into the first real line below it.
func absorbPlaceholders(doc Document) (Document, int) {
	out := doc.Clone()
	removed := 0
	for i := len(out) - 2; i >= 0; i-- {
		m, ok := placeholderMarker(out[i])
		if !ok {
			continue
		}
		next := out[i+1]
		if next.Level() <= len(m) {
			continue
		}
		var prev string
		if i > 0 {
			prev = out[i-1].Marker
		}
		want := openedLists(m, next.Marker)
		switch merged := next.WithMarker(overlay(m, next.Marker)); {
		case openedLists(prev, merged.Marker) == want:
			out[i+1] = merged
		case openedLists(prev, next.Marker) == want:
		default:
			continue
		}
		out = append(out[:i], out[i+1:]...)
		removed++
	}
	return out, removed
}
