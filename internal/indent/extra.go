package indent

// ExtraIndentPass collapses indentation that jumps more than one level
// deeper than the line before it. The run of lines at or below the jumped
// level is shifted up so the first of them sits one level below its
// predecessor, keeping the last marker character.
type ExtraIndentPass struct{}

// Apply returns the rewritten document and the number of marker characters
// removed.
func (ExtraIndentPass) Apply(doc Document) (Document, int) {
	lines := doc.Clone()
	score := 0
	for i := range lines {
		var prev Line
		if i > 0 {
			prev = lines[i-1]
		}
		x, y := prev.Level(), lines[i].Level()
		if y-x <= 1 || lines[i].VisualLevel()-prev.VisualLevel() <= 1 {
			continue
		}
		cut := y - x - 1

		end := i
		for end < len(lines) && lines[end].Level() >= y {
			end++
		}
		// Only the pairs touching the run can change numbering.
		lo, hi := max(i-1, 0), min(end+1, len(lines))
		before := lines[lo:hi].Clone()
		after := before.Clone()
		for j := i; j < end; j++ {
			m := lines[j].Marker
			after[j-lo] = lines[j].WithMarker(m[:x] + m[x+cut:])
		}
		if !numberingKept(before, after, i-lo, hi-lo) {
			continue
		}
		copy(lines[lo:hi], after)
		score += cut * (end - i)
	}
	if score == 0 {
		return doc, 0
	}
	return lines, score
}
