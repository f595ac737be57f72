package indent

import "strings"

// StyleMemory remembers, per indent level, the marker most recently used
// at that level within the current list. Level 0 always maps to "".
type StyleMemory struct {
	byLevel map[int]string
}

// NewStyleMemory returns an empty memory.
func NewStyleMemory() *StyleMemory {
	m := &StyleMemory{}
	m.Reset()
	return m
}

// Reset forgets every level.
func (m *StyleMemory) Reset() {
	m.byLevel = map[int]string{0: ""}
}

// Remember records marker at its level and forgets every deeper level.
func (m *StyleMemory) Remember(marker string) {
	lvl := len(marker)
	for k := range m.byLevel {
		if k > lvl {
			delete(m.byLevel, k)
		}
	}
	m.byLevel[lvl] = marker
}

// Nearest returns the deepest remembered level not deeper than lvl, and
// its marker.
func (m *StyleMemory) Nearest(lvl int) (int, string) {
	best := 0
	for k := range m.byLevel {
		if k <= lvl && k > best {
			best = k
		}
	}
	return best, m.byLevel[best]
}

// Knows reports whether a marker is remembered at exactly lvl.
func (m *StyleMemory) Knows(lvl int) bool {
	_, ok := m.byLevel[lvl]
	return ok
}

// StylePass rewrites each indented line's marker to agree with the markers
// used above it in the same list, so that a reply's prefix matches its
// parent's. A line's last marker character, which decides how the line
// itself renders, is preserved.
type StylePass struct {
	Analyzer StructureAnalyzer
	// HideExtraBullets controls bullets in newly opened levels: 0 keeps
	// them, 1 keeps only the last one, 2 turns all of them into colons.
	HideExtraBullets int
	// KeepLastBullet pins the position of the last '*' of each marker.
	KeepLastBullet bool
	// VoteNewLevels picks the final character of a sub-thread's first
	// line by majority over the lines at that level.
	VoteNewLevels bool
}

// Apply returns the rewritten document, the number of lines whose marker
// changed and the number of those whose last marker character changed.
func (p StylePass) Apply(doc Document) (Document, int, int) {
	out := doc.Clone()
	mem := NewStyleMemory()
	markup, final := 0, 0

	for i, line := range doc {
		old := line.Marker
		if old == "" {
			mem.Reset()
			continue
		}

		m := old
		if !p.Analyzer.IsTableOpening(line.Content()) {
			m = p.match(mem, old, doc, i)
			var prevOld, prevNew string
			if i > 0 {
				prevOld, prevNew = doc[i-1].Marker, out[i-1].Marker
			}
			if openedLists(prevNew, m) != openedLists(prevOld, old) {
				m = old
			}
		}
		if m != old {
			out[i] = line.WithMarker(m)
			markup++
			if m[len(m)-1] != old[len(old)-1] {
				final++
			}
		}

		if p.Analyzer.BreaksStructure(line.Text) {
			mem.Reset()
		} else {
			mem.Remember(m)
		}
	}

	if !numberingKept(doc, out, 0, len(doc)) {
		return doc, 0, 0
	}
	if markup == 0 {
		return doc, 0, 0
	}
	return out, markup, final
}

// match computes the marker a line should carry given the memory of the
// lines above it.
func (p StylePass) match(mem *StyleMemory, marker string, doc Document, i int) string {
	lvl := len(marker)
	refLvl, ref := mem.Nearest(lvl)
	lastBullet := strings.LastIndexByte(marker, Bullet)
	pinned := func(pos int) bool { return p.KeepLastBullet && pos == lastBullet }

	b := make([]byte, 0, lvl)
	p1, p2 := 0, 0
	for p1 < refLvl && p2 < lvl {
		c1, c2 := ref[p1], marker[p2]
		switch {
		case pinned(p2):
			b = append(b, Bullet)
		case c2 == Number:
			b = append(b, Number)
		case c1 == Number:
			// A '#' renders two levels deep, so it stands in for two of
			// this line's characters when enough remain.
			if p2 < lvl-2 && marker[p2+1] != Number && !pinned(p2+1) {
				b = append(b, Number)
				p2++
			} else {
				b = append(b, c2)
			}
		default:
			b = append(b, c1)
		}
		p1++
		p2++
	}

	// The rest opens new levels.
	for j := p2; j < lvl; j++ {
		c := marker[j]
		if c == Bullet && j < lvl-1 {
			switch {
			case p.HideExtraBullets >= 2:
				c = Colon
			case p.HideExtraBullets == 1 && j != lastBullet:
				c = Colon
			}
		}
		b = append(b, c)
	}

	last := marker[lvl-1]
	if p.VoteNewLevels && refLvl > 0 && !mem.Knows(lvl) && last != Number {
		last = voteFinal(doc, i, lvl)
	}
	b[len(b)-1] = last
	return string(b)
}

// voteFinal picks ':' or '*' for the lines at exactly lvl in the run
// starting at doc[i], by majority of their current last characters. Ties
// go to '*'.
func voteFinal(doc Document, i, lvl int) byte {
	colons, bullets := 0, 0
	for j := i; j < len(doc) && doc[j].Level() >= lvl; j++ {
		if doc[j].Level() != lvl {
			continue
		}
		switch doc[j].Marker[lvl-1] {
		case Colon:
			colons++
		case Bullet:
			bullets++
		}
	}
	if colons > bullets {
		return Colon
	}
	return Bullet
}
