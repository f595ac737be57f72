package indent

import (
	"errors"
	"fmt"
)

var (
	// ErrAmbiguous is reported when a wikilink straddles a line boundary,
	// so the line structure cannot be determined with confidence.
	ErrAmbiguous = errors.New("indent: ambiguous line structure")
	// ErrNoConvergence is reported when the passes keep changing the
	// document past the round limit.
	ErrNoConvergence = errors.New("indent: passes did not converge")
)

// Options configure the passes.
type Options struct {
	MinClosingGapLevel int  `mapstructure:"min_closing_level"`
	MaxGapLength       int  `mapstructure:"max_length"`
	MonotonicGaps      bool `mapstructure:"monotonic"`
	HideExtraBullets   int  `mapstructure:"hide_extra_bullets"`
	KeepLastBullet     bool `mapstructure:"keep_last_bullet"`
	VoteNewLevels      bool `mapstructure:"vote_new_levels"`
	// MaxRounds bounds the fix loop. Zero derives a bound from the
	// document's depth.
	MaxRounds int `mapstructure:"max_rounds"`
}

// DefaultOptions returns the options the bot runs with.
func DefaultOptions() Options {
	return Options{
		MinClosingGapLevel: 1,
		MaxGapLength:       1,
		MonotonicGaps:      true,
		HideExtraBullets:   1,
		VoteNewLevels:      true,
	}
}

// Validate checks option ranges.
func (o Options) Validate() error {
	if o.MinClosingGapLevel < 1 {
		return fmt.Errorf("indent: min closing gap level must be at least 1, got %d", o.MinClosingGapLevel)
	}
	if o.MaxGapLength < 1 {
		return fmt.Errorf("indent: max gap length must be at least 1, got %d", o.MaxGapLength)
	}
	if o.HideExtraBullets < 0 || o.HideExtraBullets > 2 {
		return fmt.Errorf("indent: hide extra bullets must be 0, 1 or 2, got %d", o.HideExtraBullets)
	}
	if o.HideExtraBullets == 2 && o.KeepLastBullet {
		return errors.New("indent: keep last bullet conflicts with hiding every bullet")
	}
	if o.MaxRounds < 0 {
		return fmt.Errorf("indent: max rounds must not be negative, got %d", o.MaxRounds)
	}
	return nil
}

// Score tallies the changes made by the passes.
type Score struct {
	Gaps        int `json:"gaps"`
	ExtraIndent int `json:"extra_indent"`
	Markup      int `json:"markup"`
	FinalChar   int `json:"final_char"`
}

// Total is the number of changes. FinalChar changes are a subset of
// Markup changes and are not counted twice.
func (s Score) Total() int {
	return s.Gaps + s.ExtraIndent + s.Markup
}

// Add returns the sum of two scores.
func (s Score) Add(o Score) Score {
	return Score{
		Gaps:        s.Gaps + o.Gaps,
		ExtraIndent: s.ExtraIndent + o.ExtraIndent,
		Markup:      s.Markup + o.Markup,
		FinalChar:   s.FinalChar + o.FinalChar,
	}
}

// Normalized is the total per 10000 bytes of a text of length n.
func (s Score) Normalized(n int) float64 {
	if n == 0 {
		return 0
	}
	return 10000 * float64(s.Total()) / float64(n)
}

// Result is the outcome of fixing one text.
type Result struct {
	Text   string
	Score  Score
	Rounds int
	// Aborted is ErrAmbiguous or ErrNoConvergence when the fix was
	// abandoned. Text is then the input, unchanged.
	Aborted error
}

// Changed reports whether the text was modified.
func (r Result) Changed() bool {
	return r.Aborted == nil && r.Score.Total() > 0
}

// Fixer runs the passes to a fixed point. It is safe for concurrent use as
// long as its analyzer is.
type Fixer struct {
	opts  Options
	an    StructureAnalyzer
	gap   GapPass
	extra ExtraIndentPass
	style StylePass
}

// NewFixer validates opts and returns a Fixer.
func NewFixer(opts Options, an StructureAnalyzer) (*Fixer, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Fixer{
		opts: opts,
		an:   an,
		gap: GapPass{
			MinClosingLevel: opts.MinClosingGapLevel,
			MaxLength:       opts.MaxGapLength,
			Monotonic:       opts.MonotonicGaps,
		},
		style: StylePass{
			Analyzer:         an,
			HideExtraBullets: opts.HideExtraBullets,
			KeepLastBullet:   opts.KeepLastBullet,
			VoteNewLevels:    opts.VoteNewLevels,
		},
	}, nil
}

// Fix normalizes text. Each round alternates the gap and extra-indent
// passes until neither changes the document, then applies the style pass.
// Rounds repeat until one makes no change.
func (f *Fixer) Fix(text string) Result {
	doc := Partition(text, f.an)
	for _, l := range doc {
		if l.Level() > 0 && ambiguous(l.Text, f.an) {
			return Result{Text: text, Aborted: ErrAmbiguous}
		}
	}

	limit := f.opts.MaxRounds
	if limit == 0 {
		limit = 2*doc.MaxLevel() + 4
	}

	var total Score
	for round := 1; ; round++ {
		if round > limit {
			return Result{Text: text, Rounds: limit, Aborted: ErrNoConvergence}
		}
		var s Score
		for {
			var gaps, extra int
			doc, gaps = f.gap.Apply(doc)
			doc, extra = f.extra.Apply(doc)
			s.Gaps += gaps
			s.ExtraIndent += extra
			if extra == 0 {
				break
			}
		}
		doc, s.Markup, s.FinalChar = f.style.Apply(doc)
		total = total.Add(s)
		if s.Total() == 0 {
			return Result{Text: doc.String(), Score: total, Rounds: round}
		}
	}
}
