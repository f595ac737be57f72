package bot

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/papapumpkin/indentbot/internal/control"
	"github.com/papapumpkin/indentbot/internal/indent"
	"github.com/papapumpkin/indentbot/internal/mediawiki"
	"github.com/papapumpkin/indentbot/internal/queue"
	"github.com/papapumpkin/indentbot/internal/rules"
	"github.com/papapumpkin/indentbot/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, time.March, 5, 14, 7, 0, 0, time.UTC)

const signature = "[[User:Alice|Alice]] 14:07, 5 March 2024 (UTC)"

// messy needs one gap removed.
const (
	messy = "* a " + signature + "\n\n* b\n"
	fixed = "* a " + signature + "\n* b\n"
)

type fakeWiki struct {
	mu      sync.Mutex
	now     time.Time
	changes []mediawiki.Change
	pages   map[string]mediawiki.Page
	saves   []mediawiki.SaveRequest
	saveErr map[string]error
	rcErr   error
}

func newFakeWiki() *fakeWiki {
	return &fakeWiki{pages: make(map[string]mediawiki.Page), saveErr: make(map[string]error)}
}

func (f *fakeWiki) edit(title, text string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, mediawiki.Change{
		Type: "edit", Title: title, NS: 1, OldLen: 100, NewLen: 100 + len(text), Timestamp: at,
	})
	f.pages[title] = mediawiki.Page{Title: title, NS: 1, RevID: int64(len(f.changes)), Timestamp: at, Text: text}
}

func (f *fakeWiki) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fakeWiki) ServerTime(context.Context) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now, nil
}

func (f *fakeWiki) RecentChanges(_ context.Context, q mediawiki.RCQuery) ([]mediawiki.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rcErr != nil {
		return nil, f.rcErr
	}
	var out []mediawiki.Change
	for _, c := range f.changes {
		if !c.Timestamp.Before(q.Start) && !c.Timestamp.After(q.End) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeWiki) Page(_ context.Context, title string) (mediawiki.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pages[title]
	if !ok {
		return mediawiki.Page{Title: title, Missing: true}, nil
	}
	return p, nil
}

func (f *fakeWiki) Save(_ context.Context, r mediawiki.SaveRequest) (mediawiki.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.saveErr[r.Title]; err != nil {
		return mediawiki.SaveResult{}, err
	}
	f.saves = append(f.saves, r)
	return mediawiki.SaveResult{NewRevID: int64(100 + len(f.saves))}, nil
}

func (f *fakeWiki) saved() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.saves {
		out = append(out, s.Title)
	}
	return out
}

type memStore struct {
	mu         sync.Mutex
	checkpoint time.Time
	hasCP      bool
	pending    []queue.Entry
	edits      []state.Edit
	paused     bool
}

func (m *memStore) Checkpoint(context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint, m.hasCP, nil
}

func (m *memStore) SetCheckpoint(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint, m.hasCP = t, true
	return nil
}

func (m *memStore) ReplacePending(_ context.Context, entries []queue.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append([]queue.Entry(nil), entries...)
	return nil
}

func (m *memStore) Pending(context.Context) ([]queue.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]queue.Entry(nil), m.pending...), nil
}

func (m *memStore) RecordEdit(_ context.Context, e state.Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, e)
	return nil
}

func (m *memStore) SetControlState(_ context.Context, paused bool, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
	return nil
}

func (m *memStore) outcomes() []state.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.Outcome
	for _, e := range m.edits {
		out = append(out, e.Outcome)
	}
	return out
}

type fakeControl struct {
	mu        sync.Mutex
	paused    bool
	checks    int
	published []control.Status
}

func (c *fakeControl) Check(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	return false, nil
}

func (c *fakeControl) Since() time.Time { return t0 }

func (c *fakeControl) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *fakeControl) Publish(_ context.Context, s control.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, s)
	return nil
}

func testOptions() Options {
	return Options{
		Chunk:          2 * time.Minute,
		Delay:          10 * time.Minute,
		MinSizeDelta:   42,
		ScoreThreshold: 1,
		Workers:        1,
		Summary:        "Adjusted indentation.",
		Indent:         indent.DefaultOptions(),
		RunID:          "run-1",
	}
}

func newRunner(t *testing.T, opts Options, w *fakeWiki, st *memStore, ctl *fakeControl) *Runner {
	t.Helper()
	deps := Deps{Wiki: w, Rules: rules.NewStore(rules.Default())}
	if st != nil {
		deps.Store = st
	}
	if ctl != nil {
		deps.Control = ctl
	}
	r, err := New(opts, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestNewRejectsBadOptions(t *testing.T) {
	t.Parallel()

	opts := testOptions()
	opts.Chunk = 0
	if _, err := New(opts, Deps{Wiki: newFakeWiki(), Rules: rules.NewStore(rules.Default())}); err == nil {
		t.Error("expected error for zero chunk")
	}
	opts = testOptions()
	opts.Indent.MaxGapLength = 0
	if _, err := New(opts, Deps{Wiki: newFakeWiki(), Rules: rules.NewStore(rules.Default())}); err == nil {
		t.Error("expected error for invalid indent options")
	}
	if _, err := New(testOptions(), Deps{Rules: rules.NewStore(rules.Default())}); err == nil {
		t.Error("expected error without a wiki")
	}
}

func TestStepWaitsForDelayThenSaves(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	w.edit("Talk:Apple", messy, t0)
	st := &memStore{}
	r := newRunner(t, testOptions(), w, st, nil)
	ctx := context.Background()

	w.setNow(t0.Add(time.Minute))
	if err := r.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(w.saved()) != 0 {
		t.Fatalf("saved before the delay passed: %v", w.saved())
	}
	if diff := cmp.Diff([]queue.Entry{{DocID: "Talk:Apple", EditTime: t0}}, st.pending); diff != "" {
		t.Errorf("persisted queue (-want +got):\n%s", diff)
	}

	w.setNow(t0.Add(11 * time.Minute))
	if err := r.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	want := []mediawiki.SaveRequest{{
		Title:         "Talk:Apple",
		Text:          fixed,
		Summary:       "Adjusted indentation.",
		Bot:           true,
		NoCreate:      true,
		BaseTimestamp: t0,
	}}
	if diff := cmp.Diff(want, w.saves); diff != "" {
		t.Errorf("saves (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]state.Outcome{state.Saved}, st.outcomes()); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}
	if st.edits[0].RevID != 101 || st.edits[0].RunID != "run-1" {
		t.Errorf("edit log entry = %+v", st.edits[0])
	}
	if r.Queue().Len() != 0 || len(st.pending) != 0 {
		t.Errorf("queue should be empty, have %d (persisted %d)", r.Queue().Len(), len(st.pending))
	}
	if r.Saved() != 1 {
		t.Errorf("Saved = %d", r.Saved())
	}
}

func TestStepReschedulesEditedPage(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	w.edit("Talk:Apple", messy, t0)
	r := newRunner(t, testOptions(), w, nil, nil)
	ctx := context.Background()

	w.setNow(t0.Add(time.Minute))
	if err := r.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}

	// A later edit without a fresh signature is not picked up by the feed,
	// but the refetch before saving still sees it.
	w.mu.Lock()
	p := w.pages["Talk:Apple"]
	p.Timestamp = t0.Add(5 * time.Minute)
	w.pages["Talk:Apple"] = p
	w.mu.Unlock()

	w.setNow(t0.Add(11 * time.Minute))
	if err := r.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(w.saved()) != 0 {
		t.Errorf("saved a page edited within the delay: %v", w.saved())
	}
	want := []queue.Entry{{DocID: "Talk:Apple", EditTime: t0.Add(5 * time.Minute)}}
	if diff := cmp.Diff(want, r.Queue().Snapshot()); diff != "" {
		t.Errorf("queue (-want +got):\n%s", diff)
	}
}

func TestStepReadsControlWhenFeedFails(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	w.rcErr = errors.New("feed down")
	ctl := &fakeControl{paused: true}
	st := &memStore{}
	r := newRunner(t, testOptions(), w, st, ctl)

	w.setNow(t0.Add(11 * time.Minute))
	if err := r.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if ctl.checks != 1 {
		t.Errorf("control checked %d times, want 1", ctl.checks)
	}
	if !st.paused {
		t.Error("paused state should be persisted while the feed is down")
	}
}

func TestStepKeysPagesByQueuedTitle(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	// The wiki answers with the normalized title.
	w.pages["Talk:apple"] = mediawiki.Page{Title: "Talk:Apple", NS: 1, RevID: 7, Timestamp: t0, Text: messy}
	st := &memStore{}
	r := newRunner(t, testOptions(), w, st, nil)
	r.Queue().InsertOrUpdate("Talk:apple", t0)

	w.setNow(t0.Add(11 * time.Minute))
	if err := r.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if diff := cmp.Diff([]string{"Talk:Apple"}, w.saved()); diff != "" {
		t.Errorf("saved (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]state.Outcome{state.Saved}, st.outcomes()); diff != "" {
		t.Errorf("outcomes (-want +got):\n%s", diff)
	}
}

func TestPausedKeepsQueueing(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	w.edit("Talk:Apple", messy, t0)
	ctl := &fakeControl{paused: true}
	st := &memStore{}
	r := newRunner(t, testOptions(), w, st, ctl)

	w.setNow(t0.Add(11 * time.Minute))
	if err := r.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(w.saved()) != 0 {
		t.Errorf("saved while paused: %v", w.saved())
	}
	if r.Queue().Len() != 1 {
		t.Errorf("queue length = %d, want 1", r.Queue().Len())
	}
	if !st.paused {
		t.Error("paused state should be persisted")
	}
}

func TestEditLimit(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	w.edit("Talk:Apple", messy, t0)
	w.edit("Talk:Pear", messy, t0)
	opts := testOptions()
	opts.Limit = 1
	r := newRunner(t, opts, w, nil, nil)

	w.setNow(t0.Add(11 * time.Minute))
	if err := r.Step(context.Background()); !errors.Is(err, ErrLimitReached) {
		t.Fatalf("Step = %v, want ErrLimitReached", err)
	}
	if diff := cmp.Diff([]string{"Talk:Apple"}, w.saved()); diff != "" {
		t.Errorf("saved (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]queue.Entry{{DocID: "Talk:Pear", EditTime: t0}}, r.Queue().Snapshot()); diff != "" {
		t.Errorf("unprocessed page should be requeued (-want +got):\n%s", diff)
	}
}

func TestSaveErrorTaxonomy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		wantErr bool
		outcome state.Outcome
	}{
		{"conflict is dropped", &mediawiki.SaveError{Kind: mediawiki.EditConflict}, false, state.Conflict},
		{"locked is dropped", &mediawiki.SaveError{Kind: mediawiki.Locked}, false, state.Conflict},
		{"abuse filter is dropped", &mediawiki.SaveError{Kind: mediawiki.AbuseFilterRejected}, false, state.Rejected},
		{"spam is dropped", &mediawiki.SaveError{Kind: mediawiki.SpamBlocked}, false, state.Rejected},
		{"unknown stops the loop", &mediawiki.SaveError{Kind: mediawiki.Unknown, Reason: "badtoken"}, true, state.Failed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := newFakeWiki()
			w.edit("Talk:Apple", messy, t0)
			w.saveErr["Talk:Apple"] = tt.err
			st := &memStore{}
			r := newRunner(t, testOptions(), w, st, nil)

			w.setNow(t0.Add(11 * time.Minute))
			err := r.Step(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Step error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff([]state.Outcome{tt.outcome}, st.outcomes()); diff != "" {
				t.Errorf("outcomes (-want +got):\n%s", diff)
			}
			if r.Queue().Len() != 0 {
				t.Error("failed page should not be requeued")
			}
		})
	}
}

func TestSkippedOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		mutate  func(*Options)
		outcome state.Outcome
	}{
		{"clean page", "* a " + signature + "\n* b\n", nil, state.NoChange},
		{"below threshold", messy, func(o *Options) { o.ScoreThreshold = 5 }, state.BelowBar},
		{"dry run", messy, func(o *Options) { o.DryRun = true }, state.DryRun},
		{"ambiguous", ": [[Foo|a\n: b]] " + signature + "\n\n:: c\n", nil, state.Ambiguous},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := newFakeWiki()
			w.edit("Talk:Apple", tt.text, t0)
			st := &memStore{}
			opts := testOptions()
			if tt.mutate != nil {
				tt.mutate(&opts)
			}
			r := newRunner(t, opts, w, st, nil)

			w.setNow(t0.Add(11 * time.Minute))
			if err := r.Step(context.Background()); err != nil {
				t.Fatalf("Step: %v", err)
			}
			if len(w.saved()) != 0 {
				t.Errorf("unexpected saves: %v", w.saved())
			}
			if diff := cmp.Diff([]state.Outcome{tt.outcome}, st.outcomes()); diff != "" {
				t.Errorf("outcomes (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBotsOptOutBeforeSave(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		text    string
		saved   []string
		outcome state.Outcome
	}{
		{"nobots", "{{nobots}}\n" + messy, nil, state.Rejected},
		{"deny lists us", "{{bots|deny=OtherBot, IndentBot}}\n" + messy, nil, state.Rejected},
		{"deny lists others", "{{bots|deny=OtherBot}}\n" + messy, []string{"Talk:Apple"}, state.Saved},
		{"allow lists us", "{{bots|allow=IndentBot}}\n" + messy, []string{"Talk:Apple"}, state.Saved},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := newFakeWiki()
			w.pages["Talk:Apple"] = mediawiki.Page{Title: "Talk:Apple", NS: 1, RevID: 7, Timestamp: t0, Text: tt.text}
			st := &memStore{}
			opts := testOptions()
			opts.Username = "IndentBot@fixer"
			r := newRunner(t, opts, w, st, nil)
			// Queued before the page opted out.
			r.Queue().InsertOrUpdate("Talk:Apple", t0)

			w.setNow(t0.Add(11 * time.Minute))
			if err := r.Step(context.Background()); err != nil {
				t.Fatalf("Step: %v", err)
			}
			if diff := cmp.Diff(tt.saved, w.saved()); diff != "" {
				t.Errorf("saved (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]state.Outcome{tt.outcome}, st.outcomes()); diff != "" {
				t.Errorf("outcomes (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBotsOptOutIsNotQueued(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	w.edit("Talk:Apple", "{{nobots}}\n"+messy, t0)
	opts := testOptions()
	opts.Username = "IndentBot"
	r := newRunner(t, opts, w, nil, nil)

	w.setNow(t0.Add(time.Minute))
	if err := r.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if r.Queue().Len() != 0 {
		t.Errorf("queue length = %d, want 0", r.Queue().Len())
	}
}

func TestVerbosePrintsDiffLink(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	w.edit("Talk:Apple", messy, t0)
	var out bytes.Buffer
	opts := testOptions()
	opts.Verbose = true
	opts.Out = &out
	r := newRunner(t, opts, w, nil, nil)

	w.setNow(t0.Add(11 * time.Minute))
	if err := r.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got, want := out.String(), "{{Diff2|101|Talk:Apple}}\n"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestWorkersSaveEveryPage(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	titles := []string{"Talk:A", "Talk:B", "Talk:C", "Talk:D", "Talk:E"}
	for _, title := range titles {
		w.edit(title, messy, t0)
	}
	opts := testOptions()
	opts.Workers = 3
	r := newRunner(t, opts, w, nil, nil)

	w.setNow(t0.Add(11 * time.Minute))
	if err := r.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if got := len(w.saved()); got != len(titles) {
		t.Errorf("saved %d pages, want %d", got, len(titles))
	}
}

func TestRunRestoresAndPublishes(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	w.pages["Talk:Old"] = mediawiki.Page{Title: "Talk:Old", Timestamp: t0, Text: messy}
	w.setNow(t0.Add(11 * time.Minute))
	st := &memStore{pending: []queue.Entry{{DocID: "Talk:Old", EditTime: t0}}}
	ctl := &fakeControl{}
	r := newRunner(t, testOptions(), w, st, ctl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"Talk:Old"}, w.saved()); diff != "" {
		t.Errorf("restored page not saved (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]control.Status{control.Active, control.Inactive}, ctl.published); diff != "" {
		t.Errorf("published (-want +got):\n%s", diff)
	}
}

// stepLimit returns a sleep func that ends Run with an error once it has
// been called n times, so a test whose pages never become due cannot spin.
func stepLimit(t *testing.T, n int) func(context.Context, time.Duration) error {
	t.Helper()
	calls := 0
	return func(ctx context.Context, _ time.Duration) error {
		calls++
		if calls >= n {
			t.Errorf("Run still looping after %d steps", calls)
			return errors.New("step limit reached")
		}
		return ctx.Err()
	}
}

func TestRunFailStop(t *testing.T) {
	t.Parallel()

	w := newFakeWiki()
	w.edit("Talk:Apple", messy, t0)
	w.saveErr["Talk:Apple"] = &mediawiki.SaveError{Kind: mediawiki.Unknown}
	w.setNow(t0.Add(11 * time.Minute))
	st := &memStore{pending: []queue.Entry{{DocID: "Talk:Apple", EditTime: t0}}}
	ctl := &fakeControl{}
	r := newRunner(t, testOptions(), w, st, ctl)
	r.sleep = stepLimit(t, 3)

	err := r.Run(context.Background())
	var saveErr *mediawiki.SaveError
	if !errors.As(err, &saveErr) || saveErr.Kind != mediawiki.Unknown {
		t.Fatalf("Run = %v, want the unknown save error", err)
	}
	if len(ctl.published) == 0 {
		t.Fatal("nothing published")
	}
	if last := ctl.published[len(ctl.published)-1]; last != control.Inactive {
		t.Errorf("last status = %s, want inactive", last)
	}
	if got := w.saved(); len(got) != 0 {
		t.Errorf("saved %v, want nothing", got)
	}
	if got := st.outcomes(); len(got) != 1 || got[0] != state.Failed {
		t.Errorf("outcomes = %v, want [failed]", got)
	}
}
