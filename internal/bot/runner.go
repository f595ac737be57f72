// Package bot runs the edit loop: poll the change feed, schedule pages,
// honor the pause switch, and fix and save the pages whose dwell delay
// has passed.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/papapumpkin/indentbot/internal/control"
	"github.com/papapumpkin/indentbot/internal/feed"
	"github.com/papapumpkin/indentbot/internal/indent"
	"github.com/papapumpkin/indentbot/internal/mediawiki"
	"github.com/papapumpkin/indentbot/internal/queue"
	"github.com/papapumpkin/indentbot/internal/rules"
	"github.com/papapumpkin/indentbot/internal/state"
	"github.com/papapumpkin/indentbot/internal/telemetry"
	"github.com/papapumpkin/indentbot/internal/wikitext"
)

// ErrLimitReached stops the loop once the configured number of edits has
// been saved.
var ErrLimitReached = errors.New("bot: edit limit reached")

// Wiki is the part of the wiki the runner reads and writes.
type Wiki interface {
	feed.Source
	Save(ctx context.Context, r mediawiki.SaveRequest) (mediawiki.SaveResult, error)
}

// Store persists the runner's state between runs.
type Store interface {
	feed.Checkpointer
	ReplacePending(ctx context.Context, entries []queue.Entry) error
	Pending(ctx context.Context) ([]queue.Entry, error)
	RecordEdit(ctx context.Context, e state.Edit) error
	SetControlState(ctx context.Context, paused bool, since time.Time) error
}

// Controller is the pause switch.
type Controller interface {
	Check(ctx context.Context) (bool, error)
	Paused() bool
	Since() time.Time
	Publish(ctx context.Context, s control.Status) error
}

var (
	_ Wiki       = (*mediawiki.Client)(nil)
	_ Store      = (*state.Store)(nil)
	_ Controller = (*control.Plane)(nil)
)

// Options configure a Runner.
type Options struct {
	Chunk          time.Duration
	Delay          time.Duration
	MinSizeDelta   int
	ScoreThreshold int
	// Limit stops the run after this many saves. Zero means no limit.
	Limit   int
	Workers int
	Summary string
	Indent  indent.Options
	DryRun  bool
	// Verbose writes a diff link for every save to Out.
	Verbose bool
	Out     io.Writer
	RunID   string
	// Username is the account the bot edits as, matched against the
	// allow and deny lists of {{bots}}.
	Username string
}

// Deps are the collaborators of a Runner. Store, Control and Events are
// optional.
type Deps struct {
	Wiki    Wiki
	Rules   *rules.Store
	Store   Store
	Control Controller
	Events  *telemetry.Emitter
	Logger  *zap.Logger
}

// Runner is the outer loop of the bot.
type Runner struct {
	opts    Options
	wiki    Wiki
	rules   *rules.Store
	store   Store
	control Controller
	events  *telemetry.Emitter
	log     *zap.Logger

	queue  *queue.Queue
	poller *feed.Poller
	// slots counts saves started, saved those that succeeded.
	slots atomic.Int64
	saved atomic.Int64
	outMu sync.Mutex

	// sleep waits between iterations; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates opts and assembles a Runner.
func New(opts Options, deps Deps) (*Runner, error) {
	if deps.Wiki == nil {
		return nil, errors.New("bot: no wiki")
	}
	if deps.Rules == nil {
		return nil, errors.New("bot: no rules")
	}
	if err := opts.Indent.Validate(); err != nil {
		return nil, fmt.Errorf("bot: %w", err)
	}
	if opts.Chunk <= 0 || opts.Delay <= 0 {
		return nil, fmt.Errorf("bot: chunk and delay must be positive, got %v and %v", opts.Chunk, opts.Delay)
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := &Runner{
		opts:    opts,
		wiki:    deps.Wiki,
		rules:   deps.Rules,
		store:   deps.Store,
		control: deps.Control,
		events:  deps.Events,
		log:     log,
		queue:   queue.New(),
		sleep:   sleepCtx,
	}
	r.poller = &feed.Poller{
		Source: deps.Wiki,
		Queue:  r.queue,
		Rules:  deps.Rules,
		Chain:  feed.DefaultChain(opts.MinSizeDelta, opts.Username, deps.Rules),
		Delay:  opts.Delay,
		Logger: log,
	}
	if deps.Store != nil {
		r.poller.Checkpoint = deps.Store
	}
	return r, nil
}

// Queue exposes the schedule.
func (r *Runner) Queue() *queue.Queue { return r.queue }

// Saved is the number of edits saved so far.
func (r *Runner) Saved() int { return int(r.saved.Load()) }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run restores saved state and loops until ctx is cancelled, the edit
// limit is reached, or an unexpected error occurs. The status page reads
// inactive when Run returns. Cancellation and the limit are not errors.
func (r *Runner) Run(ctx context.Context) (err error) {
	r.log.Info("bot starting",
		zap.String("run", r.opts.RunID),
		zap.Duration("chunk", r.opts.Chunk),
		zap.Duration("delay", r.opts.Delay),
		zap.Bool("dry_run", r.opts.DryRun))
	r.record(telemetry.KindRunStart, "", map[string]any{"dry_run": r.opts.DryRun})

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if r.control != nil {
			if perr := r.control.Publish(stopCtx, control.Inactive); perr != nil {
				r.log.Error("publishing inactive status", zap.Error(perr))
			}
		}
		r.persistQueue(stopCtx)
		r.record(telemetry.KindRunStop, "", map[string]any{"saved": r.Saved()})
		r.log.Info("bot stopped", zap.Int("saved", r.Saved()), zap.Error(err))
	}()

	if err := r.Restore(ctx); err != nil {
		return err
	}
	if r.control != nil {
		if err := r.control.Publish(ctx, r.status()); err != nil {
			r.log.Warn("publishing status", zap.Error(err))
		}
	}

	for {
		err := r.Step(ctx)
		switch {
		case errors.Is(err, ErrLimitReached):
			r.log.Info("edit limit reached", zap.Int("limit", r.opts.Limit))
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}
		if err := r.sleep(ctx, r.opts.Chunk); err != nil {
			return nil
		}
	}
}

// Restore seeds the queue from the saved pending entries.
func (r *Runner) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	entries, err := r.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("bot: restore: %w", err)
	}
	for _, e := range entries {
		r.queue.InsertOrUpdate(e.DocID, e.EditTime)
	}
	if len(entries) > 0 {
		r.log.Info("queue restored", zap.Int("pending", len(entries)))
	}
	return nil
}

func (r *Runner) status() control.Status {
	if r.control != nil && r.control.Paused() {
		return control.Paused
	}
	return control.Active
}

// Step runs one iteration: poll, check the pause switch, then fix every
// page that is due. Feed and control errors are logged and retried on the
// next iteration, and the pause switch is read even when the feed is down.
// An unexpected save error is returned.
func (r *Runner) Step(ctx context.Context) error {
	res, err := r.poller.Poll(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("poll failed", zap.Error(err))
		r.checkControl(ctx)
		return nil
	}
	r.record(telemetry.KindPoll, "", map[string]any{
		"from":     res.From,
		"to":       res.To,
		"seen":     res.Seen,
		"queued":   res.Queued,
		"errors":   res.Errors,
		"rejected": res.Rejected,
	})

	r.checkControl(ctx)
	defer r.persistQueue(ctx)

	if r.control != nil && r.control.Paused() {
		r.log.Debug("paused, not dequeuing", zap.Int("pending", r.queue.Len()))
		return nil
	}
	return r.drain(ctx, res.To)
}

func (r *Runner) checkControl(ctx context.Context) {
	if r.control == nil {
		return
	}
	changed, err := r.control.Check(ctx)
	if err != nil {
		r.log.Warn("control check failed", zap.Error(err))
	}
	paused := r.control.Paused()
	if changed {
		kind := telemetry.KindResumed
		if paused {
			kind = telemetry.KindPaused
		}
		r.record(kind, "", nil)
	}
	if r.store != nil {
		if err := r.store.SetControlState(ctx, paused, r.control.Since()); err != nil {
			r.log.Warn("saving control state", zap.Error(err))
		}
	}
}

func (r *Runner) persistQueue(ctx context.Context) {
	if r.store == nil {
		return
	}
	if err := r.store.ReplacePending(ctx, r.queue.Snapshot()); err != nil {
		r.log.Warn("saving pending queue", zap.Error(err))
	}
}

// pageCache keeps the pages fetched while re-verifying freshness so the
// fix works on the same revision. Pages are keyed by the queued title,
// which the wiki may return normalized.
type pageCache struct {
	mu    sync.Mutex
	pages map[string]mediawiki.Page
}

func (c *pageCache) put(title string, p mediawiki.Page) {
	c.mu.Lock()
	c.pages[title] = p
	c.mu.Unlock()
}

func (c *pageCache) take(title string) (mediawiki.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pages[title]
	delete(c.pages, title)
	return p, ok
}

func (r *Runner) drain(ctx context.Context, now time.Time) error {
	cache := &pageCache{pages: make(map[string]mediawiki.Page)}
	fetch := queue.FetcherFunc(func(ctx context.Context, title string) (time.Time, error) {
		p, err := r.wiki.Page(ctx, title)
		if err != nil {
			return time.Time{}, err
		}
		switch {
		case p.Missing:
			return time.Time{}, queue.ErrMissing
		case p.Redirect:
			return time.Time{}, queue.ErrRedirect
		}
		cache.put(title, p)
		return p.Timestamp, nil
	})

	ready, err := r.queue.PopReady(ctx, now, r.opts.Delay, fetch)
	if err != nil && ctx.Err() == nil {
		// The failed entry is back in the queue; the ones already popped
		// are still processed.
		r.log.Warn("refreshing queued pages", zap.Error(err))
	}
	if len(ready) == 0 {
		return nil
	}

	// A failed page stops new work without cancelling saves under way.
	// Pages not yet started go back in the queue.
	var (
		g       errgroup.Group
		stopped atomic.Bool
	)
	g.SetLimit(r.opts.Workers)
	for _, e := range ready {
		page, ok := cache.take(e.DocID)
		if !ok {
			r.log.Debug("refetched page missing, skipping", zap.String("title", e.DocID))
			r.recordEdit(ctx, state.Edit{
				RunID:   r.opts.RunID,
				DocID:   e.DocID,
				Outcome: state.Failed,
				Detail:  "page not refetched",
			})
			continue
		}
		g.Go(func() error {
			if stopped.Load() {
				r.queue.InsertOrUpdate(e.DocID, e.EditTime)
				return nil
			}
			err := r.process(ctx, page)
			switch {
			case errors.Is(err, ErrLimitReached):
				r.queue.InsertOrUpdate(e.DocID, e.EditTime)
				stopped.Store(true)
				return nil
			case err != nil:
				stopped.Store(true)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if r.opts.Limit > 0 && r.saved.Load() >= int64(r.opts.Limit) {
		return ErrLimitReached
	}
	return nil
}

// reserve claims one save under the edit limit.
func (r *Runner) reserve() bool {
	n := r.slots.Add(1)
	if r.opts.Limit > 0 && n > int64(r.opts.Limit) {
		r.slots.Add(-1)
		return false
	}
	return true
}

// process fixes one page and saves the result. It returns ErrLimitReached
// without saving when the edit limit is used up, and otherwise only
// unexpected errors.
func (r *Runner) process(ctx context.Context, page mediawiki.Page) error {
	log := r.log.With(zap.String("title", page.Title), zap.Int64("revid", page.RevID))

	// The refetched text may have opted out since the page was queued.
	if !wikitext.BotsAllowed(page.Text, r.opts.Username) {
		log.Info("editing restricted by {{bots}}, skipping")
		r.recordEdit(ctx, state.Edit{
			RunID:   r.opts.RunID,
			DocID:   page.Title,
			RevID:   page.RevID,
			Outcome: state.Rejected,
			Detail:  "editing restricted by {{bots}}",
		})
		return nil
	}

	fixer, err := indent.NewFixer(r.opts.Indent, wikitext.New(r.rules.Get().TableTemplates...))
	if err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	res := fixer.Fix(page.Text)
	r.record(telemetry.KindFix, page.Title, map[string]any{
		"score":  res.Score,
		"rounds": res.Rounds,
	})

	edit := state.Edit{RunID: r.opts.RunID, DocID: page.Title, RevID: page.RevID, Score: res.Score}
	switch {
	case res.Aborted != nil:
		log.Debug("fix aborted", zap.Error(res.Aborted))
		edit.Outcome, edit.Detail = state.Ambiguous, res.Aborted.Error()
		r.recordEdit(ctx, edit)
		return nil
	case !res.Changed():
		edit.Outcome = state.NoChange
		r.recordEdit(ctx, edit)
		return nil
	case res.Score.Total() < r.opts.ScoreThreshold:
		log.Debug("score below threshold", zap.Int("score", res.Score.Total()))
		edit.Outcome = state.BelowBar
		r.recordEdit(ctx, edit)
		return nil
	case r.opts.DryRun:
		log.Info("dry run, not saving",
			zap.Int("score", res.Score.Total()),
			zap.Float64("per_10k", res.Score.Normalized(len(page.Text))))
		edit.Outcome = state.DryRun
		r.recordEdit(ctx, edit)
		return nil
	}

	if !r.reserve() {
		return ErrLimitReached
	}
	saved, err := r.wiki.Save(ctx, mediawiki.SaveRequest{
		Title:         page.Title,
		Text:          res.Text,
		Summary:       r.opts.Summary,
		Bot:           true,
		NoCreate:      true,
		BaseTimestamp: page.Timestamp,
	})
	if err != nil || saved.NoChange {
		r.slots.Add(-1)
	}
	switch {
	case err == nil:
	case mediawiki.IsTransient(err):
		log.Warn("save conflict, dropping page", zap.Error(err))
		r.saveFailed(ctx, edit, state.Conflict, err)
		return nil
	case mediawiki.IsPolicy(err):
		log.Warn("save rejected", zap.Error(err))
		r.saveFailed(ctx, edit, state.Rejected, err)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		log.Error("save failed", zap.Error(err))
		r.saveFailed(ctx, edit, state.Failed, err)
		return fmt.Errorf("bot: save %q: %w", page.Title, err)
	}

	if saved.NoChange {
		edit.Outcome = state.NoChange
		r.recordEdit(ctx, edit)
		return nil
	}
	r.saved.Add(1)
	edit.RevID, edit.Outcome = saved.NewRevID, state.Saved
	log.Info("saved", zap.Int64("new_revid", saved.NewRevID), zap.Int("score", res.Score.Total()))
	r.record(telemetry.KindSave, page.Title, map[string]any{"revid": saved.NewRevID, "score": res.Score})
	if r.opts.Verbose {
		r.outMu.Lock()
		fmt.Fprintf(r.opts.Out, "{{Diff2|%d|%s}}\n", saved.NewRevID, page.Title)
		r.outMu.Unlock()
	}
	r.recordEdit(ctx, edit)
	return nil
}

func (r *Runner) saveFailed(ctx context.Context, edit state.Edit, outcome state.Outcome, err error) {
	edit.Outcome, edit.Detail = outcome, err.Error()
	r.record(telemetry.KindSaveFailed, edit.DocID, map[string]any{"outcome": string(outcome), "error": err.Error()})
	r.recordEdit(ctx, edit)
}

// recordEdit appends edit to the edit log. Store failures are only logged.
func (r *Runner) recordEdit(ctx context.Context, edit state.Edit) {
	if r.store == nil {
		return
	}
	if err := r.store.RecordEdit(ctx, edit); err != nil {
		r.log.Warn("recording edit", zap.String("title", edit.DocID), zap.Error(err))
	}
}

func (r *Runner) record(kind, docID string, data any) {
	if err := r.events.Record(kind, docID, data); err != nil {
		r.log.Warn("telemetry", zap.Error(err))
	}
}
