package feed

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/papapumpkin/indentbot/internal/mediawiki"
	"github.com/papapumpkin/indentbot/internal/queue"
	"github.com/papapumpkin/indentbot/internal/rules"
)

// Source is the part of the wiki the poller reads.
type Source interface {
	ServerTime(ctx context.Context) (time.Time, error)
	RecentChanges(ctx context.Context, q mediawiki.RCQuery) ([]mediawiki.Change, error)
	Page(ctx context.Context, title string) (mediawiki.Page, error)
}

// Checkpointer persists the time up to which the feed has been read.
type Checkpointer interface {
	Checkpoint(ctx context.Context) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, t time.Time) error
}

// Scheduler receives accepted candidates.
type Scheduler interface {
	InsertOrUpdate(docID string, editTime time.Time)
}

var _ Scheduler = (*queue.Queue)(nil)

// Poller reads the change feed since the last checkpoint and schedules the
// pages that pass the chain.
type Poller struct {
	Source     Source
	Queue      Scheduler
	Rules      *rules.Store
	Chain      *Chain
	Checkpoint Checkpointer
	// Delay is how far back the first poll reaches when no checkpoint
	// exists.
	Delay  time.Duration
	Logger *zap.Logger

	last time.Time
}

// PollResult summarizes one poll.
type PollResult struct {
	From, To time.Time
	Seen     int
	Queued   int
	// Errors counts changes skipped because a check failed to run.
	Errors int
	// Rejected counts rejections by check name.
	Rejected map[string]int
}

// Poll reads one window of the feed. A change whose checks fail with an
// error, such as a page fetch that timed out, is skipped and counted, and
// the window still completes. The checkpoint does not advance when the
// feed itself cannot be read. Poll is not safe for concurrent use.
func (p *Poller) Poll(ctx context.Context) (PollResult, error) {
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}

	now, err := p.Source.ServerTime(ctx)
	if err != nil {
		return PollResult{}, fmt.Errorf("feed: poll: %w", err)
	}
	from := now.Add(-p.Delay)
	if !p.last.IsZero() {
		from = p.last.Add(time.Second)
	} else if p.Checkpoint != nil {
		last, ok, err := p.Checkpoint.Checkpoint(ctx)
		if err != nil {
			return PollResult{}, fmt.Errorf("feed: poll: %w", err)
		}
		if ok {
			from = last.Add(time.Second)
		}
	}
	res := PollResult{From: from, To: now, Rejected: make(map[string]int)}
	if from.After(now) {
		return res, nil
	}

	changes, err := p.Source.RecentChanges(ctx, mediawiki.RCQuery{
		Start:       from,
		End:         now,
		Namespaces:  p.Rules.Get().Namespaces,
		ExcludeBots: true,
	})
	if err != nil {
		return res, fmt.Errorf("feed: poll: %w", err)
	}

	pages := make(map[string]mediawiki.Page)
	for _, ch := range changes {
		res.Seen++
		title := ch.Title
		cand := NewCandidate(ch, func(ctx context.Context) (mediawiki.Page, error) {
			if pg, ok := pages[title]; ok {
				return pg, nil
			}
			pg, err := p.Source.Page(ctx, title)
			if err != nil {
				return mediawiki.Page{}, err
			}
			pages[title] = pg
			return pg, nil
		})
		r, err := p.Chain.Run(ctx, cand)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors++
			log.Warn("change skipped", zap.String("title", title), zap.Int64("revid", ch.RevID), zap.Error(err))
			continue
		}
		if !r.Passed {
			f := r.FirstFailure()
			res.Rejected[f.Name]++
			log.Debug("change rejected",
				zap.String("title", title),
				zap.Int64("revid", ch.RevID),
				zap.String("check", f.Name),
				zap.String("reason", f.Reason))
			continue
		}
		p.Queue.InsertOrUpdate(title, ch.Timestamp)
		res.Queued++
	}

	if p.Checkpoint != nil {
		if err := p.Checkpoint.SetCheckpoint(ctx, now); err != nil {
			return res, fmt.Errorf("feed: poll: %w", err)
		}
	}
	p.last = now
	log.Debug("feed polled",
		zap.Time("from", from),
		zap.Time("to", now),
		zap.Int("seen", res.Seen),
		zap.Int("queued", res.Queued),
		zap.Int("errors", res.Errors))
	return res, nil
}
