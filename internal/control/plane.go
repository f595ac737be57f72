// Package control implements the bot's pause switch. Privileged users
// stop and resume the bot by editing a control page with a summary ending
// in STOP or RESUME, and the bot publishes its state to a status page.
package control

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/papapumpkin/indentbot/internal/mediawiki"
)

// Status is the published state of the bot.
type Status string

const (
	Active   Status = "active"
	Paused   Status = "paused"
	Inactive Status = "inactive"
)

// Command is an instruction found on the control page.
type Command int

const (
	None Command = iota
	Stop
	Resume
)

func (c Command) String() string {
	switch c {
	case Stop:
		return "STOP"
	case Resume:
		return "RESUME"
	default:
		return "none"
	}
}

// ParseCommand extracts the command from an edit summary.
func ParseCommand(comment string) Command {
	s := strings.TrimSpace(comment)
	switch {
	case strings.HasSuffix(s, "STOP"):
		return Stop
	case strings.HasSuffix(s, "RESUME"):
		return Resume
	}
	return None
}

// Wiki is what the plane needs from the wiki.
type Wiki interface {
	Revisions(ctx context.Context, title string, since time.Time) ([]mediawiki.Revision, error)
	UserGroups(ctx context.Context, user string) ([]string, error)
	Save(ctx context.Context, r mediawiki.SaveRequest) (mediawiki.SaveResult, error)
}

// Options configure a Plane.
type Options struct {
	// Page is the control page watched for commands.
	Page string
	// StatusPage receives the published status. Empty disables publishing.
	StatusPage string
	// PauseGroups may stop the bot; ResumeGroups may resume it.
	PauseGroups  []string
	ResumeGroups []string
	// IsMaintainer reports users allowed to do both regardless of groups.
	IsMaintainer func(user string) bool
	// Paused and Since restore state from a previous run.
	Paused bool
	Since  time.Time
	// DryRun logs status changes instead of saving them.
	DryRun bool
	Logger *zap.Logger
}

// Plane tracks the paused flag. It is safe for concurrent use.
type Plane struct {
	wiki Wiki
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	paused    bool
	since     time.Time
	published Status
}

// New returns a Plane reading commands through wiki.
func New(wiki Wiki, opts Options) *Plane {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Plane{wiki: wiki, opts: opts, log: log, paused: opts.Paused, since: opts.Since}
}

// Paused reports whether dequeuing is suspended.
func (p *Plane) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Since is the timestamp of the last control page revision examined.
func (p *Plane) Since() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.since
}

// Status is the status matching the current paused flag.
func (p *Plane) Status() Status {
	if p.Paused() {
		return Paused
	}
	return Active
}

// Check reads control page revisions made since the last check and applies
// the authorized commands in order. It reports whether the paused flag
// changed, and publishes the new status when it did.
func (p *Plane) Check(ctx context.Context) (bool, error) {
	p.mu.Lock()
	since := p.since
	was := p.paused
	p.mu.Unlock()

	revs, err := p.wiki.Revisions(ctx, p.opts.Page, since)
	if err != nil {
		return false, fmt.Errorf("control: check: %w", err)
	}

	paused := was
	for _, rev := range revs {
		if rev.Timestamp.After(since) {
			since = rev.Timestamp
		}
		cmd := ParseCommand(rev.Comment)
		if cmd == None || (cmd == Stop && paused) || (cmd == Resume && !paused) {
			continue
		}
		ok, err := p.authorized(ctx, rev.User, cmd)
		if err != nil {
			return false, fmt.Errorf("control: check: %w", err)
		}
		if !ok {
			p.log.Info("control command ignored",
				zap.String("command", cmd.String()),
				zap.String("user", rev.User),
				zap.Int64("revid", rev.RevID))
			continue
		}
		paused = cmd == Stop
		verb := "resumed"
		if paused {
			verb = "stopped"
		}
		p.log.Warn("bot "+verb,
			zap.String("user", rev.User),
			zap.Int64("revid", rev.RevID),
			zap.Time("timestamp", rev.Timestamp),
			zap.String("comment", rev.Comment))
	}

	p.mu.Lock()
	p.since = since
	p.paused = paused
	p.mu.Unlock()

	if paused == was {
		return false, nil
	}
	return true, p.Publish(ctx, p.Status())
}

func (p *Plane) authorized(ctx context.Context, user string, cmd Command) (bool, error) {
	if p.opts.IsMaintainer != nil && p.opts.IsMaintainer(user) {
		return true, nil
	}
	allowed := p.opts.PauseGroups
	if cmd == Resume {
		allowed = p.opts.ResumeGroups
	}
	if len(allowed) == 0 {
		return false, nil
	}
	groups, err := p.wiki.UserGroups(ctx, user)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		for _, a := range allowed {
			if g == a {
				return true, nil
			}
		}
	}
	return false, nil
}

// Publish writes s to the status page if it differs from the last value
// published.
func (p *Plane) Publish(ctx context.Context, s Status) error {
	p.mu.Lock()
	same := p.published == s
	p.mu.Unlock()
	if same || p.opts.StatusPage == "" {
		return nil
	}

	if p.opts.DryRun {
		p.log.Info("status not published in dry run", zap.String("status", string(s)))
	} else {
		_, err := p.wiki.Save(ctx, mediawiki.SaveRequest{
			Title:   p.opts.StatusPage,
			Text:    string(s),
			Summary: fmt.Sprintf("Updating status: %s.", s),
			Minor:   true,
			Bot:     true,
		})
		if err != nil {
			return fmt.Errorf("control: publish %s: %w", s, err)
		}
	}

	p.mu.Lock()
	p.published = s
	p.mu.Unlock()
	return nil
}
