// Package feed turns the wiki's recent changes into queue entries. Each
// change passes through a chain of cheap checks before its page is
// scheduled for fixing.
package feed

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/papapumpkin/indentbot/internal/mediawiki"
	"github.com/papapumpkin/indentbot/internal/rules"
	"github.com/papapumpkin/indentbot/internal/wikitext"
)

// ErrRejected marks a check failure, as opposed to an error reaching the
// wiki. Checks wrap it with the reason.
var ErrRejected = errors.New("rejected")

func reject(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// Candidate is a change under consideration. The page text is fetched
// lazily so cheap checks run first.
type Candidate struct {
	Change mediawiki.Change
	load   func(ctx context.Context) (mediawiki.Page, error)
	page   *mediawiki.Page
}

// NewCandidate wraps change. load is called at most once, the first time
// a check needs the page.
func NewCandidate(change mediawiki.Change, load func(ctx context.Context) (mediawiki.Page, error)) *Candidate {
	return &Candidate{Change: change, load: load}
}

// Page returns the current page, fetching it on first use.
func (c *Candidate) Page(ctx context.Context) (mediawiki.Page, error) {
	if c.page != nil {
		return *c.page, nil
	}
	if c.load == nil {
		return mediawiki.Page{}, fmt.Errorf("feed: no page source for %q", c.Change.Title)
	}
	p, err := c.load(ctx)
	if err != nil {
		return mediawiki.Page{}, err
	}
	c.page = &p
	return p, nil
}

// Check is a single named check in the chain.
type Check struct {
	Name string
	Fn   func(ctx context.Context, c *Candidate) error
}

// CheckResult records the outcome of one check.
type CheckResult struct {
	Name   string
	Passed bool
	Reason string
}

// Result is the outcome of running a chain over one candidate.
type Result struct {
	Passed bool
	Checks []CheckResult
}

// FirstFailure returns the check that rejected the candidate, or nil.
func (r *Result) FirstFailure() *CheckResult {
	for i := range r.Checks {
		if !r.Checks[i].Passed {
			return &r.Checks[i]
		}
	}
	return nil
}

// Chain runs checks in order, stopping at the first rejection.
type Chain struct {
	Checks []Check
}

// Run executes each check in sequence. A rejection is reported in the
// Result; the error is non-nil only when a check could not be evaluated.
func (ch *Chain) Run(ctx context.Context, c *Candidate) (*Result, error) {
	result := &Result{Passed: true}
	for _, check := range ch.Checks {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("feed: chain cancelled: %w", err)
		}
		err := check.Fn(ctx, c)
		if errors.Is(err, ErrRejected) {
			result.Passed = false
			result.Checks = append(result.Checks, CheckResult{
				Name:   check.Name,
				Reason: strings.TrimPrefix(err.Error(), ErrRejected.Error()+": "),
			})
			return result, nil
		}
		if err != nil {
			return nil, fmt.Errorf("feed: check %s on %q: %w", check.Name, c.Change.Title, err)
		}
		result.Checks = append(result.Checks, CheckResult{Name: check.Name, Passed: true})
	}
	return result, nil
}

// DefaultChain returns the standard candidate chain: size delta, title,
// namespace, signatures, then the page's {{bots}} opt-out for user.
func DefaultChain(minDelta int, user string, rs *rules.Store) *Chain {
	return &Chain{Checks: []Check{
		{Name: "size_delta", Fn: SizeDelta(minDelta)},
		{Name: "title", Fn: Title(rs)},
		{Name: "namespace", Fn: Namespace(rs)},
		{Name: "signatures", Fn: Signatures(rs)},
		{Name: "bots", Fn: Bots(user)},
	}}
}

// SizeDelta rejects changes that grew the page by fewer than minDelta
// bytes.
func SizeDelta(minDelta int) func(context.Context, *Candidate) error {
	return func(_ context.Context, c *Candidate) error {
		if d := c.Change.NewLen - c.Change.OldLen; d < minDelta {
			return reject("size delta %d below %d", d, minDelta)
		}
		return nil
	}
}

// Title rejects sandboxes, blocked prefixes and templates not opted in.
func Title(rs *rules.Store) func(context.Context, *Candidate) error {
	return func(_ context.Context, c *Candidate) error {
		if ok, why := rs.Get().TitleAllowed(c.Change.Title); !ok {
			return reject("%s", why)
		}
		return nil
	}
}

// Namespace rejects changes outside the watched namespaces.
func Namespace(rs *rules.Store) func(context.Context, *Candidate) error {
	return func(_ context.Context, c *Candidate) error {
		if !rs.Get().WatchesNamespace(c.Change.NS) {
			return reject("namespace %d not watched", c.Change.NS)
		}
		return nil
	}
}

var months = func() string {
	names := make([]string, 12)
	for m := time.January; m <= time.December; m++ {
		names[m-1] = m.String()
	}
	return strings.Join(names, "|")
}()

var anySignature = regexp.MustCompile(`\[\[[Uu]ser(?: talk)?:[^\n]+?[0-2]\d:[0-5]\d, [1-3]?\d (?:` + months + `) 2\d{3} \(UTC\)`)

// signatureAt matches a user signature stamped at t, to the minute.
func signatureAt(t time.Time) *regexp.Regexp {
	t = t.UTC()
	stamp := t.Format("15:04") + ", " + strconv.Itoa(t.Day()) + " " + t.Month().String() + " " + strconv.Itoa(t.Year()) + " (UTC)"
	return regexp.MustCompile(`\[\[[Uu]ser(?: talk)?:[^\n]+?` + regexp.QuoteMeta(stamp))
}

// HasSignatures reports whether text carries at least n distinct
// signatures.
func HasSignatures(text string, n int) bool {
	if n <= 0 {
		return true
	}
	seen := make(map[string]struct{})
	for _, m := range anySignature.FindAllString(text, -1) {
		seen[m] = struct{}{}
		if len(seen) >= n {
			return true
		}
	}
	return false
}

// HasSignatureAt reports whether text carries a signature stamped at t.
func HasSignatureAt(text string, t time.Time) bool {
	return signatureAt(t).MatchString(text)
}

// Signatures fetches the page and requires a signature matching the
// change time. Pages outside the talk namespaces must also carry enough
// signatures to look like a discussion.
func Signatures(rs *rules.Store) func(context.Context, *Candidate) error {
	return func(ctx context.Context, c *Candidate) error {
		p, err := c.Page(ctx)
		if err != nil {
			return err
		}
		if p.Missing {
			return reject("page missing")
		}
		if p.Redirect {
			return reject("redirect")
		}
		if c.Change.NS%2 == 0 {
			if need := rs.Get().MinSignaturesNonTalk; !HasSignatures(p.Text, need) {
				return reject("fewer than %d signatures", need)
			}
		}
		if !HasSignatureAt(p.Text, c.Change.Timestamp) {
			return reject("no signature at %s", c.Change.Timestamp.UTC().Format(time.RFC3339))
		}
		return nil
	}
}

// Bots rejects pages whose {{bots}} or {{nobots}} templates shut user out.
func Bots(user string) func(context.Context, *Candidate) error {
	return func(ctx context.Context, c *Candidate) error {
		p, err := c.Page(ctx)
		if err != nil {
			return err
		}
		if !wikitext.BotsAllowed(p.Text, user) {
			return reject("editing restricted by {{bots}}")
		}
		return nil
	}
}
