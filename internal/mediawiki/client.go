// Package mediawiki is a small client for the parts of the MediaWiki
// action API the bot uses: logging in, reading pages and revisions,
// listing recent changes, looking up user groups and saving edits.
package mediawiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes caps a single API response.
const maxResponseBytes = 64 << 20

// Options configure a Client.
type Options struct {
	APIURL    string
	UserAgent string
	// HTTPClient defaults to a client with a cookie jar and a one minute
	// timeout. A custom client needs its own jar for Login to stick.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to one wiki's api.php.
type Client struct {
	api       string
	userAgent string
	http      *http.Client
	log       *zap.Logger

	mu   sync.Mutex
	csrf string
}

// New returns a Client for opts.APIURL.
func New(opts Options) (*Client, error) {
	u, err := url.Parse(opts.APIURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("mediawiki: invalid api url %q", opts.APIURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("mediawiki: cookie jar: %w", err)
		}
		hc = &http.Client{Jar: jar, Timeout: time.Minute}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{api: u.String(), userAgent: opts.UserAgent, http: hc, log: log}, nil
}

// call posts params to the API and decodes the response into out. An API
// level error is returned as *APIError.
func (c *Client) call(ctx context.Context, params url.Values, out any) error {
	params.Set("format", "json")
	params.Set("formatversion", "2")
	action := params.Get("action")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("mediawiki: %s: build request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mediawiki: %s: %w", action, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("mediawiki: %s: read response: %w", action, err)
	}
	c.log.Debug("api call",
		zap.String("action", action),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mediawiki: %s: http status %d", action, resp.StatusCode)
	}

	var env struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("mediawiki: %s: decode response: %w", action, err)
	}
	if env.Error != nil {
		return env.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("mediawiki: %s: decode response: %w", action, err)
	}
	return nil
}

func (c *Client) token(ctx context.Context, kind string) (string, error) {
	var resp struct {
		Query struct {
			Tokens map[string]string `json:"tokens"`
		} `json:"query"`
	}
	params := url.Values{"action": {"query"}, "meta": {"tokens"}, "type": {kind}}
	if err := c.call(ctx, params, &resp); err != nil {
		return "", err
	}
	tok := resp.Query.Tokens[kind+"token"]
	if tok == "" {
		return "", fmt.Errorf("mediawiki: no %s token in response", kind)
	}
	return tok, nil
}

// Login signs in with a bot password.
func (c *Client) Login(ctx context.Context, username, password string) error {
	tok, err := c.token(ctx, "login")
	if err != nil {
		return fmt.Errorf("mediawiki: login: %w", err)
	}
	var resp struct {
		Login struct {
			Result string `json:"result"`
			Reason string `json:"reason"`
		} `json:"login"`
	}
	params := url.Values{
		"action":     {"login"},
		"lgname":     {username},
		"lgpassword": {password},
		"lgtoken":    {tok},
	}
	if err := c.call(ctx, params, &resp); err != nil {
		return fmt.Errorf("mediawiki: login: %w", err)
	}
	if resp.Login.Result != "Success" {
		return fmt.Errorf("mediawiki: login as %q: %s %s", username, resp.Login.Result, resp.Login.Reason)
	}
	c.mu.Lock()
	c.csrf = ""
	c.mu.Unlock()
	c.log.Info("logged in", zap.String("user", username))
	return nil
}

func (c *Client) csrfToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok := c.csrf
	c.mu.Unlock()
	if tok != "" {
		return tok, nil
	}
	tok, err := c.token(ctx, "csrf")
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.csrf = tok
	c.mu.Unlock()
	return tok, nil
}

// Page is the latest revision of a page.
type Page struct {
	Title     string
	NS        int
	RevID     int64
	Timestamp time.Time
	Text      string
	Redirect  bool
	Missing   bool
}

type apiRevision struct {
	RevID     int64     `json:"revid"`
	User      string    `json:"user"`
	Comment   string    `json:"comment"`
	Timestamp time.Time `json:"timestamp"`
	Slots     struct {
		Main struct {
			Content string `json:"content"`
		} `json:"main"`
	} `json:"slots"`
}

type apiPage struct {
	Title     string        `json:"title"`
	NS        int           `json:"ns"`
	Missing   bool          `json:"missing"`
	Invalid   bool          `json:"invalid"`
	Redirect  bool          `json:"redirect"`
	Revisions []apiRevision `json:"revisions"`
}

type queryPages struct {
	Continue map[string]string `json:"continue"`
	Query    struct {
		Pages []apiPage `json:"pages"`
	} `json:"query"`
}

// Page fetches the current text and metadata of title. Redirects are not
// followed.
func (c *Client) Page(ctx context.Context, title string) (Page, error) {
	params := url.Values{
		"action":  {"query"},
		"prop":    {"info|revisions"},
		"titles":  {title},
		"rvprop":  {"ids|timestamp|content"},
		"rvslots": {"main"},
	}
	var resp queryPages
	if err := c.call(ctx, params, &resp); err != nil {
		return Page{}, fmt.Errorf("mediawiki: page %q: %w", title, err)
	}
	if len(resp.Query.Pages) == 0 {
		return Page{}, fmt.Errorf("mediawiki: page %q: empty response", title)
	}
	p := resp.Query.Pages[0]
	page := Page{Title: p.Title, NS: p.NS, Redirect: p.Redirect, Missing: p.Missing || p.Invalid}
	if len(p.Revisions) > 0 {
		r := p.Revisions[0]
		page.RevID, page.Timestamp, page.Text = r.RevID, r.Timestamp, r.Slots.Main.Content
	}
	return page, nil
}

// Revision is one entry of a page's history.
type Revision struct {
	RevID     int64
	User      string
	Comment   string
	Timestamp time.Time
}

// Revisions lists the revisions of title made strictly after since, oldest
// first.
func (c *Client) Revisions(ctx context.Context, title string, since time.Time) ([]Revision, error) {
	params := url.Values{
		"action":  {"query"},
		"prop":    {"revisions"},
		"titles":  {title},
		"rvprop":  {"ids|timestamp|user|comment"},
		"rvdir":   {"newer"},
		"rvlimit": {"50"},
	}
	if !since.IsZero() {
		params.Set("rvstart", since.UTC().Format(time.RFC3339))
	}

	var out []Revision
	for {
		var resp queryPages
		if err := c.call(ctx, cloneValues(params), &resp); err != nil {
			return nil, fmt.Errorf("mediawiki: revisions %q: %w", title, err)
		}
		for _, p := range resp.Query.Pages {
			for _, r := range p.Revisions {
				if !r.Timestamp.After(since) {
					continue
				}
				out = append(out, Revision{RevID: r.RevID, User: r.User, Comment: r.Comment, Timestamp: r.Timestamp})
			}
		}
		if len(resp.Continue) == 0 {
			return out, nil
		}
		for k, v := range resp.Continue {
			params.Set(k, v)
		}
	}
}

// Change is one entry of the recent changes feed.
type Change struct {
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	NS        int       `json:"ns"`
	RevID     int64     `json:"revid"`
	OldLen    int       `json:"oldlen"`
	NewLen    int       `json:"newlen"`
	User      string    `json:"user"`
	Comment   string    `json:"comment"`
	Timestamp time.Time `json:"timestamp"`
}

// RCQuery selects recent changes.
type RCQuery struct {
	Start, End  time.Time
	Namespaces  []int
	ExcludeBots bool
}

// RecentChanges lists page edits and creations between q.Start and q.End,
// oldest first, following continuation.
func (c *Client) RecentChanges(ctx context.Context, q RCQuery) ([]Change, error) {
	params := url.Values{
		"action":  {"query"},
		"list":    {"recentchanges"},
		"rcdir":   {"newer"},
		"rctype":  {"edit|new"},
		"rcprop":  {"title|timestamp|sizes|user|ids|comment"},
		"rclimit": {"500"},
	}
	if !q.Start.IsZero() {
		params.Set("rcstart", q.Start.UTC().Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		params.Set("rcend", q.End.UTC().Format(time.RFC3339))
	}
	if len(q.Namespaces) > 0 {
		ns := make([]string, len(q.Namespaces))
		for i, n := range q.Namespaces {
			ns[i] = strconv.Itoa(n)
		}
		params.Set("rcnamespace", strings.Join(ns, "|"))
	}
	if q.ExcludeBots {
		params.Set("rcshow", "!bot")
	}

	var out []Change
	for {
		var resp struct {
			Continue map[string]string `json:"continue"`
			Query    struct {
				RecentChanges []Change `json:"recentchanges"`
			} `json:"query"`
		}
		if err := c.call(ctx, cloneValues(params), &resp); err != nil {
			return nil, fmt.Errorf("mediawiki: recent changes: %w", err)
		}
		out = append(out, resp.Query.RecentChanges...)
		if len(resp.Continue) == 0 {
			return out, nil
		}
		for k, v := range resp.Continue {
			params.Set(k, v)
		}
	}
}

// UserGroups returns the groups user belongs to, including implicit ones.
func (c *Client) UserGroups(ctx context.Context, user string) ([]string, error) {
	var resp struct {
		Query struct {
			Users []struct {
				Name    string   `json:"name"`
				Missing bool     `json:"missing"`
				Groups  []string `json:"groups"`
			} `json:"users"`
		} `json:"query"`
	}
	params := url.Values{"action": {"query"}, "list": {"users"}, "ususers": {user}, "usprop": {"groups"}}
	if err := c.call(ctx, params, &resp); err != nil {
		return nil, fmt.Errorf("mediawiki: user groups %q: %w", user, err)
	}
	if len(resp.Query.Users) == 0 || resp.Query.Users[0].Missing {
		return nil, nil
	}
	return resp.Query.Users[0].Groups, nil
}

// ServerTime returns the wiki's current clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var resp struct {
		Query struct {
			General struct {
				Time time.Time `json:"time"`
			} `json:"general"`
		} `json:"query"`
	}
	params := url.Values{"action": {"query"}, "meta": {"siteinfo"}, "siprop": {"general"}}
	if err := c.call(ctx, params, &resp); err != nil {
		return time.Time{}, fmt.Errorf("mediawiki: server time: %w", err)
	}
	return resp.Query.General.Time, nil
}

// SaveRequest describes an edit.
type SaveRequest struct {
	Title   string
	Text    string
	Summary string
	Minor   bool
	Bot     bool
	// NoCreate fails the edit if the page was deleted meanwhile.
	NoCreate bool
	// BaseTimestamp is the timestamp of the revision the text was derived
	// from. The wiki reports an edit conflict if the page moved on.
	BaseTimestamp time.Time
}

// SaveResult is the outcome of a successful save.
type SaveResult struct {
	NewRevID int64
	NoChange bool
}

// Save submits an edit. Refusals are returned as *SaveError.
func (c *Client) Save(ctx context.Context, r SaveRequest) (SaveResult, error) {
	res, err := c.save(ctx, r)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "badtoken" {
		c.mu.Lock()
		c.csrf = ""
		c.mu.Unlock()
		res, err = c.save(ctx, r)
		if errors.As(err, &apiErr) {
			err = classify(apiErr)
		}
	}
	return res, err
}

func (c *Client) save(ctx context.Context, r SaveRequest) (SaveResult, error) {
	tok, err := c.csrfToken(ctx)
	if err != nil {
		return SaveResult{}, &SaveError{Kind: Unknown, Reason: "no csrf token", Err: err}
	}
	params := url.Values{
		"action":  {"edit"},
		"title":   {r.Title},
		"text":    {r.Text},
		"summary": {r.Summary},
		"assert":  {"user"},
		"token":   {tok},
	}
	if r.Minor {
		params.Set("minor", "1")
	}
	if r.Bot {
		params.Set("bot", "1")
	}
	if r.NoCreate {
		params.Set("nocreate", "1")
	}
	if !r.BaseTimestamp.IsZero() {
		params.Set("basetimestamp", r.BaseTimestamp.UTC().Format(time.RFC3339))
	}

	var resp struct {
		Edit struct {
			Result   string `json:"result"`
			NewRevID int64  `json:"newrevid"`
			NoChange bool   `json:"nochange"`
		} `json:"edit"`
	}
	err = c.call(ctx, params, &resp)
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.Code == "badtoken" {
			return SaveResult{}, apiErr
		}
		return SaveResult{}, classify(apiErr)
	case err != nil:
		return SaveResult{}, &SaveError{Kind: Unknown, Reason: err.Error(), Err: err}
	case resp.Edit.Result != "Success":
		return SaveResult{}, &SaveError{Kind: OtherRejected, Reason: "result " + resp.Edit.Result}
	}
	return SaveResult{NewRevID: resp.Edit.NewRevID, NoChange: resp.Edit.NoChange}, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
