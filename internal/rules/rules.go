// Package rules holds the page-selection rules the bot consults before
// editing: which namespaces and titles are eligible, who may control the
// bot, and which templates render tables. Rules live in a TOML file that
// can be edited while the bot runs.
package rules

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	toml "github.com/pelletier/go-toml/v2"
)

// DefaultPath is the conventional location of the rules file.
const DefaultPath = "indentbot.rules.toml"

// Rules select the pages the bot may edit.
type Rules struct {
	// Namespaces are the namespace numbers watched in the change feed.
	Namespaces []int `toml:"namespaces"`
	// MinSignaturesNonTalk is how many signatures a page outside the talk
	// namespaces needs before it is treated as a discussion.
	MinSignaturesNonTalk int `toml:"min_signatures_non_talk"`
	// Sandboxes are exact titles never edited.
	Sandboxes []string `toml:"sandboxes"`
	// BlockedPrefixes are title prefixes never edited.
	BlockedPrefixes []string `toml:"blocked_prefixes"`
	// TemplatePrefixes opt template-namespace pages in.
	TemplatePrefixes []string `toml:"template_prefixes"`
	// TableTemplates are templates that open a table.
	TableTemplates []string `toml:"table_templates"`
	// Maintainers may pause and resume the bot regardless of user groups.
	Maintainers []string `toml:"maintainers"`
}

// Default returns the built-in rules.
func Default() *Rules {
	return &Rules{
		Namespaces:           []int{1, 3, 5, 7, 11, 13, 15, 101, 119, 711, 829, 4, 10},
		MinSignaturesNonTalk: 3,
		Sandboxes: []string{
			"Wikipedia:Sandbox",
			"Wikipedia talk:Sandbox",
			"Wikipedia:Articles for creation/AFC sandbox",
			"User talk:Sandbox",
			"User talk:Sandbox for user warnings",
			"User:Sandbox",
		},
		BlockedPrefixes:  []string{"Wikipedia:Requests for permissions/"},
		TemplatePrefixes: []string{"Template:Did you know nominations/"},
	}
}

// Load reads rules from path on top of the defaults. A missing file yields
// the defaults.
func Load(path string) (*Rules, error) {
	r := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Save writes r to path, creating parent directories as needed.
func Save(path string, r *Rules) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	data, err := toml.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling rules: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Validate checks the rules for values that cannot work.
func (r *Rules) Validate() error {
	if len(r.Namespaces) == 0 {
		return fmt.Errorf("rules: no namespaces")
	}
	for _, ns := range r.Namespaces {
		if ns < 0 {
			return fmt.Errorf("rules: invalid namespace %d", ns)
		}
	}
	if r.MinSignaturesNonTalk < 0 {
		return fmt.Errorf("rules: negative signature count %d", r.MinSignaturesNonTalk)
	}
	return nil
}

var sandboxSuffix = regexp.MustCompile(`/[sS]andbox(?: ?\d+)?(?:/|$)`)

// IsSandbox reports whether title is a sandbox page.
func (r *Rules) IsSandbox(title string) bool {
	for _, s := range r.Sandboxes {
		if title == s {
			return true
		}
	}
	return sandboxSuffix.MatchString(title)
}

// TitleAllowed reports whether the bot may edit title, and if not, why.
func (r *Rules) TitleAllowed(title string) (bool, string) {
	if r.IsSandbox(title) {
		return false, "sandbox"
	}
	if strings.HasPrefix(title, "Template:") && !hasPrefix(title, r.TemplatePrefixes) {
		return false, "template not opted in"
	}
	if hasPrefix(title, r.BlockedPrefixes) {
		return false, "blocked prefix"
	}
	return true, ""
}

// IsMaintainer reports whether user is listed as a maintainer.
func (r *Rules) IsMaintainer(user string) bool {
	for _, m := range r.Maintainers {
		if m == user {
			return true
		}
	}
	return false
}

// WatchesNamespace reports whether ns is one of the watched namespaces.
func (r *Rules) WatchesNamespace(ns int) bool {
	for _, n := range r.Namespaces {
		if n == ns {
			return true
		}
	}
	return false
}

func hasPrefix(title string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(title, p) {
			return true
		}
	}
	return false
}

// Store holds the current rules for concurrent readers.
type Store struct {
	p atomic.Pointer[Rules]
}

// NewStore returns a Store holding r.
func NewStore(r *Rules) *Store {
	s := &Store{}
	s.Set(r)
	return s
}

// Get returns the current rules. Callers must not modify them.
func (s *Store) Get() *Rules { return s.p.Load() }

// Set replaces the current rules.
func (s *Store) Set(r *Rules) { s.p.Store(r) }
