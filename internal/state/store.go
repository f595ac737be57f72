// Package state persists what the bot needs to survive a restart: the
// feed checkpoint, the control plane's position, the pending queue and a
// log of edit attempts. It is backed by a local SQLite database.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/papapumpkin/indentbot/internal/indent"
	"github.com/papapumpkin/indentbot/internal/queue"
)

const schema = `
CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS pending (
    doc_id    TEXT PRIMARY KEY,
    edit_time TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS edits (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id       TEXT NOT NULL,
    doc_id       TEXT NOT NULL,
    rev_id       INTEGER NOT NULL DEFAULT 0,
    gaps         INTEGER NOT NULL DEFAULT 0,
    extra_indent INTEGER NOT NULL DEFAULT 0,
    markup       INTEGER NOT NULL DEFAULT 0,
    final_char   INTEGER NOT NULL DEFAULT 0,
    outcome      TEXT NOT NULL,
    detail       TEXT NOT NULL DEFAULT '',
    saved_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS edits_doc ON edits(doc_id);
`

const (
	keyCheckpoint   = "checkpoint"
	keyControlSince = "control_since"
	keyPaused       = "paused"
)

// Outcome records what happened to a document taken off the queue.
type Outcome string

const (
	Saved     Outcome = "saved"
	DryRun    Outcome = "dry_run"
	NoChange  Outcome = "no_change"
	BelowBar  Outcome = "below_threshold"
	Ambiguous Outcome = "ambiguous"
	Conflict  Outcome = "conflict"
	Rejected  Outcome = "rejected"
	Failed    Outcome = "failed"
)

// Edit is one row of the edit log.
type Edit struct {
	ID      int64
	RunID   string
	DocID   string
	RevID   int64
	Score   indent.Score
	Outcome Outcome
	Detail  string
	At      time.Time
}

// Store is a SQLite database in WAL mode.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("state: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("state: get %s: %w", key, err)
	}
	return v, true, nil
}

func setMeta(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, key, value string) error {
	const q = `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := ex.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("state: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	v, ok, err := s.getMeta(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := parseTimestamp(v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("state: get %s: %w", key, err)
	}
	return t, true, nil
}

// Checkpoint returns the server time up to which the feed has been read.
func (s *Store) Checkpoint(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, keyCheckpoint)
}

// SetCheckpoint records t as the feed checkpoint.
func (s *Store) SetCheckpoint(ctx context.Context, t time.Time) error {
	return setMeta(ctx, s.db, keyCheckpoint, formatTime(t))
}

// ControlState returns the saved paused flag and the time of the last
// control page revision examined.
func (s *Store) ControlState(ctx context.Context) (paused bool, since time.Time, ok bool, err error) {
	since, ok, err = s.getTime(ctx, keyControlSince)
	if err != nil || !ok {
		return false, time.Time{}, ok, err
	}
	v, _, err := s.getMeta(ctx, keyPaused)
	if err != nil {
		return false, time.Time{}, false, err
	}
	paused, _ = strconv.ParseBool(v)
	return paused, since, true, nil
}

// SetControlState saves the control plane's position.
func (s *Store) SetControlState(ctx context.Context, paused bool, since time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin tx for control state: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if err := setMeta(ctx, tx, keyControlSince, formatTime(since)); err != nil {
		return err
	}
	if err := setMeta(ctx, tx, keyPaused, strconv.FormatBool(paused)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit control state: %w", err)
	}
	return nil
}

// ReplacePending overwrites the saved queue with entries.
func (s *Store) ReplacePending(ctx context.Context, entries []queue.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: begin tx for pending: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, "DELETE FROM pending"); err != nil {
		return fmt.Errorf("state: clear pending: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO pending (doc_id, edit_time) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("state: prepare pending insert: %w", err)
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.DocID, formatTime(e.EditTime)); err != nil {
			return fmt.Errorf("state: insert pending %q: %w", e.DocID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: commit pending: %w", err)
	}
	return nil
}

// Pending returns the saved queue ordered by edit time.
func (s *Store) Pending(ctx context.Context) ([]queue.Entry, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT doc_id, edit_time FROM pending ORDER BY edit_time, doc_id")
	if err != nil {
		return nil, fmt.Errorf("state: query pending: %w", err)
	}
	defer rows.Close()

	var out []queue.Entry
	for rows.Next() {
		var e queue.Entry
		var ts string
		if err := rows.Scan(&e.DocID, &ts); err != nil {
			return nil, fmt.Errorf("state: scan pending: %w", err)
		}
		if e.EditTime, err = parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("state: parse pending time: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterate pending: %w", err)
	}
	return out, nil
}

// RecordEdit appends e to the edit log. A zero At is stamped with the
// current time.
func (s *Store) RecordEdit(ctx context.Context, e Edit) error {
	at := formatTime(e.At)
	if e.At.IsZero() {
		at = formatTime(time.Now())
	}
	const q = `
		INSERT INTO edits (run_id, doc_id, rev_id, gaps, extra_indent, markup, final_char, outcome, detail, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		e.RunID, e.DocID, e.RevID,
		e.Score.Gaps, e.Score.ExtraIndent, e.Score.Markup, e.Score.FinalChar,
		string(e.Outcome), e.Detail, at)
	if err != nil {
		return fmt.Errorf("state: record edit %q: %w", e.DocID, err)
	}
	return nil
}

// RecentEdits returns up to limit log rows, newest first.
func (s *Store) RecentEdits(ctx context.Context, limit int) ([]Edit, error) {
	const q = `
		SELECT id, run_id, doc_id, rev_id, gaps, extra_indent, markup, final_char, outcome, detail, saved_at
		FROM edits ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("state: query edits: %w", err)
	}
	defer rows.Close()

	var out []Edit
	for rows.Next() {
		var e Edit
		var outcome, ts string
		if err := rows.Scan(&e.ID, &e.RunID, &e.DocID, &e.RevID,
			&e.Score.Gaps, &e.Score.ExtraIndent, &e.Score.Markup, &e.Score.FinalChar,
			&outcome, &e.Detail, &ts); err != nil {
			return nil, fmt.Errorf("state: scan edit: %w", err)
		}
		e.Outcome = Outcome(outcome)
		if e.At, err = parseTimestamp(ts); err != nil {
			return nil, fmt.Errorf("state: parse edit timestamp: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: iterate edits: %w", err)
	}
	return out, nil
}

// CountSaved returns how many edits in run were saved.
func (s *Store) CountSaved(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM edits WHERE run_id = ? AND outcome = ?", runID, string(Saved)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("state: count saved: %w", err)
	}
	return n, nil
}

// storedTime has a fixed width so stored values sort as text.
const storedTime = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTime)
}

// timestampFormats lists the formats found in the database: values written
// by this package, and CURRENT_TIMESTAMP defaults.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	time.DateTime,
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
