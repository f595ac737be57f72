// Package telemetry provides a JSONL audit stream of bot activity. Every
// poll, fix, save and control transition is recorded as a structured JSON
// event tagged with the run that produced it.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event kinds identify the type of telemetry event.
const (
	KindRunStart    = "run_start"
	KindRunStop     = "run_stop"
	KindPoll        = "poll"
	KindFix         = "fix"
	KindSave        = "save"
	KindSaveFailed  = "save_failed"
	KindPaused      = "paused"
	KindResumed     = "resumed"
	KindRulesReload = "rules_reload"
)

// Event is a single telemetry record.
type Event struct {
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind"`
	RunID     string    `json:"run,omitempty"`
	DocID     string    `json:"doc,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NewRunID returns a fresh identifier for one bot run.
func NewRunID() string {
	return uuid.NewString()
}

// Emitter writes telemetry events to a JSONL file. It is safe for concurrent
// use by multiple goroutines. A nil *Emitter is a valid no-op emitter.
type Emitter struct {
	runID string
	file  *os.File
	enc   *json.Encoder
	mu    sync.Mutex
	now   func() time.Time
}

// NewEmitter creates an Emitter appending to the file at path. Events
// recorded through it carry runID.
func NewEmitter(path, runID string) (*Emitter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open %s: %w", path, err)
	}
	return &Emitter{
		runID: runID,
		file:  f,
		enc:   json.NewEncoder(f),
		now:   time.Now,
	}, nil
}

// Emit writes a single event. It is safe for concurrent use.
// Calling Emit on a nil Emitter is a no-op.
func (e *Emitter) Emit(evt Event) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(evt); err != nil {
		return fmt.Errorf("telemetry: encode event: %w", err)
	}
	return nil
}

// Record emits an event of kind stamped with the current time and the
// emitter's run ID.
func (e *Emitter) Record(kind, docID string, data any) error {
	if e == nil {
		return nil
	}
	return e.Emit(Event{
		Timestamp: e.now().UTC(),
		Kind:      kind,
		RunID:     e.runID,
		DocID:     docID,
		Data:      data,
	})
}

// Close closes the underlying file. Calling Close on a nil Emitter is a
// no-op.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.file.Close(); err != nil {
		return fmt.Errorf("telemetry: close: %w", err)
	}
	return nil
}
