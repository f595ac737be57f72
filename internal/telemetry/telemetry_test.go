package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var evt Event
		if err := json.Unmarshal(sc.Bytes(), &evt); err != nil {
			t.Fatalf("invalid JSON line: %v\nline: %s", err, sc.Text())
		}
		out = append(out, evt)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scanner: %v", err)
	}
	return out
}

func TestNewEmitterErrorOnBadPath(t *testing.T) {
	t.Parallel()
	_, err := NewEmitter("/nonexistent/dir/events.jsonl", "r")
	if err == nil {
		t.Fatal("expected error for bad path, got nil")
	}
	if !strings.Contains(err.Error(), "telemetry: open") {
		t.Errorf("expected wrapped error, got: %v", err)
	}
}

func TestRecordStampsRunAndTime(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	em, err := NewEmitter(path, "run-1")
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	em.now = func() time.Time { return fixed }

	if err := em.Record(KindRunStart, "", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := em.Record(KindSave, "Talk:Apple", map[string]any{"revid": float64(7)}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := em.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := []Event{
		{Timestamp: fixed, Kind: KindRunStart, RunID: "run-1"},
		{Timestamp: fixed, Kind: KindSave, RunID: "run-1", DocID: "Talk:Apple", Data: map[string]any{"revid": float64(7)}},
	}
	if diff := cmp.Diff(want, readEvents(t, path)); diff != "" {
		t.Errorf("events (-want +got):\n%s", diff)
	}
}

func TestEmitterAppends(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	for _, run := range []string{"a", "b"} {
		em, err := NewEmitter(path, run)
		if err != nil {
			t.Fatalf("NewEmitter: %v", err)
		}
		if err := em.Record(KindRunStart, "", nil); err != nil {
			t.Fatalf("Record: %v", err)
		}
		em.Close()
	}
	got := readEvents(t, path)
	if len(got) != 2 || got[0].RunID != "a" || got[1].RunID != "b" {
		t.Errorf("events = %+v", got)
	}
}

func TestEmitConcurrentSafety(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "concurrent.jsonl")

	em, err := NewEmitter(path, "r")
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		go func(idx int) {
			defer wg.Done()
			if err := em.Record(KindFix, "Talk:X", map[string]int{"idx": idx}); err != nil {
				t.Errorf("Record from goroutine %d: %v", idx, err)
			}
		}(i)
	}
	wg.Wait()
	if err := em.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := len(readEvents(t, path)); got != n {
		t.Fatalf("expected %d events, got %d", n, got)
	}
}

func TestNilEmitterNoOp(t *testing.T) {
	t.Parallel()
	var em *Emitter

	if err := em.Record(KindRunStart, "", nil); err != nil {
		t.Errorf("nil Record: %v", err)
	}
	if err := em.Emit(Event{Kind: KindRunStart}); err != nil {
		t.Errorf("nil Emit: %v", err)
	}
	if err := em.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestEventOmitsEmptyFields(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Event{Timestamp: time.Now(), Kind: KindPoll})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	s := string(data)
	for _, field := range []string{`"run"`, `"doc"`, `"data"`} {
		if strings.Contains(s, field) {
			t.Errorf("expected %s to be omitted, got: %s", field, s)
		}
	}
}

func TestNewRunIDIsUUID(t *testing.T) {
	t.Parallel()

	a, b := NewRunID(), NewRunID()
	if a == b {
		t.Error("run IDs should differ")
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("run ID %q is not a UUID: %v", a, err)
	}
}
