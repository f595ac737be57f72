// Package queue schedules documents for rewriting once they have gone
// unedited for a dwell delay. Repeated sightings of a document coalesce
// into a single entry keyed by its latest edit time.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrRedirect is returned by a Fetcher when the document is a redirect.
	ErrRedirect = errors.New("queue: document is a redirect")
	// ErrMissing is returned by a Fetcher when the document no longer exists.
	ErrMissing = errors.New("queue: document does not exist")
)

// Fetcher reports a document's current last edit time, bypassing caches.
type Fetcher interface {
	LastEdit(ctx context.Context, docID string) (time.Time, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, docID string) (time.Time, error)

// LastEdit calls f.
func (f FetcherFunc) LastEdit(ctx context.Context, docID string) (time.Time, error) {
	return f(ctx, docID)
}

// Entry is a scheduled document.
type Entry struct {
	DocID    string    `json:"doc_id"`
	EditTime time.Time `json:"edit_time"`
}

type item struct {
	Entry
	seq        uint64
	tombstoned bool
}

// itemHeap orders by edit time, then insertion order.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if !h[i].EditTime.Equal(h[j].EditTime) {
		return h[i].EditTime.Before(h[j].EditTime)
	}
	return h[i].seq < h[j].seq
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Queue is a lazy-deletion priority queue of documents. It is safe for
// concurrent use.
type Queue struct {
	mu   sync.Mutex
	h    itemHeap
	live map[string]*item
	seq  uint64
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{live: make(map[string]*item)}
}

// InsertOrUpdate schedules docID at editTime. A document already queued is
// rescheduled at the later of the two times.
func (q *Queue) InsertOrUpdate(docID string, editTime time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.insertLocked(docID, editTime)
}

func (q *Queue) insertLocked(docID string, editTime time.Time) {
	if old, ok := q.live[docID]; ok {
		if !editTime.After(old.EditTime) {
			return
		}
		old.tombstoned = true
	}
	q.seq++
	it := &item{Entry: Entry{DocID: docID, EditTime: editTime}, seq: q.seq}
	q.live[docID] = it
	heap.Push(&q.h, it)
}

// Remove drops docID from the queue. It reports whether it was queued.
func (q *Queue) Remove(docID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.live[docID]
	if !ok {
		return false
	}
	it.tombstoned = true
	delete(q.live, docID)
	return true
}

// Len is the number of queued documents.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live)
}

// Snapshot returns the queued documents ordered by edit time.
func (q *Queue) Snapshot() []Entry {
	q.mu.Lock()
	out := make([]Entry, 0, len(q.live))
	for _, it := range q.live {
		out = append(out, it.Entry)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EditTime.Equal(out[j].EditTime) {
			return out[i].EditTime.Before(out[j].EditTime)
		}
		return out[i].DocID < out[j].DocID
	})
	return out
}

// popDue removes and returns the oldest live entry if it was edited at or
// before cutoff.
func (q *Queue) popDue(cutoff time.Time) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.h.Len() > 0 {
		top := q.h[0]
		if top.tombstoned {
			heap.Pop(&q.h)
			continue
		}
		if top.EditTime.After(cutoff) {
			return Entry{}, false
		}
		heap.Pop(&q.h)
		delete(q.live, top.DocID)
		return top.Entry, true
	}
	return Entry{}, false
}

// PopReady removes and returns, oldest first, every document last edited
// at least delay before now. Each candidate is re-fetched first: one edited
// again since it was queued is rescheduled instead, and redirects and
// missing documents are dropped.
//
// On a fetch failure the candidate is put back and the entries gathered so
// far are returned with the error.
func (q *Queue) PopReady(ctx context.Context, now time.Time, delay time.Duration, f Fetcher) ([]Entry, error) {
	cutoff := now.Add(-delay)
	var ready []Entry
	for {
		if err := ctx.Err(); err != nil {
			return ready, err
		}
		e, ok := q.popDue(cutoff)
		if !ok {
			return ready, nil
		}
		latest, err := f.LastEdit(ctx, e.DocID)
		switch {
		case errors.Is(err, ErrRedirect), errors.Is(err, ErrMissing):
			continue
		case err != nil:
			q.InsertOrUpdate(e.DocID, e.EditTime)
			return ready, fmt.Errorf("queue: refetch %q: %w", e.DocID, err)
		case latest.After(e.EditTime):
			q.InsertOrUpdate(e.DocID, latest)
			continue
		}
		ready = append(ready, e)
	}
}
