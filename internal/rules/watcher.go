package rules

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a rules file into a Store whenever the file changes.
// A file that fails to parse leaves the previous rules in place.
type Watcher struct {
	Path string
	// Reloaded receives the new rules after each successful reload. Sends
	// are dropped when nobody is listening.
	Reloaded <-chan *Rules

	reloaded chan *Rules
	store    *Store
	log      *zap.Logger
	done     chan struct{}
	watcher  *fsnotify.Watcher
	debounce time.Duration
	started  bool
}

// NewWatcher creates a watcher for path that updates store.
func NewWatcher(path string, store *Store, log *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	ch := make(chan *Rules, 1)
	return &Watcher{
		Path:     path,
		Reloaded: ch,
		reloaded: ch,
		store:    store,
		log:      log,
		done:     make(chan struct{}),
		watcher:  fw,
		debounce: 100 * time.Millisecond,
	}, nil
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file by renaming are picked up.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.Path)); err != nil {
		return err
	}
	w.started = true
	go w.loop()
	return nil
}

// Stop closes the watcher and waits for its goroutine to exit. It is safe
// to call after a failed Start.
func (w *Watcher) Stop() {
	w.watcher.Close()
	if w.started {
		<-w.done
	}
}

func (w *Watcher) loop() {
	defer close(w.done)

	base := filepath.Base(w.Path)
	var pending time.Time
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.Now()
			}

		case now := <-ticker.C:
			if pending.IsZero() || now.Sub(pending) < w.debounce {
				continue
			}
			pending = time.Time{}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("rules watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	r, err := Load(w.Path)
	if err != nil {
		w.log.Warn("rules reload failed, keeping previous rules", zap.String("path", w.Path), zap.Error(err))
		return
	}
	w.store.Set(r)
	w.log.Info("rules reloaded", zap.String("path", w.Path))
	select {
	case w.reloaded <- r:
	default:
	}
}
