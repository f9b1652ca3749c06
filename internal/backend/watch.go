package backend

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const debounceInterval = 250 * time.Millisecond

type locator interface {
	Locate(ctx context.Context) (LaunchSpec, error)
	Candidates() []Candidate
}

// WatchingLocator caches the last successful LaunchSpec and drops it when
// any directory holding, or about to hold, a filesystem candidate changes,
// so a replaced or newly installed backend is picked up on the next Locate.
type WatchingLocator struct {
	inner locator

	mu        sync.Mutex
	cached    *LaunchSpec
	fsWatcher *fsnotify.Watcher
	watched   map[string]bool
	cancel    chan struct{}
	closed    bool
}

// NewWatchingLocator starts watching candidate directories of inner.
func NewWatchingLocator(inner locator) (*WatchingLocator, error) {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &WatchingLocator{
		inner:     inner,
		fsWatcher: fsW,
		watched:   make(map[string]bool),
		cancel:    make(chan struct{}),
	}
	w.addCandidateDirs()

	go w.watchLoop()

	return w, nil
}

// Locate returns the cached LaunchSpec or resolves a fresh one.
func (w *WatchingLocator) Locate(ctx context.Context) (LaunchSpec, error) {
	w.mu.Lock()
	if w.cached != nil {
		spec := *w.cached
		w.mu.Unlock()
		return spec, nil
	}
	w.mu.Unlock()

	spec, err := w.inner.Locate(ctx)
	if err != nil {
		return LaunchSpec{}, err
	}

	w.mu.Lock()
	w.cached = &spec
	w.mu.Unlock()

	// Directories may have appeared since the last pass.
	w.addCandidateDirs()
	return spec, nil
}

// Candidates returns the inner candidate list.
func (w *WatchingLocator) Candidates() []Candidate {
	return w.inner.Candidates()
}

// Invalidate drops the cached LaunchSpec.
func (w *WatchingLocator) Invalidate() {
	w.mu.Lock()
	hadCache := w.cached != nil
	w.cached = nil
	w.mu.Unlock()

	if hadCache {
		log.Debug().Msg("backend launch cache invalidated")
	}
}

// Close stops watching.
func (w *WatchingLocator) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.cancel)
	return w.fsWatcher.Close()
}

// addCandidateDirs watches the directory of every filesystem candidate.
// A directory that does not exist yet is covered by watching its nearest
// existing ancestor, and the pass is repeated after every change so the
// watch moves down as directories appear.
func (w *WatchingLocator) addCandidateDirs() {
	for _, c := range w.inner.Candidates() {
		if c.Kind == KindCommand {
			continue
		}
		dir := nearestExistingDir(filepath.Dir(c.Path))
		if dir == "" {
			continue
		}

		w.mu.Lock()
		if w.closed || w.watched[dir] {
			w.mu.Unlock()
			continue
		}
		w.mu.Unlock()

		if err := w.fsWatcher.Add(dir); err != nil {
			log.Debug().Str("dir", dir).Err(err).Msg("cannot watch backend directory")
			continue
		}

		w.mu.Lock()
		w.watched[dir] = true
		w.mu.Unlock()
	}
}

// nearestExistingDir returns dir or its closest ancestor that exists.
func nearestExistingDir(dir string) string {
	dir = filepath.Clean(dir)
	for {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// refresh drops the cached launch and extends the watch to directories
// that appeared.
func (w *WatchingLocator) refresh() {
	w.Invalidate()
	w.addCandidateDirs()
}

// watchLoop processes fsnotify events with debouncing.
func (w *WatchingLocator) watchLoop() {
	var timer *time.Timer

	for {
		select {
		case <-w.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				// Our own executable-bit fix-up lands here.
				continue
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, w.refresh)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("backend directory watcher error")
		}
	}
}
