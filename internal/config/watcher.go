package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/foldlattice/agent/internal/errs"
)

// Watcher debounces fsnotify events on a single config file, grounded
// on the teacher's am/watcher.go ConfigWatcher (same debounce-timer
// shape), minus the multi-callback registry and own-write suppression
// this single-file, single-callback use doesn't need.
type Watcher struct {
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	timer    *time.Timer
	debounce time.Duration
	done     chan struct{}
}

func newWatcher(path string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(err, "failed to create config watcher")
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, errs.Wrapf(err, "failed to watch config file %s", path)
	}

	w := &Watcher{watcher: fw, debounce: 500 * time.Millisecond, done: make(chan struct{})}

	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					w.debounced(onChange)
				}
			case _, ok := <-fw.Errors:
				if !ok {
					return
				}
			case <-w.done:
				return
			}
		}
	}()

	return w, nil
}

func (w *Watcher) debounced(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, fn)
}

// Close stops the watcher and its background goroutine.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
