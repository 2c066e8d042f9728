package video

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher reports when the library folder changes. Bursts of events, such
// as a large upload being written, are reported once.
type Watcher struct {
	library  *Library
	debounce time.Duration
	onChange func()

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWatcher(library *Library, onChange func(), debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if onChange == nil {
		onChange = func() {}
	}
	return &Watcher{library: library, debounce: debounce, onChange: onChange}
}

// Start begins watching in the background. Starting a running watcher does
// nothing.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create video watcher: %w", err)
	}
	if err := watcher.Add(w.library.Dir()); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch video folder: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.watcher, w.cancel, w.done = watcher, cancel, make(chan struct{})
	go w.run(ctx, watcher, w.done)
	return nil
}

// Stop ends watching and waits for the watcher to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	watcher, cancel, done := w.watcher, w.cancel, w.done
	w.watcher = nil
	w.mu.Unlock()
	if watcher == nil {
		return nil
	}

	cancel()
	<-done
	return watcher.Close()
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !w.library.isVideo(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			logger.Debug("video folder changed", "name", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("video watcher error", "error", err)

		case <-timer.C:
			w.onChange()
		}
	}
}
