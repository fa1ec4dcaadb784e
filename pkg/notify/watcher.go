package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/TheEntropyCollective/driftsync/pkg/infrastructure/logging"
)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce is how long a path must be quiet before its event is
	// emitted; rapid rewrites of the same file coalesce into one event.
	Debounce time.Duration

	// IgnoreNames are directory names under the root that are never
	// watched or reported (the debris folder, typically).
	IgnoreNames []string

	Clock  clockwork.Clock
	Logger *logging.Logger
}

// Watcher subscribes to native filesystem change notifications for a
// directory subtree and emits root-relative Events.
type Watcher struct {
	root    string
	opts    WatcherOptions
	watcher *fsnotify.Watcher

	eventChan chan Event
	errorChan chan error
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	watched  map[string]bool
	debounce map[string]clockwork.Timer
}

// NewWatcher creates a watcher rooted at root and begins watching the whole
// subtree immediately.
func NewWatcher(root string, opts WatcherOptions) (*Watcher, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger().WithComponent("notify")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}

	if _, err := os.Stat(root); err != nil {
		return nil, fmt.Errorf("sync root does not exist: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:      root,
		opts:      opts,
		watcher:   fsw,
		eventChan: make(chan Event, 256),
		errorChan: make(chan error, 16),
		done:      make(chan struct{}),
		watched:   make(map[string]bool),
		debounce:  make(map[string]clockwork.Timer),
	}

	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.eventLoop()

	return w, nil
}

// Events returns the channel of debounced, root-relative events.
func (w *Watcher) Events() <-chan Event {
	return w.eventChan
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errorChan
}

// Close stops the watcher. Events and Errors are closed after the event
// loop drains.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()

		w.mu.Lock()
		for _, timer := range w.debounce {
			timer.Stop()
		}
		w.debounce = make(map[string]clockwork.Timer)
		w.mu.Unlock()
	})
	return err
}

// addRecursive watches path and every directory below it.
func (w *Watcher) addRecursive(path string) error {
	return filepath.Walk(path, func(subPath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if w.ignored(subPath) {
			return filepath.SkipDir
		}

		w.mu.Lock()
		defer w.mu.Unlock()
		if w.watched[subPath] {
			return nil
		}
		if err := w.watcher.Add(subPath); err != nil {
			return fmt.Errorf("failed to watch %s: %w", subPath, err)
		}
		w.watched[subPath] = true
		return nil
	})
}

// ignored reports whether a path falls under one of the ignored root
// entries (debris, lock files).
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	first := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]
	for _, name := range w.opts.IgnoreNames {
		if first == name {
			return true
		}
	}
	return false
}

// eventLoop converts raw fsnotify events into debounced Events.
func (w *Watcher) eventLoop() {
	defer close(w.eventChan)
	defer close(w.errorChan)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errorChan <- err:
			default:
			}
		}
	}
}

// handleFsEvent debounces a single fsnotify event per path.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if w.ignored(event.Name) {
		return
	}
	if event.Op == fsnotify.Chmod {
		return // metadata noise, fingerprints decide real changes
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.debounce[event.Name]; exists {
		timer.Stop()
	}
	w.debounce[event.Name] = w.opts.Clock.AfterFunc(w.opts.Debounce, func() {
		w.emit(event)

		w.mu.Lock()
		delete(w.debounce, event.Name)
		w.mu.Unlock()
	})
}

// emit translates a settled fsnotify event into a root-relative Event.
func (w *Watcher) emit(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	var op Op
	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		// A rename away from a watched path looks like a removal here;
		// the reconciler's move detection pairs it back up with the
		// corresponding appearance.
		op = Removed
	case event.Has(fsnotify.Create):
		op = Added

		// New directories need watching before their children churn.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				select {
				case w.errorChan <- err:
				default:
				}
			}
		}
	default:
		op = Changed
	}

	e := Event{Path: rel, Op: op, When: w.opts.Clock.Now()}
	select {
	case w.eventChan <- e:
	case <-w.done:
	default:
		// Channel full: drop and let the consumer's next full drain
		// rescan; the queue's sanity limit covers sustained floods.
		w.opts.Logger.Warn("event channel full, dropping event", map[string]interface{}{
			"path": rel,
		})
	}
}
