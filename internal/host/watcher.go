package host

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/fsnotify/fsnotify"

	"github.com/blackwell-systems/extmon/internal/logging"
)

// DefaultDebounce is how long the Watcher waits for a burst of filesystem
// events to settle before signalling.
const DefaultDebounce = 500 * time.Millisecond

// Watcher turns filesystem changes in a Chromium profile into lifecycle
// signals. Any create, remove or rename under Extensions/, or a write to
// Preferences, produces one signal per debounce window on C.
type Watcher struct {
	profile  *ChromiumProfile
	fs       *fsnotify.Watcher
	clock    quartz.Clock
	debounce time.Duration
	log      *log.Logger

	signals chan struct{}

	mu    sync.Mutex
	timer *quartz.Timer
}

// NewWatcher registers watches on the profile directory, its Extensions
// directory and each installed extension directory.
func NewWatcher(profile *ChromiumProfile, clock quartz.Clock, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		profile:  profile,
		fs:       fsw,
		clock:    clock,
		debounce: debounce,
		log:      logging.Component("host"),
		signals:  make(chan struct{}, 1),
	}

	if err := fsw.Add(profile.Dir()); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch profile %s: %w", profile.Dir(), err)
	}
	w.watchExtensions()
	return w, nil
}

// watchExtensions adds the Extensions directory and its id subdirectories.
// Extensions/ may not exist yet; it is picked up when created.
func (w *Watcher) watchExtensions() {
	dir := w.profile.ExtensionsDir()
	if err := w.fs.Add(dir); err != nil {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			w.fs.Add(filepath.Join(dir, e.Name())) //nolint:errcheck
		}
	}
}

// C delivers lifecycle signals. Signals coalesce: at most one is pending.
func (w *Watcher) C() <-chan struct{} {
	return w.signals
}

// Run processes filesystem events until ctx is done or the watcher is
// closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	extDir := w.profile.ExtensionsDir()
	dir := filepath.Dir(ev.Name)

	switch {
	case ev.Name == extDir && ev.Has(fsnotify.Create):
		w.watchExtensions()
		w.schedule()
	case ev.Name == filepath.Join(w.profile.Dir(), "Preferences"):
		if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
			w.schedule()
		}
	case dir == extDir || filepath.Dir(dir) == extDir:
		if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
			if dir == extDir && ev.Has(fsnotify.Create) {
				w.fs.Add(ev.Name) //nolint:errcheck
			}
			w.schedule()
		}
	}
}

// schedule arms (or re-arms) the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Reset(w.debounce)
		return
	}
	w.timer = w.clock.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()

	select {
	case w.signals <- struct{}{}:
	default:
	}
}

// Close releases the fsnotify watcher and cancels a pending signal.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.fs.Close()
}
