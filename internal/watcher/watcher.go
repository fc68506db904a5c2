// Package watcher reports file activity in session working directories.
package watcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"ptyhub/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

// excludedDirs are directories excluded from watching and file counting.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// UpdateCallback is called when the file count changes for a session.
type UpdateCallback func(sessionID string, fileCount int)

// Options configures a Watcher.
type Options struct {
	// Debounce is how long the directory must be quiet before a recount.
	Debounce time.Duration

	Logger *log.Logger
}

// Watcher monitors working directories for file changes.
type Watcher struct {
	mu       sync.RWMutex
	watchers map[string]*sessionWatcher // sessionID → watcher
	debounce time.Duration
	callback UpdateCallback
	log      *log.Logger
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu        sync.Mutex
	lastCount int
}

// New creates a new file system watcher.
func New(callback UpdateCallback, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		debounce: opts.Debounce,
		callback: callback,
		log:      logger.WithPrefix("watcher"),
	}
}

// Watch starts watching a directory for a given session. Watching a
// session again replaces the previous watch.
func (w *Watcher) Watch(sessionID, workDir string) error {
	if _, err := os.Stat(workDir); err != nil {
		return err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastCount: -1, // Force initial update.
	}

	// Add directories recursively.
	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	w.Unwatch(sessionID)
	w.mu.Lock()
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	// Run the event loop.
	go w.watchLoop(sw)

	// Compute initial file count.
	go w.recount(sw)

	w.log.Debug("watching", "session", sessionID, "dir", workDir)
	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	sw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(sw.cancel)
		sw.fsWatcher.Close()
		w.log.Debug("stopped watching", "session", sessionID)
	}
}

// Watching reports whether sessionID is being watched.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.watchers[sessionID]
	return ok
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	defer logging.LogPanic(w.log, "watch-loop", nil)

	var timer *time.Timer

	for {
		select {
		case <-sw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			// If a new directory is created, watch it too.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						sw.fsWatcher.Add(event.Name)
					}
				}
			}

			// Debounce: reset timer on each event.
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case <-sw.cancel:
				default:
					w.recount(sw)
				}
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "session", sw.sessionID, "error", err)
		}
	}
}

// recount recalculates file count and notifies if changed.
func (w *Watcher) recount(sw *sessionWatcher) {
	count := CountFiles(sw.workDir)

	sw.mu.Lock()
	changed := count != sw.lastCount
	sw.lastCount = count
	sw.mu.Unlock()

	if changed && w.callback != nil {
		w.callback(sw.sessionID, count)
	}
}

// CountFiles counts all non-excluded, non-hidden files in a directory.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip inaccessible paths.
		}

		name := d.Name()

		if d.IsDir() {
			if path == dir {
				return nil
			}
			if excludedDirs[name] || isHidden(name) {
				return filepath.SkipDir
			}
			return nil
		}

		if isHidden(name) {
			return nil
		}

		count++
		return nil
	})
	return count
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

// addDirsRecursive adds a directory and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}

		name := d.Name()
		if path != dir && (excludedDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}

		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
