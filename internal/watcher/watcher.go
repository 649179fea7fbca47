// Package watcher observes the configured certificate directories for
// filesystem changes and asks the scanner to rescan. It debounces bursts of
// events (an editor save often fires create+write+rename in quick
// succession) and waits for a file to stop changing size before acting on
// it, rather than reacting to every individual event.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/brandonhon/tls-cert-monitor/internal/discovery"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounceWindow is how long a burst of events for the same path is
// coalesced into a single rescan request.
const debounceWindow = 2 * time.Second

// stabilityWindow is how long the watcher waits, after the debounce window
// closes, before re-checking that a file's size has stopped changing.
// Large certificate bundles written in multiple chunks would otherwise be
// scanned mid-write.
const stabilityWindow = 500 * time.Millisecond

// Scanner is the subset of scanner.Scanner the watcher depends on.
type Scanner interface {
	RequestScan(ctx context.Context) (generation uint64, started bool)
	InvalidateCache(path string)
	Directories() []string
}

// Watcher watches certificate directories and the config file for changes.
type Watcher struct {
	scanner Scanner
	logger  *zap.Logger
	fsw     *fsnotify.Watcher

	dirsMu      sync.Mutex
	watchedDirs map[string]bool

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// New creates a watcher over the given scanner's configured directories.
func New(certScanner Scanner, logger *zap.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		scanner:     certScanner,
		logger:      logger,
		fsw:         fsw,
		watchedDirs: make(map[string]bool),
		timers:      make(map[string]*time.Timer),
	}, nil
}

// Start adds every configured certificate directory (recursively) to the
// watch set and begins processing filesystem events. It returns once the
// initial directory trees are registered; event handling continues in a
// background goroutine until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	for _, dir := range w.scanner.Directories() {
		if err := w.addTree(dir); err != nil {
			w.logger.Warn("failed to watch certificate directory", zap.String("dir", dir), zap.Error(err))
			continue
		}
		w.logger.Info("watching certificate directory tree", zap.String("dir", dir))
	}

	go w.loop(ctx)
}

// Close stops the filesystem watcher and any pending debounce timers.
func (w *Watcher) Close() {
	w.timersMu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timersMu.Unlock()

	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("error closing file watcher", zap.Error(err))
	}
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher internal error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&fsnotify.Remove != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.removeTree(event.Name)
			return
		} else if os.IsNotExist(err) {
			w.removeTree(event.Name)
		}
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", zap.String("dir", event.Name), zap.Error(err))
			}
			return
		}
	}

	if !discovery.IsCandidate(event.Name) {
		return
	}

	if event.Op&fsnotify.Remove != 0 || event.Op&fsnotify.Rename != 0 {
		w.scanner.InvalidateCache(event.Name)
		w.debounce(event.Name, func() { w.scanner.RequestScan(ctx) })
		return
	}

	if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
		w.debounce(event.Name, func() { w.onStableWrite(ctx, event.Name) })
	}
}

// debounce resets a per-path timer each time it's called within
// debounceWindow of the last call, so a burst of events for one path fires
// fn only once, debounceWindow after the burst quiets down.
func (w *Watcher) debounce(path string, fn func()) {
	w.timersMu.Lock()
	defer w.timersMu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(debounceWindow, fn)
}

// onStableWrite waits for a file's size to stop changing before requesting
// a rescan, so a certificate bundle still being written isn't read
// mid-write.
func (w *Watcher) onStableWrite(ctx context.Context, path string) {
	before, err := os.Stat(path)
	if err != nil {
		return // file vanished between the event and now; nothing to scan
	}

	time.Sleep(stabilityWindow)

	after, err := os.Stat(path)
	if err != nil {
		return
	}
	if after.Size() != before.Size() || !after.ModTime().Equal(before.ModTime()) {
		// still changing; the next write event will re-debounce us
		return
	}

	w.scanner.InvalidateCache(path)
	w.scanner.RequestScan(ctx)
}

func (w *Watcher) addTree(root string) error {
	w.dirsMu.Lock()
	defer w.dirsMu.Unlock()

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // continue walking despite a single unreadable entry
		}
		if !d.IsDir() {
			return nil
		}
		if w.watchedDirs[path] {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to add directory to watcher", zap.String("dir", path), zap.Error(err))
			return nil
		}
		w.watchedDirs[path] = true
		return nil
	})
}

func (w *Watcher) removeTree(root string) {
	w.dirsMu.Lock()
	defer w.dirsMu.Unlock()

	for path := range w.watchedDirs {
		if path == root || isWithinDir(path, root) {
			if err := w.fsw.Remove(path); err != nil {
				w.logger.Debug("failed to remove stale watch", zap.String("dir", path), zap.Error(err))
			}
			delete(w.watchedDirs, path)
		}
	}
}

func isWithinDir(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
