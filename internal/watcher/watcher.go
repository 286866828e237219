// Package watcher observes the active workspace for file changes and
// publishes debounced change batches on the bus. When the workspace is
// switched it re-roots itself by listening for the switch announcement.
package watcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/happy-ai/happyd/internal/eventbus"
	"github.com/happy-ai/happyd/pkg/protocol"
)

// Directories that churn constantly and are never worth reporting.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".venv":        true,
	"__pycache__":  true,
}

// Change is one debounced filesystem change.
type Change struct {
	Path string `json:"path"`
	Op   string `json:"op"` // create, write, remove, rename, chmod
}

// Watcher owns one fsnotify instance rooted at the active workspace.
type Watcher struct {
	bus      *eventbus.Bus
	logger   *slog.Logger
	debounce time.Duration

	fsw *fsnotify.Watcher
	sub *eventbus.Subscription

	mu      sync.Mutex
	root    string
	pending map[string]string // path -> op (latest wins)
	timer   *time.Timer
	closed  bool
}

// New creates and starts a watcher with no root; call Watch to attach it.
// It re-roots itself automatically on workspace switches.
func New(bus *eventbus.Bus, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	w := &Watcher{
		bus:      bus,
		logger:   logger.With("component", "watcher"),
		debounce: debounce,
		fsw:      fsw,
		pending:  make(map[string]string),
	}

	w.sub = bus.Subscribe(eventbus.Filter{
		Topics: map[string]bool{protocol.TopicWorkDirSwitched: true},
	}, 16, eventbus.DropOldest, w.onFrame)

	go w.run()
	return w, nil
}

// Watch re-roots the watcher at dir, dropping all previous watches.
func (w *Watcher) Watch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	for _, watched := range w.fsw.WatchList() {
		_ = w.fsw.Remove(watched)
	}
	w.root = dir
	w.pending = make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtrees are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if aerr := w.fsw.Add(path); aerr != nil {
			w.logger.Debug("watch add failed", "path", path, "error", aerr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.logger.Info("watching workspace", "root", dir)
	return nil
}

// Root returns the currently watched directory.
func (w *Watcher) Root() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root
}

func (w *Watcher) onFrame(m eventbus.Message) {
	data, ok := m.Data.(map[string]any)
	if !ok {
		return
	}
	newDir, _ := data["to"].(string)
	if newDir == "" {
		return
	}
	if err := w.Watch(newDir); err != nil {
		w.logger.Warn("re-root after workspace switch failed", "dir", newDir, "error", err)
	}
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	// New directories need their own watch before anything inside them
	// changes.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !skipDirs[filepath.Base(ev.Name)] {
			_ = w.fsw.Add(ev.Name)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[ev.Name] = opString(ev.Op)
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

// flush publishes the accumulated batch as a single frame.
func (w *Watcher) flush() {
	w.mu.Lock()
	if w.closed || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	root := w.root
	changes := make([]Change, 0, len(w.pending))
	for path, op := range w.pending {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		changes = append(changes, Change{Path: rel, Op: op})
	}
	w.pending = make(map[string]string)
	w.timer = nil
	w.mu.Unlock()

	w.bus.PublishFrame(protocol.TopicFSChanged, map[string]any{
		"root":    root,
		"changes": changes,
	})
}

func opString(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	case op.Has(fsnotify.Chmod):
		return "chmod"
	}
	return "unknown"
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	w.bus.Unsubscribe(w.sub)
	return w.fsw.Close()
}
