// Package watcher detects Markdown changes in the vault and hands them to
// the indexer as debounced, ordered batches.
//
// Two sources feed one queue: fsnotify events and a periodic reconciliation
// scan that diffs a remembered path → (mtime, size) snapshot against the
// tree, catching anything the event stream missed. The queue keeps only the
// latest event per path; after a quiet period it is flushed as one batch.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/storage"
)

// EventType is the kind of change carried by a Task.
type EventType string

const (
	Add    EventType = "add"
	Change EventType = "change"
	Unlink EventType = "unlink"
)

// Task is one unit of work for the indexer.
type Task struct {
	Type EventType `json:"type"`
	Path string    `json:"path"`
}

// State is the watcher lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Watching
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Watching:
		return "watching"
	default:
		return "stopped"
	}
}

// Options tunes timing and buffering.
type Options struct {
	DebounceInterval  time.Duration
	ReconcileInterval time.Duration
	// QueueSize is the number of batches buffered between watcher and indexer.
	QueueSize int
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		DebounceInterval:  time.Second,
		ReconcileInterval: 500 * time.Millisecond,
		QueueSize:         16,
	}
}

type stamp struct {
	modTime int64
	size    int64
}

type pendingTask struct {
	task Task
	seq  uint64
}

// Watcher watches one vault. It is started at most once; Stop is idempotent.
type Watcher struct {
	fs   *storage.FS
	opts Options
	log  *slog.Logger

	state  atomic.Int32
	out    chan []Task
	notify chan Task
	stopCh chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

// New creates a stopped watcher for the vault behind fsys.
func New(fsys *storage.FS, opts Options, logger *slog.Logger) *Watcher {
	def := DefaultOptions()
	if opts.DebounceInterval <= 0 {
		opts.DebounceInterval = def.DebounceInterval
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = def.ReconcileInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		fs:     fsys,
		opts:   opts,
		log:    logger.With(slog.String("component", "watcher")),
		out:    make(chan []Task, opts.QueueSize),
		notify: make(chan Task, 64),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Tasks returns the batch channel. It is closed when the watcher stops.
func (w *Watcher) Tasks() <-chan []Task { return w.out }

// State returns the current lifecycle state.
func (w *Watcher) State() State { return State(w.state.Load()) }

// Start scans the vault, subscribes to change events and begins the
// watch loop. The loop ends on Stop or when ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return apperr.ErrAlreadyRunning
	}
	select {
	case <-w.stopCh:
		return apperr.ErrNotRunning
	default:
	}
	w.state.Store(int32(Starting))

	snap, err := w.scan()
	if err != nil {
		w.state.Store(int32(Stopped))
		return err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.state.Store(int32(Stopped))
		return err
	}
	if err := w.addDirs(fsw, w.fs.Root()); err != nil {
		fsw.Close()
		w.state.Store(int32(Stopped))
		return err
	}

	w.started = true
	w.state.Store(int32(Watching))
	w.log.Info("watcher: started", slog.String("root", w.fs.Root()), slog.Int("files", len(snap)))
	go w.loop(ctx, fsw, snap)
	return nil
}

// Stop releases the subscription and both timers, waits for the loop to
// exit and closes the batch channel. Calling it more than once is safe.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		started := w.started
		close(w.stopCh)
		w.mu.Unlock()

		if started {
			<-w.done
		} else {
			close(w.out)
		}
		w.state.Store(int32(Stopped))
	})
}

// Notify injects a task as if it had been observed on disk.
func (w *Watcher) Notify(t Task) error {
	if w.State() != Watching {
		return apperr.ErrNotRunning
	}
	select {
	case w.notify <- t:
		return nil
	case <-w.stopCh:
		return apperr.ErrNotRunning
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, snap map[string]stamp) {
	defer close(w.done)
	defer close(w.out)
	defer fsw.Close()
	defer w.state.Store(int32(Stopped))

	reconcile := time.NewTicker(w.opts.ReconcileInterval)
	defer reconcile.Stop()

	debounce := time.NewTimer(w.opts.DebounceInterval)
	debounce.Stop()
	defer debounce.Stop()
	var debounceC <-chan time.Time

	var (
		pending = make(map[string]pendingTask)
		seq     uint64
	)
	enqueue := func(t Task) {
		// A file first seen in this batch stays an add.
		if prev, ok := pending[t.Path]; ok && prev.task.Type == Add && t.Type == Change {
			t.Type = Add
		}
		seq++
		pending[t.Path] = pendingTask{task: t, seq: seq}
		debounce.Reset(w.opts.DebounceInterval)
		debounceC = debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("watcher: stopped", slog.String("reason", "context"))
			return
		case <-w.stopCh:
			w.log.Info("watcher: stopped")
			return

		case <-debounceC:
			debounceC = nil
			if len(pending) == 0 {
				continue
			}
			batch := flush(pending)
			pending = make(map[string]pendingTask)
			select {
			case w.out <- batch:
				w.log.Debug("watcher: batch flushed", slog.Int("tasks", len(batch)))
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			}

		case <-reconcile.C:
			current, err := w.scan()
			if err != nil {
				w.log.Warn("watcher: reconcile scan failed", slog.String("error", err.Error()))
				continue
			}
			for _, t := range diff(snap, current) {
				w.log.Debug("watcher: reconcile found change", slog.String("type", string(t.Type)), slog.String("path", t.Path))
				enqueue(t)
			}
			snap = current

		case t := <-w.notify:
			if t.Type == Unlink {
				delete(snap, t.Path)
			} else if st, ok := w.stat(t.Path); ok {
				snap[t.Path] = st
			}
			enqueue(t)

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			for _, t := range w.handle(fsw, ev, snap) {
				enqueue(t)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Error("watcher: error", slog.String("error", err.Error()))
		}
	}
}

// handle translates one fsnotify event into tasks and keeps snap current.
func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event, snap map[string]stamp) []Task {
	rel, err := w.fs.Rel(ev.Name)
	if err != nil || rel == "." || storage.IsHidden(rel) {
		return nil
	}

	info, statErr := os.Stat(ev.Name)
	if ev.Has(fsnotify.Create) && statErr == nil && info.IsDir() {
		if err := w.addDirs(fsw, ev.Name); err != nil {
			w.log.Warn("watcher: add new dir failed", slog.String("path", rel), slog.String("error", err.Error()))
		}
		files, err := w.fs.List(rel)
		if err != nil {
			return nil
		}
		var tasks []Task
		for _, f := range files {
			if _, known := snap[f.Path]; known {
				continue
			}
			snap[f.Path] = stamp{modTime: f.ModifiedAt.UnixNano(), size: f.Size}
			tasks = append(tasks, Task{Type: Add, Path: f.Path})
		}
		return tasks
	}

	if !storage.IsMarkdown(rel) {
		return nil
	}
	if statErr != nil {
		if _, known := snap[rel]; !known && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
			return nil
		}
		delete(snap, rel)
		return []Task{{Type: Unlink, Path: rel}}
	}
	if info.IsDir() {
		return nil
	}

	typ := Change
	if _, known := snap[rel]; !known {
		typ = Add
	}
	snap[rel] = stamp{modTime: info.ModTime().UnixNano(), size: info.Size()}
	return []Task{{Type: typ, Path: rel}}
}

func (w *Watcher) scan() (map[string]stamp, error) {
	files, err := w.fs.List("")
	if err != nil {
		return nil, err
	}
	out := make(map[string]stamp, len(files))
	for _, f := range files {
		out[f.Path] = stamp{modTime: f.ModifiedAt.UnixNano(), size: f.Size}
	}
	return out, nil
}

func (w *Watcher) stat(rel string) (stamp, bool) {
	info, err := w.fs.Stat(rel)
	if err != nil {
		return stamp{}, false
	}
	return stamp{modTime: info.ModifiedAt.UnixNano(), size: info.Size}, true
}

// addDirs adds root and all its visible subdirectories to fsw.
func (w *Watcher) addDirs(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.fs.Root() && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return fsw.Add(p)
	})
}

// diff compares two snapshots and returns the tasks that turn old into
// current, in path order.
func diff(old, current map[string]stamp) []Task {
	var tasks []Task
	for p, st := range current {
		prev, ok := old[p]
		switch {
		case !ok:
			tasks = append(tasks, Task{Type: Add, Path: p})
		case prev != st:
			tasks = append(tasks, Task{Type: Change, Path: p})
		}
	}
	for p := range old {
		if _, ok := current[p]; !ok {
			tasks = append(tasks, Task{Type: Unlink, Path: p})
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Path < tasks[j].Path })
	return tasks
}

// flush orders pending tasks by the time their latest event arrived.
func flush(pending map[string]pendingTask) []Task {
	items := make([]pendingTask, 0, len(pending))
	for _, p := range pending {
		items = append(items, p)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]Task, len(items))
	for i, p := range items {
		out[i] = p.task
	}
	return out
}
