package indexer

import (
	"context"
	"log/slog"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/watcher"
)

// Start begins watching the vault. The watcher snapshot is taken first and
// a full reindex follows, so nothing changed in between is lost. The
// background work is detached from ctx's cancellation; use Stop to end it.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.watcher != nil {
		return apperr.ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w := watcher.New(ix.fs, ix.cfg.Watch, ix.log)
	if err := w.Start(runCtx); err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	ix.watcher, ix.cancel, ix.done = w, cancel, done

	go func() {
		defer close(done)
		if _, err := ix.ReindexAll(runCtx); err != nil && runCtx.Err() == nil {
			ix.log.Error("indexer: initial reindex failed", slog.String("error", err.Error()))
		}
		if _, err := ix.EmbedMissing(runCtx); err != nil && runCtx.Err() == nil {
			ix.log.Warn("indexer: embedding backfill failed", slog.String("error", err.Error()))
		}
		for batch := range w.Tasks() {
			ix.ProcessBatch(runCtx, batch)
		}
	}()

	ix.log.Info("indexer: started")
	return nil
}

// Stop ends watching and waits for the consumer to exit. A task that is
// mid-transaction is either committed or rolled back.
func (ix *Indexer) Stop() error {
	ix.mu.Lock()
	w, cancel, done := ix.watcher, ix.cancel, ix.done
	ix.watcher, ix.cancel, ix.done = nil, nil, nil
	ix.mu.Unlock()

	if w == nil {
		return apperr.ErrNotRunning
	}
	w.Stop()
	cancel()
	<-done
	ix.log.Info("indexer: stopped")
	return nil
}

// Running reports whether the watcher is active.
func (ix *Indexer) Running() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.watcher != nil
}

// WatcherState returns the state of the active watcher.
func (ix *Indexer) WatcherState() watcher.State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.watcher == nil {
		return watcher.Stopped
	}
	return ix.watcher.State()
}

// Enqueue schedules path for re-indexing. While running the path joins
// the watcher's debounced queue; otherwise it is indexed inline.
func (ix *Indexer) Enqueue(ctx context.Context, path string) error {
	ix.mu.Lock()
	w := ix.watcher
	ix.mu.Unlock()

	task := watcher.Task{Type: watcher.Change, Path: path}
	if w != nil {
		if err := w.Notify(task); err == nil {
			return nil
		}
	}
	if r := ix.OnEvent(ctx, task); r.Outcome == Failed {
		return r.Err
	}
	return nil
}
