package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/testutil"
)

func fastOptions() Options {
	return Options{
		DebounceInterval:  80 * time.Millisecond,
		ReconcileInterval: 30 * time.Millisecond,
		QueueSize:         16,
	}
}

// collector drains a watcher's batches in the background.
type collector struct {
	mu      sync.Mutex
	batches [][]Task
	done    chan struct{}
}

func collect(w *Watcher) *collector {
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for b := range w.Tasks() {
			c.mu.Lock()
			c.batches = append(c.batches, b)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) tasks() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Task
	for _, b := range c.batches {
		out = append(out, b...)
	}
	return out
}

func (c *collector) has(want Task) bool {
	for _, t := range c.tasks() {
		if t == want {
			return true
		}
	}
	return false
}

func startWatcher(t *testing.T, opts Options) (string, *Watcher, *collector) {
	t.Helper()
	root, fs := testutil.TestVault(t)
	w := New(fs, opts, testutil.Logger())
	require.NoError(t, w.Start(context.Background()))
	c := collect(w)
	t.Cleanup(func() {
		w.Stop()
		<-c.done
	})
	return root, w, c
}

func TestWatcher_AddChangeUnlink(t *testing.T) {
	root, w, c := startWatcher(t, fastOptions())
	assert.Equal(t, Watching, w.State())

	testutil.WriteFile(t, root, "new.md", "# New")
	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return c.has(Task{Type: Add, Path: "new.md"})
	}, "add not observed")

	testutil.WriteFile(t, root, "new.md", "# New\n\nmore text here")
	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return c.has(Task{Type: Change, Path: "new.md"})
	}, "change not observed")

	require.NoError(t, os.Remove(filepath.Join(root, "new.md")))
	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return c.has(Task{Type: Unlink, Path: "new.md"})
	}, "unlink not observed")
}

func TestWatcher_LastEventWins(t *testing.T) {
	opts := fastOptions()
	opts.DebounceInterval = 300 * time.Millisecond
	root, _, c := startWatcher(t, opts)

	for i := 0; i < 5; i++ {
		testutil.WriteFile(t, root, "burst.md", "version "+string(rune('a'+i)))
	}
	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return len(c.tasks()) > 0
	}, "no batch flushed")
	time.Sleep(400 * time.Millisecond)

	var forPath []Task
	for _, task := range c.tasks() {
		if task.Path == "burst.md" {
			forPath = append(forPath, task)
		}
	}
	assert.Len(t, forPath, 1, "burst collapses into one task: %v", c.tasks())
}

func TestWatcher_IgnoresDotfilesAndOtherExtensions(t *testing.T) {
	root, _, c := startWatcher(t, fastOptions())

	testutil.WriteFile(t, root, ".hidden.md", "x")
	testutil.WriteFile(t, root, ".obsidian/cache.md", "x")
	testutil.WriteFile(t, root, "image.png", "x")
	testutil.WriteFile(t, root, "notes.txt", "x")
	testutil.WriteFile(t, root, "real.md", "x")

	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return c.has(Task{Type: Add, Path: "real.md"})
	}, "real.md not observed")
	time.Sleep(200 * time.Millisecond)

	for _, task := range c.tasks() {
		assert.Equal(t, "real.md", task.Path)
	}
}

func TestWatcher_NewDirectoryWatched(t *testing.T) {
	root, _, c := startWatcher(t, fastOptions())

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deeper"), 0o755))
	time.Sleep(100 * time.Millisecond)
	testutil.WriteFile(t, root, "sub/deeper/n.md", "nested")

	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return c.has(Task{Type: Add, Path: "sub/deeper/n.md"})
	}, "nested file not observed")
}

func TestWatcher_Notify(t *testing.T) {
	_, w, c := startWatcher(t, fastOptions())

	require.NoError(t, w.Notify(Task{Type: Change, Path: "ghost.md"}))
	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		return c.has(Task{Type: Change, Path: "ghost.md"})
	}, "notified task not flushed")
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	_, fs := testutil.TestVault(t)
	w := New(fs, fastOptions(), testutil.Logger())
	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), apperr.ErrAlreadyRunning)

	w.Stop()
	w.Stop()
	assert.Equal(t, Stopped, w.State())

	_, open := <-w.Tasks()
	assert.False(t, open, "batch channel closed")
	assert.ErrorIs(t, w.Notify(Task{Type: Add, Path: "a.md"}), apperr.ErrNotRunning)
}

func TestWatcher_StopWithoutStart(t *testing.T) {
	_, fs := testutil.TestVault(t)
	w := New(fs, fastOptions(), testutil.Logger())
	w.Stop()
	w.Stop()
	_, open := <-w.Tasks()
	assert.False(t, open)
	assert.ErrorIs(t, w.Start(context.Background()), apperr.ErrNotRunning)
}

func TestWatcher_ContextCancelStops(t *testing.T) {
	_, fs := testutil.TestVault(t)
	w := New(fs, fastOptions(), testutil.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case _, open := <-w.Tasks():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
	w.Stop()
}

func TestDiff(t *testing.T) {
	old := map[string]stamp{
		"a.md": {modTime: 1, size: 10},
		"b.md": {modTime: 1, size: 10},
		"c.md": {modTime: 1, size: 10},
	}
	current := map[string]stamp{
		"a.md": {modTime: 1, size: 10},
		"b.md": {modTime: 2, size: 10},
		"d.md": {modTime: 1, size: 1},
	}
	want := []Task{
		{Type: Change, Path: "b.md"},
		{Type: Unlink, Path: "c.md"},
		{Type: Add, Path: "d.md"},
	}
	if d := cmp.Diff(want, diff(old, current)); d != "" {
		t.Errorf("diff mismatch (-want +got):\n%s", d)
	}
}

func TestFlushOrdersBySequence(t *testing.T) {
	pending := map[string]pendingTask{
		"z.md": {task: Task{Type: Add, Path: "z.md"}, seq: 1},
		"a.md": {task: Task{Type: Unlink, Path: "a.md"}, seq: 3},
		"m.md": {task: Task{Type: Change, Path: "m.md"}, seq: 2},
	}
	got := flush(pending)
	want := []Task{
		{Type: Add, Path: "z.md"},
		{Type: Change, Path: "m.md"},
		{Type: Unlink, Path: "a.md"},
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("flush mismatch (-want +got):\n%s", d)
	}
}
