package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/embedding"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/store"
	"github.com/starford/ansuz/internal/testutil"
	"github.com/starford/ansuz/internal/watcher"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) Model() string { return "fake-2d" }

func (f *fakeEmbedder) EmbedBatch(_ context.Context, texts []string) (embedding.Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return embedding.Batch{}, f.err
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t)), 1}
	}
	return embedding.Batch{Vectors: vecs, Model: f.Model()}, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) PublishIndexEvent(kind, path, _ string) {
	s.mu.Lock()
	s.events = append(s.events, kind+":"+path)
	s.mu.Unlock()
}

func (s *recordingSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

type env struct {
	root string
	fs   *storage.FS
	db   *store.DB
	emb  *fakeEmbedder
	sink *recordingSink
	ix   *Indexer
}

func newEnv(t *testing.T, emb *fakeEmbedder, cfg Config) *env {
	t.Helper()
	root, fs := testutil.TestVault(t)
	db := testutil.TestStore(t)
	e := &env{root: root, fs: fs, db: db, emb: emb, sink: &recordingSink{}}
	deps := Deps{Store: db, FS: fs, Sink: e.sink, Logger: testutil.Logger()}
	if emb != nil {
		deps.Embedder = emb
	}
	e.ix = New(deps, cfg)
	return e
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func TestOnEvent_QuantumScenario(t *testing.T) {
	e := newEnv(t, &fakeEmbedder{}, DefaultConfig())
	ctx := context.Background()
	testutil.WriteFile(t, e.root, "research/quantum.md", "# Quantum Computing\n\nQubits are described in [[qubits]].\n")

	r := e.ix.OnEvent(ctx, watcher.Task{Type: watcher.Add, Path: "research/quantum.md"})
	require.Equal(t, Indexed, r.Outcome, "err: %v", r.Err)

	doc, err := e.db.GetDocument(ctx, "research/quantum.md")
	require.NoError(t, err)
	assert.Equal(t, "Quantum Computing", doc.Title)

	links, err := e.db.OutgoingLinks(ctx, "research/quantum.md")
	require.NoError(t, err)
	assert.Equal(t, []models.Link{{
		SourcePath: "research/quantum.md",
		TargetPath: "qubits.md",
		Type:       models.LinkWikilink,
		Text:       "qubits",
	}}, links)

	stats, err := e.db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, stats.Chunks, stats.EmbeddedChunks)
	assert.Equal(t, []string{"indexed:research/quantum.md"}, e.sink.all())
}

func TestOnEvent_Idempotent(t *testing.T) {
	e := newEnv(t, &fakeEmbedder{}, DefaultConfig())
	ctx := context.Background()
	testutil.WriteFile(t, e.root, "a.md", "# A\n\nsome text [[b]]")

	r := e.ix.OnEvent(ctx, watcher.Task{Type: watcher.Add, Path: "a.md"})
	require.Equal(t, Indexed, r.Outcome)
	before, err := e.db.Stats(ctx)
	require.NoError(t, err)
	calls := e.emb.callCount()

	r = e.ix.OnEvent(ctx, watcher.Task{Type: watcher.Change, Path: "a.md"})
	assert.Equal(t, Skipped, r.Outcome)
	after, err := e.db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, calls, e.emb.callCount(), "unchanged file is not re-embedded")

	chunks, err := e.db.Chunks(ctx, "a.md")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

func TestOnEvent_EmbeddingFailureDegrades(t *testing.T) {
	emb := &fakeEmbedder{err: apperr.Classify("fake", 503, errors.New("provider down"))}
	cfg := DefaultConfig()
	cfg.MaxTokens, cfg.OverlapTokens = 60, 0
	e := newEnv(t, emb, cfg)
	ctx := context.Background()
	testutil.WriteFile(t, e.root, "big.md", words(180))

	r := e.ix.OnEvent(ctx, watcher.Task{Type: watcher.Add, Path: "big.md"})
	assert.Equal(t, Degraded, r.Outcome)
	assert.ErrorIs(t, r.Err, apperr.ErrTransient)

	chunks, err := e.db.Chunks(ctx, "big.md")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.False(t, c.HasEmbedding())
		assert.Empty(t, c.EmbeddingModel)
	}
	assert.Equal(t, []string{"degraded:big.md"}, e.sink.all())

	// The backfill picks the chunks up once the provider recovers.
	emb.mu.Lock()
	emb.err = nil
	emb.mu.Unlock()
	n, err := e.ix.EmbedMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := e.db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.EmbeddedChunks)

	var model string
	require.NoError(t, e.db.GetSetting(ctx, store.SettingLastEmbeddingModel, &model))
	assert.Equal(t, "fake-2d", model)
}

func TestOnEvent_NoEmbedderStoresNullVectors(t *testing.T) {
	e := newEnv(t, nil, DefaultConfig())
	ctx := context.Background()
	testutil.WriteFile(t, e.root, "a.md", "plain text")

	r := e.ix.OnEvent(ctx, watcher.Task{Type: watcher.Add, Path: "a.md"})
	assert.Equal(t, Indexed, r.Outcome)

	n, err := e.ix.EmbedMissing(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	pending, err := e.db.ChunksMissingEmbeddings(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestOnEvent_CorruptedContentContinues(t *testing.T) {
	e := newEnv(t, nil, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "bad.md"), []byte{0xff, 0xfe, 'x'}, 0o644))
	testutil.WriteFile(t, e.root, "good.md", "# Good")

	results := e.ix.ProcessBatch(ctx, []watcher.Task{
		{Type: watcher.Add, Path: "bad.md"},
		{Type: watcher.Add, Path: "good.md"},
	})
	require.Len(t, results, 2)
	assert.Equal(t, Failed, results[0].Outcome)
	assert.ErrorIs(t, results[0].Err, apperr.ErrCorruptedContent)
	assert.Equal(t, Indexed, results[1].Outcome)

	_, ok, err := e.db.GetChecksum(ctx, "bad.md")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, e.sink.all(), "failed:bad.md")
}

func TestOnEvent_VanishedFileIsUnlink(t *testing.T) {
	e := newEnv(t, nil, DefaultConfig())
	ctx := context.Background()
	testutil.WriteFile(t, e.root, "gone.md", "# Gone [[other]]")
	require.Equal(t, Indexed, e.ix.OnEvent(ctx, watcher.Task{Type: watcher.Add, Path: "gone.md"}).Outcome)

	require.NoError(t, os.Remove(filepath.Join(e.root, "gone.md")))
	r := e.ix.OnEvent(ctx, watcher.Task{Type: watcher.Change, Path: "gone.md"})
	assert.Equal(t, Deleted, r.Outcome)

	stats, err := e.db.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.Stats{}, stats)

	r = e.ix.OnEvent(ctx, watcher.Task{Type: watcher.Unlink, Path: "gone.md"})
	assert.Equal(t, Skipped, r.Outcome)
}

func TestOnEvent_RejectsEscapingPath(t *testing.T) {
	e := newEnv(t, nil, DefaultConfig())
	r := e.ix.OnEvent(context.Background(), watcher.Task{Type: watcher.Add, Path: "../outside.md"})
	assert.Equal(t, Failed, r.Outcome)
	assert.ErrorIs(t, r.Err, apperr.ErrValidation)
}

func TestReindexAll_IndexesAndPrunes(t *testing.T) {
	e := newEnv(t, &fakeEmbedder{}, DefaultConfig())
	ctx := context.Background()
	testutil.WriteFile(t, e.root, "a.md", "# A")
	testutil.WriteFile(t, e.root, "dir/b.md", "# B")
	testutil.WriteFile(t, e.root, "skip.txt", "no")

	sum, err := e.ix.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Indexed: 2}, sum)

	sum, err = e.ix.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 2}, sum)

	require.NoError(t, os.Remove(filepath.Join(e.root, "a.md")))
	sum, err = e.ix.ReindexAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Skipped: 1, Deleted: 1}, sum)

	paths, err := e.db.AllPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"dir/b.md": {}}, paths)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Watch = watcher.Options{
		DebounceInterval:  50 * time.Millisecond,
		ReconcileInterval: 25 * time.Millisecond,
		QueueSize:         8,
	}
	return cfg
}

func TestStartStop_DeleteRemovesDocument(t *testing.T) {
	e := newEnv(t, &fakeEmbedder{}, fastConfig())
	ctx := context.Background()
	testutil.WriteFile(t, e.root, "existing.md", "# Existing")

	require.NoError(t, e.ix.Start(ctx))
	t.Cleanup(func() { _ = e.ix.Stop() })
	assert.True(t, e.ix.Running())
	assert.ErrorIs(t, e.ix.Start(ctx), apperr.ErrAlreadyRunning)

	indexed := func(p string) func() bool {
		return func() bool {
			_, ok, _ := e.db.GetChecksum(ctx, p)
			return ok
		}
	}
	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, indexed("existing.md"), "initial reindex missed existing.md")

	testutil.WriteFile(t, e.root, "live.md", "# Live\n\nbody")
	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, indexed("live.md"), "live.md not indexed")

	require.NoError(t, os.Remove(filepath.Join(e.root, "live.md")))
	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		_, ok, _ := e.db.GetChecksum(ctx, "live.md")
		stats, _ := e.db.Stats(ctx)
		return !ok && stats.Documents == 1
	}, "deleted file still indexed")

	require.NoError(t, e.ix.Stop())
	assert.False(t, e.ix.Running())
	assert.ErrorIs(t, e.ix.Stop(), apperr.ErrNotRunning)
}

func TestEnqueue(t *testing.T) {
	e := newEnv(t, nil, fastConfig())
	ctx := context.Background()

	testutil.WriteFile(t, e.root, "inline.md", "# Inline")
	require.NoError(t, e.ix.Enqueue(ctx, "inline.md"))
	_, ok, err := e.db.GetChecksum(ctx, "inline.md")
	require.NoError(t, err)
	assert.True(t, ok, "indexed inline while stopped")

	require.NoError(t, e.ix.Start(ctx))
	t.Cleanup(func() { _ = e.ix.Stop() })
	testutil.WriteFile(t, e.root, "queued.md", "# Queued")
	require.NoError(t, e.ix.Enqueue(ctx, "queued.md"))
	testutil.Eventually(t, 3*time.Second, 20*time.Millisecond, func() bool {
		_, ok, _ := e.db.GetChecksum(ctx, "queued.md")
		return ok
	}, "queued.md not indexed")
}

func TestEmbedMissing_BackfillsDegradedChunks(t *testing.T) {
	emb := &fakeEmbedder{err: apperr.ErrPersistent}
	e := newEnv(t, emb, Config{MaxTokens: 60, EmbedPageSize: 2})
	ctx := context.Background()

	testutil.WriteFile(t, e.root, "long.md", words(200))
	r := e.ix.OnEvent(ctx, watcher.Task{Type: watcher.Add, Path: "long.md"})
	require.Equal(t, Degraded, r.Outcome)
	require.Equal(t, 4, r.Chunks)

	emb.mu.Lock()
	emb.err = nil
	emb.mu.Unlock()

	n, err := e.ix.EmbedMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	chunks, err := e.db.Chunks(ctx, "long.md")
	require.NoError(t, err)
	for _, c := range chunks {
		assert.NotNil(t, c.Embedding, "chunk %d", c.ChunkIndex)
		assert.Equal(t, "fake-2d", c.EmbeddingModel)
	}

	var last string
	require.NoError(t, e.db.GetSetting(ctx, store.SettingLastEmbeddingModel, &last))
	assert.Equal(t, "fake-2d", last)

	n, err = e.ix.EmbedMissing(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Contains(t, e.sink.all(), "embedded:")
}

func TestEmbedMissing_NoEmbedder(t *testing.T) {
	e := newEnv(t, nil, Config{})
	n, err := e.ix.EmbedMissing(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEmbedMissing_ReembedsAfterModelChange(t *testing.T) {
	ctx := context.Background()
	root, fs := testutil.TestVault(t)
	db := testutil.TestStore(t)
	gateway := func(dims int) *embedding.Gateway {
		g, err := embedding.NewGateway(embedding.NewStatic(dims), embedding.Config{}, testutil.Logger())
		require.NoError(t, err)
		return g
	}
	oldModel, newModel := gateway(32), gateway(64)

	testutil.WriteFile(t, root, "a.md", "# Quantum\n\nQuantum computers use qubits.")
	before := New(Deps{Store: db, FS: fs, Embedder: oldModel, Logger: testutil.Logger()}, Config{})
	require.Equal(t, Indexed, before.OnEvent(ctx, watcher.Task{Type: watcher.Add, Path: "a.md"}).Outcome)

	after := New(Deps{Store: db, FS: fs, Embedder: newModel, Logger: testutil.Logger()}, Config{})
	engine := search.New(db, newModel, 0, testutil.Logger())

	resp, err := engine.Search(ctx, "quantum", 5, models.SearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, resp.Results, "vectors of another model are not compared")

	n, err := after.EmbedMissing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	resp, err = engine.Search(ctx, "quantum", 5, models.SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, search.ModeVector, resp.Mode)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "a.md", resp.Results[0].Path)

	chunks, err := db.Chunks(ctx, "a.md")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "static-64", chunks[0].EmbeddingModel)
	assert.Len(t, chunks[0].Embedding, 64)

	n, err = after.EmbedMissing(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "a second sweep finds nothing")
}
