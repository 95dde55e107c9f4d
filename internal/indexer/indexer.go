// Package indexer runs watcher tasks through parse, chunk, embed and store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/chunker"
	"github.com/starford/ansuz/internal/embedding"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/parser"
	"github.com/starford/ansuz/internal/storage"
	"github.com/starford/ansuz/internal/store"
	"github.com/starford/ansuz/internal/watcher"
)

// Outcome classifies what happened to one path.
type Outcome string

const (
	Indexed  Outcome = "indexed"
	Skipped  Outcome = "skipped"
	Degraded Outcome = "degraded"
	Deleted  Outcome = "deleted"
	Failed   Outcome = "failed"
)

// Result reports the outcome of one task. Err is set for Failed and
// Degraded outcomes.
type Result struct {
	Path    string  `json:"path"`
	Outcome Outcome `json:"outcome"`
	Chunks  int     `json:"chunks,omitempty"`
	Links   int     `json:"links,omitempty"`
	Err     error   `json:"-"`
}

// Embedder is the part of the embedding gateway the indexer needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) (embedding.Batch, error)
	Model() string
}

// EventSink receives index events for subscribers.
type EventSink interface {
	PublishIndexEvent(kind, path, detail string)
}

// Config tunes chunking, backfill and the watcher.
type Config struct {
	MaxTokens     int
	OverlapTokens int
	Mode          chunker.Mode
	// EmbedPageSize is the number of chunks embedded per backfill round.
	EmbedPageSize int
	Watch         watcher.Options
}

// DefaultConfig returns the indexer defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:     512,
		OverlapTokens: 64,
		Mode:          chunker.ModeWindow,
		EmbedPageSize: 128,
		Watch:         watcher.DefaultOptions(),
	}
}

// Deps are the collaborators of an Indexer. Embedder and Sink may be nil.
type Deps struct {
	Store    store.ContentStore
	FS       *storage.FS
	Embedder Embedder
	Sink     EventSink
	Logger   *slog.Logger
}

// Indexer keeps the content store in sync with the vault.
type Indexer struct {
	store    store.ContentStore
	fs       *storage.FS
	embedder Embedder
	sink     EventSink
	cfg      Config
	log      *slog.Logger

	locks [32]sync.Mutex // per-path serialization, striped by hash

	mu      sync.Mutex
	watcher *watcher.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates an Indexer. Zero config fields fall back to DefaultConfig.
func New(deps Deps, cfg Config) *Indexer {
	def := DefaultConfig()
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.OverlapTokens < 0 || cfg.OverlapTokens >= cfg.MaxTokens {
		cfg.OverlapTokens = 0
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.EmbedPageSize <= 0 {
		cfg.EmbedPageSize = def.EmbedPageSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:    deps.Store,
		fs:       deps.FS,
		embedder: deps.Embedder,
		sink:     deps.Sink,
		cfg:      cfg,
		log:      logger.With(slog.String("component", "indexer")),
	}
}

// OnEvent processes a single task. It never panics on bad input; every
// failure is reported in the Result.
func (ix *Indexer) OnEvent(ctx context.Context, t watcher.Task) Result {
	lock := ix.lockFor(t.Path)
	lock.Lock()
	defer lock.Unlock()

	var r Result
	switch t.Type {
	case watcher.Add, watcher.Change:
		r = ix.index(ctx, t.Path)
	case watcher.Unlink:
		r = ix.remove(ctx, t.Path)
	default:
		r = Result{Path: t.Path, Outcome: Failed, Err: apperr.Validation("unknown task type %q", t.Type)}
	}
	ix.report(r)
	return r
}

// ProcessBatch runs tasks in order and returns one result per task.
func (ix *Indexer) ProcessBatch(ctx context.Context, tasks []watcher.Task) []Result {
	out := make([]Result, 0, len(tasks))
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		out = append(out, ix.OnEvent(ctx, t))
	}
	return out
}

func (ix *Indexer) index(ctx context.Context, path string) Result {
	if !storage.Indexable(path) {
		return Result{Path: path, Outcome: Failed, Err: apperr.Validation("%s is not an indexable markdown file", path)}
	}

	data, err := ix.fs.Read(path)
	if errors.Is(err, apperr.ErrNotFound) {
		return ix.remove(ctx, path)
	}
	if err != nil {
		return Result{Path: path, Outcome: Failed, Err: err}
	}
	info, err := ix.fs.Stat(path)
	if errors.Is(err, apperr.ErrNotFound) {
		return ix.remove(ctx, path)
	}
	if err != nil {
		return Result{Path: path, Outcome: Failed, Err: err}
	}

	sum := checksum.Sum(data)
	existing, ok, err := ix.store.GetChecksum(ctx, path)
	if err != nil {
		return Result{Path: path, Outcome: Failed, Err: err}
	}
	if ok && existing == sum {
		return Result{Path: path, Outcome: Skipped}
	}
	ix.log.Debug("indexer: content changed",
		slog.String("path", path),
		slog.String("old", checksum.Short(existing)),
		slog.String("new", checksum.Short(sum)))

	parsed, err := parser.Parse(data)
	if err != nil {
		return Result{Path: path, Outcome: Failed, Err: err}
	}
	pieces, err := chunker.Split(ix.cfg.Mode, parsed.Body, ix.cfg.MaxTokens, ix.cfg.OverlapTokens)
	if err != nil {
		return Result{Path: path, Outcome: Failed, Err: err}
	}

	chunks := make([]models.Chunk, len(pieces))
	texts := make([]string, len(pieces))
	for i, p := range pieces {
		chunks[i] = models.Chunk{Content: p.Content, ChunkIndex: p.Index, TokenCount: p.TokenCount}
		texts[i] = p.Content
	}

	r := Result{Path: path, Outcome: Indexed, Chunks: len(chunks), Links: len(parsed.Links)}
	if ix.embedder != nil && len(texts) > 0 {
		batch, err := ix.embedder.EmbedBatch(ctx, texts)
		switch {
		case err != nil && ctx.Err() != nil:
			return Result{Path: path, Outcome: Failed, Err: ctx.Err()}
		case err != nil:
			r.Outcome = Degraded
			r.Err = err
		default:
			for i := range chunks {
				chunks[i].Embedding = batch.Vectors[i]
				chunks[i].EmbeddingModel = batch.Model
			}
		}
	}

	doc := models.Document{
		Path:        path,
		Checksum:    sum,
		Title:       parsed.Title,
		WordCount:   parsed.WordCount,
		Tags:        parsed.Tags,
		Frontmatter: parsed.Frontmatter,
		CreatedAt:   info.ModifiedAt,
		ModifiedAt:  info.ModifiedAt,
	}
	if _, err := ix.store.ReplaceDocument(ctx, doc, chunks, parsed.Links); err != nil {
		return Result{Path: path, Outcome: Failed, Err: err}
	}
	return r
}

func (ix *Indexer) remove(ctx context.Context, path string) Result {
	existed, err := ix.store.DeleteDocument(ctx, path)
	if err != nil {
		return Result{Path: path, Outcome: Failed, Err: err}
	}
	if !existed {
		return Result{Path: path, Outcome: Skipped}
	}
	return Result{Path: path, Outcome: Deleted}
}

func (ix *Indexer) report(r Result) {
	attrs := []any{slog.String("path", r.Path), slog.String("outcome", string(r.Outcome))}
	switch r.Outcome {
	case Failed:
		ix.log.Error("indexer: task failed", append(attrs, slog.String("error", r.Err.Error()))...)
	case Degraded:
		ix.log.Warn("indexer: stored without embeddings", append(attrs, slog.String("error", r.Err.Error()))...)
	case Skipped:
		ix.log.Debug("indexer: unchanged", attrs...)
	default:
		ix.log.Debug("indexer: done", append(attrs, slog.Int("chunks", r.Chunks), slog.Int("links", r.Links))...)
	}

	if ix.sink == nil || r.Outcome == Skipped {
		return
	}
	detail := ""
	if r.Err != nil {
		detail = r.Err.Error()
	}
	ix.sink.PublishIndexEvent(string(r.Outcome), r.Path, detail)
}

func (ix *Indexer) lockFor(path string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return &ix.locks[h.Sum32()%uint32(len(ix.locks))]
}

// Summary counts outcomes of a bulk run.
type Summary struct {
	Indexed  int `json:"indexed"`
	Skipped  int `json:"skipped"`
	Degraded int `json:"degraded"`
	Deleted  int `json:"deleted"`
	Failed   int `json:"failed"`
}

func (s *Summary) add(r Result) {
	switch r.Outcome {
	case Indexed:
		s.Indexed++
	case Skipped:
		s.Skipped++
	case Degraded:
		s.Degraded++
	case Deleted:
		s.Deleted++
	case Failed:
		s.Failed++
	}
}

// ReindexAll replays every Markdown file in the vault as an add and then
// removes documents whose files are gone. Unchanged files are skipped by
// checksum, so it is safe to run while the watcher is active.
func (ix *Indexer) ReindexAll(ctx context.Context) (Summary, error) {
	var sum Summary
	files, err := ix.fs.List("")
	if err != nil {
		return sum, fmt.Errorf("indexer: list vault: %w", err)
	}
	onDisk := make(map[string]struct{}, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		onDisk[f.Path] = struct{}{}
		sum.add(ix.OnEvent(ctx, watcher.Task{Type: watcher.Add, Path: f.Path}))
	}

	indexed, err := ix.store.AllPaths(ctx)
	if err != nil {
		return sum, err
	}
	for p := range indexed {
		if _, ok := onDisk[p]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.add(ix.OnEvent(ctx, watcher.Task{Type: watcher.Unlink, Path: p}))
	}

	ix.log.Info("indexer: reindex finished",
		slog.Int("indexed", sum.Indexed),
		slog.Int("skipped", sum.Skipped),
		slog.Int("degraded", sum.Degraded),
		slog.Int("deleted", sum.Deleted),
		slog.Int("failed", sum.Failed))
	return sum, nil
}

// EmbedMissing backfills vectors for chunks that have none for the current
// model, page by page. Chunks embedded by an earlier model are re-embedded.
// It returns the number of chunks embedded. Without an embedder it does
// nothing.
func (ix *Indexer) EmbedMissing(ctx context.Context) (int, error) {
	if ix.embedder == nil {
		return 0, nil
	}
	total := 0
	for {
		pending, err := ix.store.ChunksMissingEmbeddings(ctx, ix.embedder.Model(), ix.cfg.EmbedPageSize)
		if err != nil {
			return total, err
		}
		if len(pending) == 0 {
			break
		}
		texts := make([]string, len(pending))
		for i, p := range pending {
			texts[i] = p.Content
		}
		batch, err := ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return total, fmt.Errorf("indexer: embed missing: %w", err)
		}
		updates := make([]store.EmbeddingUpdate, len(pending))
		for i, p := range pending {
			updates[i] = store.EmbeddingUpdate{ChunkID: p.ID, Vector: batch.Vectors[i]}
		}
		if err := ix.store.SetEmbeddings(ctx, batch.Model, updates); err != nil {
			return total, err
		}
		total += len(pending)
		if len(pending) < ix.cfg.EmbedPageSize {
			break
		}
	}
	if total > 0 {
		ix.log.Info("indexer: backfilled embeddings", slog.Int("chunks", total), slog.String("model", ix.embedder.Model()))
		if ix.sink != nil {
			ix.sink.PublishIndexEvent("embedded", "", fmt.Sprintf("%d chunks", total))
		}
	}
	if err := ix.store.SetSetting(ctx, store.SettingLastEmbeddingModel, ix.embedder.Model()); err != nil {
		return total, err
	}
	return total, nil
}
