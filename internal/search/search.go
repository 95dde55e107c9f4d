// Package search ranks stored chunks against a query by cosine similarity.
package search

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/store"
)

// DefaultTopK is used when a caller passes topK <= 0.
const DefaultTopK = 10

// Mode tells which path produced a response.
type Mode string

const (
	ModeVector    Mode = "vector"
	ModeSubstring Mode = "substring"
)

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// Response is a ranked result list.
type Response struct {
	Results []models.SearchResult `json:"results"`
	Mode    Mode                  `json:"mode"`
}

// Engine answers search queries.
type Engine struct {
	store    store.ContentStore
	embedder QueryEmbedder
	minScore float64
	log      *slog.Logger
}

// New creates an Engine. embedder may be nil, in which case every query
// uses the substring fallback.
func New(st store.ContentStore, embedder QueryEmbedder, minScore float64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		embedder: embedder,
		minScore: minScore,
		log:      logger.With(slog.String("component", "search")),
	}
}

// Search embeds query and returns at most topK chunks ordered by
// descending similarity. Ties keep insertion order. When no embedder is
// configured, or embedding the query fails, it falls back to substring
// matching with score 0.
func (e *Engine) Search(ctx context.Context, query string, topK int, filter models.SearchFilter) (*Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Validation("query is required")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	if filter.DateAfter != nil && filter.DateBefore != nil && filter.DateAfter.After(*filter.DateBefore) {
		return nil, apperr.Validation("date_after is later than date_before")
	}

	if e.embedder == nil {
		return e.substring(ctx, query, topK)
	}
	qvec, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.log.Warn("search: query embedding failed, using substring fallback", slog.String("error", err.Error()))
		return e.substring(ctx, query, topK)
	}

	candidates, err := e.store.CandidateChunks(ctx, store.CandidateQuery{Model: e.embedder.Model(), Filter: filter})
	if err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		score, err := Cosine(qvec, c.Embedding)
		if err != nil {
			e.log.Debug("search: skipping chunk", slog.Int64("chunk_id", c.ChunkID), slog.String("error", err.Error()))
			continue
		}
		if score < e.minScore {
			continue
		}
		results = append(results, models.SearchResult{
			Path:       c.Path,
			Title:      models.DisplayTitle(c.Path, c.Title),
			Chunk:      c.Content,
			ChunkIndex: c.ChunkIndex,
			Score:      score,
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return &Response{Results: results, Mode: ModeVector}, nil
}

func (e *Engine) substring(ctx context.Context, query string, topK int) (*Response, error) {
	results, err := e.store.SearchText(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	for i := range results {
		results[i].Title = models.DisplayTitle(results[i].Path, results[i].Title)
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	return &Response{Results: results, Mode: ModeSubstring}, nil
}

// Cosine returns the cosine similarity of a and b. Vectors of different
// length are a validation error; a zero-magnitude vector scores 0.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, apperr.Validation("vector length mismatch: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
