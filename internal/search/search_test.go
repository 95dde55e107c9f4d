package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/store"
	"github.com/starford/ansuz/internal/testutil"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f fixedEmbedder) EmbedQuery(context.Context, string) ([]float32, error) { return f.vec, f.err }
func (f fixedEmbedder) Model() string                                         { return "m" }

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 2}, []float32{-1, -2}, -1},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"both zero", []float32{0, 0}, []float32{0, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Cosine(tc.a, tc.b)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-6)
			assert.False(t, math.IsNaN(got))
		})
	}

	_, err := Cosine([]float32{1, 2}, []float32{1})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

// seed stores one single-chunk document per vector, in order.
func seed(t *testing.T, db *store.DB, vecs map[string][]float32, order []string) {
	t.Helper()
	for _, p := range order {
		doc := models.Document{Path: p, Checksum: p, ModifiedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
		chunks := []models.Chunk{{Content: "content of " + p, Embedding: vecs[p], EmbeddingModel: "m"}}
		_, err := db.ReplaceDocument(context.Background(), doc, chunks, nil)
		require.NoError(t, err)
	}
}

func TestSearch_RanksAndTruncates(t *testing.T) {
	db := testutil.TestStore(t)
	order := []string{"far.md", "near.md", "mid.md", "tie-a.md", "tie-b.md"}
	seed(t, db, map[string][]float32{
		"far.md":   {0, 1},
		"near.md":  {1, 0.05},
		"mid.md":   {1, 1},
		"tie-a.md": {1, 0.5},
		"tie-b.md": {2, 1},
	}, order)

	e := New(db, fixedEmbedder{vec: []float32{1, 0}}, -1, testutil.Logger())
	resp, err := e.Search(context.Background(), "query", 3, models.SearchFilter{})
	require.NoError(t, err)
	assert.Equal(t, ModeVector, resp.Mode)
	require.Len(t, resp.Results, 3)

	assert.Equal(t, "near.md", resp.Results[0].Path)
	assert.Equal(t, "tie-a.md", resp.Results[1].Path, "ties keep insertion order")
	assert.Equal(t, "tie-b.md", resp.Results[2].Path)
	assert.Equal(t, "near", resp.Results[0].Title, "title falls back to file name")
	for i := 1; i < len(resp.Results); i++ {
		assert.LessOrEqual(t, resp.Results[i].Score, resp.Results[i-1].Score)
	}
}

func TestSearch_TopKBound(t *testing.T) {
	db := testutil.TestStore(t)
	vecs := map[string][]float32{}
	var order []string
	for i := 0; i < 25; i++ {
		p := fmt.Sprintf("n%02d.md", i)
		vecs[p] = []float32{1, float32(i)}
		order = append(order, p)
	}
	seed(t, db, vecs, order)
	e := New(db, fixedEmbedder{vec: []float32{1, 1}}, -1, testutil.Logger())

	for _, k := range []int{1, 5, 10, 30} {
		resp, err := e.Search(context.Background(), "q", k, models.SearchFilter{})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(resp.Results), k)
		for i := 1; i < len(resp.Results); i++ {
			assert.LessOrEqual(t, resp.Results[i].Score, resp.Results[i-1].Score)
		}
	}

	resp, err := e.Search(context.Background(), "q", 0, models.SearchFilter{})
	require.NoError(t, err)
	assert.Len(t, resp.Results, DefaultTopK)
}

func TestSearch_MinScoreFloor(t *testing.T) {
	db := testutil.TestStore(t)
	seed(t, db, map[string][]float32{"yes.md": {1, 0}, "no.md": {0, 1}}, []string{"yes.md", "no.md"})

	e := New(db, fixedEmbedder{vec: []float32{1, 0}}, 0.5, testutil.Logger())
	resp, err := e.Search(context.Background(), "q", 10, models.SearchFilter{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "yes.md", resp.Results[0].Path)
}

func TestSearch_SkipsMismatchedDimensions(t *testing.T) {
	db := testutil.TestStore(t)
	seed(t, db, map[string][]float32{"ok.md": {1, 0}, "wide.md": {1, 0, 0}}, []string{"ok.md", "wide.md"})

	e := New(db, fixedEmbedder{vec: []float32{1, 0}}, -1, testutil.Logger())
	resp, err := e.Search(context.Background(), "q", 10, models.SearchFilter{})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "ok.md", resp.Results[0].Path)
}

func TestSearch_TagFilter(t *testing.T) {
	db := testutil.TestStore(t)
	ctx := context.Background()
	for _, d := range []struct {
		path string
		tags []string
	}{{"go.md", []string{"go"}}, {"rust.md", []string{"rust"}}} {
		doc := models.Document{Path: d.path, Checksum: "x", Tags: d.tags, ModifiedAt: time.Now()}
		_, err := db.ReplaceDocument(ctx, doc, []models.Chunk{{Content: d.path, Embedding: []float32{1}, EmbeddingModel: "m"}}, nil)
		require.NoError(t, err)
	}

	e := New(db, fixedEmbedder{vec: []float32{1}}, 0, testutil.Logger())
	resp, err := e.Search(ctx, "q", 10, models.SearchFilter{Tags: []string{"rust"}})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "rust.md", resp.Results[0].Path)
}

func TestSearch_SubstringFallback(t *testing.T) {
	db := testutil.TestStore(t)
	ctx := context.Background()
	_, err := db.ReplaceDocument(ctx, models.Document{Path: "a.md", Checksum: "1", Title: "Alpha", ModifiedAt: time.Now()},
		[]models.Chunk{{Content: "the quick brown fox"}}, nil)
	require.NoError(t, err)

	for name, emb := range map[string]QueryEmbedder{
		"no embedder":     nil,
		"embedder failed": fixedEmbedder{err: apperr.Classify("fake", 500, errors.New("down"))},
	} {
		t.Run(name, func(t *testing.T) {
			e := New(db, emb, 0, testutil.Logger())
			resp, err := e.Search(ctx, "brown", 5, models.SearchFilter{})
			require.NoError(t, err)
			assert.Equal(t, ModeSubstring, resp.Mode)
			require.Len(t, resp.Results, 1)
			assert.Equal(t, "a.md", resp.Results[0].Path)
			assert.Zero(t, resp.Results[0].Score)
		})
	}
}

func TestSearch_Validation(t *testing.T) {
	e := New(testutil.TestStore(t), nil, 0, testutil.Logger())
	_, err := e.Search(context.Background(), "  ", 5, models.SearchFilter{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	after := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = e.Search(context.Background(), "q", 5, models.SearchFilter{DateAfter: &after, DateBefore: &before})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
