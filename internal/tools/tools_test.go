package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/embedding"
	"github.com/starford/ansuz/internal/indexer"
	"github.com/starford/ansuz/internal/parser"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/testutil"
)

type harness struct {
	root string
	x    *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root, fs := testutil.TestVault(t)
	db := testutil.TestStore(t)
	gw, err := embedding.NewGateway(embedding.NewStatic(128), embedding.DefaultConfig(), testutil.Logger())
	require.NoError(t, err)

	ix := indexer.New(indexer.Deps{Store: db, FS: fs, Embedder: gw, Logger: testutil.Logger()}, indexer.DefaultConfig())
	eng := search.New(db, gw, 0, testutil.Logger())
	x := NewExecutor(Deps{FS: fs, Links: db, Search: eng, Enqueuer: ix, Logger: testutil.Logger()})
	return &harness{root: root, x: x}
}

func (h *harness) run(t *testing.T, name string, args any) (string, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return h.x.Run(context.Background(), name, raw)
}

func TestDecode_Validation(t *testing.T) {
	cases := []struct {
		name string
		tool string
		raw  string
	}{
		{"unknown tool", "delete_vault", `{}`},
		{"missing path", ReadNote, `{}`},
		{"empty path", ReadNote, `{"path":""}`},
		{"extra field", ReadNote, `{"path":"a.md","mode":"x"}`},
		{"wrong type", SearchNotes, `{"query":"q","top_k":"five"}`},
		{"top_k out of range", SearchNotes, `{"query":"q","top_k":500}`},
		{"empty updates", UpdateFrontmatter, `{"path":"a.md","updates":{}}`},
		{"not json", WriteNote, `{"path":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.tool, json.RawMessage(tc.raw))
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestDecode_TypedCalls(t *testing.T) {
	call, err := Decode(SearchNotes, json.RawMessage(`{"query":"q","top_k":3,"filter":{"tags":["go"]}}`))
	require.NoError(t, err)
	sc, ok := call.(SearchNotesCall)
	require.True(t, ok)
	assert.Equal(t, 3, sc.TopK)
	require.NotNil(t, sc.Filter)
	assert.Equal(t, []string{"go"}, sc.Filter.Tags)

	call, err = Decode(ListBacklinks, nil)
	assert.Nil(t, call)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCatalogue(t *testing.T) {
	names := map[string]bool{}
	for _, d := range Catalogue() {
		names[d.Name] = true
		var schema map[string]any
		require.NoError(t, json.Unmarshal(d.SchemaJSON(), &schema))
		assert.Equal(t, "object", schema["type"])
	}
	assert.Len(t, names, 5)
	for _, n := range []string{ReadNote, SearchNotes, WriteNote, UpdateFrontmatter, ListBacklinks} {
		assert.True(t, names[n], n)
	}
}

func TestExecutor_RejectsPathsOutsideVault(t *testing.T) {
	h := newHarness(t)
	for _, tool := range []string{ReadNote, ListBacklinks} {
		_, err := h.run(t, tool, map[string]any{"path": "../../etc/passwd"})
		assert.ErrorIs(t, err, apperr.ErrPathEscape, tool)
	}
	_, err := h.run(t, WriteNote, map[string]any{"path": "../outside.md", "content": "x"})
	assert.ErrorIs(t, err, apperr.ErrPathEscape)
	_, err = os.Stat(filepath.Join(filepath.Dir(h.root), "outside.md"))
	assert.True(t, os.IsNotExist(err))
}

func TestExecutor_WriteRequiresMarkdown(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, WriteNote, map[string]any{"path": "script.sh", "content": "rm -rf /"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestExecutor_WriteThenSearch(t *testing.T) {
	h := newHarness(t)
	testutil.WriteFile(t, h.root, "cooking/bread.md", "# Bread\n\nFlour water salt yeast and a long proof.")
	testutil.WriteFile(t, h.root, "travel/kyoto.md", "# Kyoto\n\nTemples, gardens and the bamboo grove.")

	out, err := h.run(t, WriteNote, map[string]any{
		"path":    "meetings/2024-06-01",
		"content": "# Standup\n\nDiscussed the quantum computing roadmap and qubit error correction.",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "meetings/2024-06-01.md")

	text, err := h.run(t, ReadNote, map[string]any{"path": "meetings/2024-06-01.md"})
	require.NoError(t, err)
	assert.Contains(t, text, "qubit error correction")

	out, err = h.run(t, SearchNotes, map[string]any{"query": "quantum computing qubit", "top_k": 5})
	require.NoError(t, err)
	var hits []searchHit
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.NotEmpty(t, hits)
	assert.Equal(t, "meetings/2024-06-01.md", hits[0].Path)
	assert.Equal(t, "Standup", hits[0].Title)
}

func TestExecutor_UpdateFrontmatter(t *testing.T) {
	h := newHarness(t)
	testutil.WriteFile(t, h.root, "todo.md", "---\nstatus: open\n---\nbody\n")

	_, err := h.run(t, UpdateFrontmatter, map[string]any{
		"path":    "todo",
		"updates": map[string]any{"status": "done", "tags": []string{"work"}},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(h.root, "todo.md"))
	require.NoError(t, err)
	r, err := parser.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "done", r.Frontmatter["status"])
	assert.Equal(t, []string{"work"}, r.Tags)
	assert.True(t, strings.HasSuffix(string(data), "---\nbody\n"))

	_, err = h.run(t, UpdateFrontmatter, map[string]any{"path": "missing.md", "updates": map[string]any{"a": 1}})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestExecutor_ListBacklinks(t *testing.T) {
	h := newHarness(t)
	_, err := h.run(t, WriteNote, map[string]any{"path": "target.md", "content": "# Target\n"})
	require.NoError(t, err)
	_, err = h.run(t, WriteNote, map[string]any{"path": "notes/source.md", "content": "# Source\n\nSee [[target|the target]]."})
	require.NoError(t, err)

	out, err := h.run(t, ListBacklinks, map[string]any{"path": "target"})
	require.NoError(t, err)
	var hits []backlinkHit
	require.NoError(t, json.Unmarshal([]byte(out), &hits))
	require.Len(t, hits, 1)
	assert.Equal(t, backlinkHit{
		SourcePath:  "notes/source.md",
		SourceTitle: "Source",
		LinkText:    "the target",
		LinkType:    "wikilink",
	}, hits[0])

	out, err = h.run(t, ListBacklinks, map[string]any{"path": "lonely.md"})
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestParseDate(t *testing.T) {
	got, err := parseDate("2024-03-05", true)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-05T23:59:59.999Z", got.Format("2006-01-02T15:04:05.000Z07:00"))

	got, err = parseDate("2024-03-05T10:00:00Z", true)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Hour())

	_, err = parseDate("last tuesday", false)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
