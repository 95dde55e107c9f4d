package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/parser"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/storage"
)

// Searcher runs semantic search.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, filter models.SearchFilter) (*search.Response, error)
}

// BacklinkStore answers backlink queries.
type BacklinkStore interface {
	Backlinks(ctx context.Context, target string) ([]models.Backlink, error)
}

// Enqueuer schedules a path for re-indexing.
type Enqueuer interface {
	Enqueue(ctx context.Context, path string) error
}

// Deps are the collaborators of an Executor.
type Deps struct {
	FS       storage.Provider
	Links    BacklinkStore
	Search   Searcher
	Enqueuer Enqueuer
	Logger   *slog.Logger
}

// Executor runs tool calls against the vault. Every path argument is
// resolved inside the vault root before any file is touched.
type Executor struct {
	fs      storage.Provider
	links   BacklinkStore
	search  Searcher
	enqueue Enqueuer
	log     *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(deps Deps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		fs:      deps.FS,
		links:   deps.Links,
		search:  deps.Search,
		enqueue: deps.Enqueuer,
		log:     logger.With(slog.String("component", "tools")),
	}
}

// Run decodes and executes a named tool call.
func (x *Executor) Run(ctx context.Context, name string, raw json.RawMessage) (string, error) {
	call, err := Decode(name, raw)
	if err != nil {
		return "", err
	}
	return x.Execute(ctx, call)
}

// Execute dispatches a decoded call.
func (x *Executor) Execute(ctx context.Context, call Call) (string, error) {
	start := time.Now()
	var (
		out string
		err error
	)
	switch c := call.(type) {
	case ReadNoteCall:
		out, err = x.readNote(c)
	case SearchNotesCall:
		out, err = x.searchNotes(ctx, c)
	case WriteNoteCall:
		out, err = x.writeNote(ctx, c)
	case UpdateFrontmatterCall:
		out, err = x.updateFrontmatter(ctx, c)
	case ListBacklinksCall:
		out, err = x.listBacklinks(ctx, c)
	default:
		err = apperr.Validation("unsupported tool call %T", call)
	}

	attrs := []any{slog.String("tool", call.Tool()), slog.Duration("took", time.Since(start))}
	if err != nil {
		x.log.Warn("tools: call failed", append(attrs, slog.String("error", err.Error()))...)
	} else {
		x.log.Debug("tools: call done", attrs...)
	}
	return out, err
}

// notePath normalizes a tool path argument and checks it against the vault
// root. A missing extension becomes .md; requireMarkdown rejects others.
func (x *Executor) notePath(p string, requireMarkdown bool) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", apperr.Validation("path is required")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if path.Ext(p) == "" {
		p += ".md"
	}
	if requireMarkdown && !storage.IsMarkdown(p) {
		return "", apperr.Validation("%s: only .md notes can be written", p)
	}
	if _, err := x.fs.Resolve(p); err != nil {
		return "", err
	}
	return path.Clean(p), nil
}

func (x *Executor) readNote(c ReadNoteCall) (string, error) {
	p, err := x.notePath(c.Path, false)
	if err != nil {
		return "", err
	}
	data, err := x.fs.Read(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type searchHit struct {
	Path  string  `json:"path"`
	Title string  `json:"title"`
	Chunk string  `json:"chunk"`
	Score float64 `json:"score"`
}

func (x *Executor) searchNotes(ctx context.Context, c SearchNotesCall) (string, error) {
	if x.search == nil {
		return "", apperr.Validation("search is not configured")
	}
	var filter models.SearchFilter
	if c.Filter != nil {
		var err error
		if filter, err = c.Filter.ToFilter(); err != nil {
			return "", err
		}
	}
	resp, err := x.search.Search(ctx, c.Query, c.TopK, filter)
	if err != nil {
		return "", err
	}
	hits := make([]searchHit, len(resp.Results))
	for i, r := range resp.Results {
		hits[i] = searchHit{Path: r.Path, Title: r.Title, Chunk: r.Chunk, Score: r.Score}
	}
	return encode(hits)
}

func (x *Executor) writeNote(ctx context.Context, c WriteNoteCall) (string, error) {
	p, err := x.notePath(c.Path, true)
	if err != nil {
		return "", err
	}
	if err := x.fs.Write(p, []byte(c.Content)); err != nil {
		return "", err
	}
	x.reindex(ctx, p)
	return fmt.Sprintf("wrote %d bytes to %s", len(c.Content), p), nil
}

func (x *Executor) updateFrontmatter(ctx context.Context, c UpdateFrontmatterCall) (string, error) {
	p, err := x.notePath(c.Path, true)
	if err != nil {
		return "", err
	}
	raw, err := x.fs.Read(p)
	if err != nil {
		return "", err
	}
	merged, err := parser.MergeFrontmatter(raw, c.Updates)
	if err != nil {
		return "", err
	}
	if err := x.fs.Write(p, merged); err != nil {
		return "", err
	}
	x.reindex(ctx, p)

	keys := make([]string, 0, len(c.Updates))
	for k := range c.Updates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("updated frontmatter of %s (%s)", p, strings.Join(keys, ", ")), nil
}

type backlinkHit struct {
	SourcePath  string `json:"source_path"`
	SourceTitle string `json:"source_title"`
	LinkText    string `json:"link_text"`
	LinkType    string `json:"link_type"`
}

func (x *Executor) listBacklinks(ctx context.Context, c ListBacklinksCall) (string, error) {
	p, err := x.notePath(c.Path, false)
	if err != nil {
		return "", err
	}
	links, err := x.links.Backlinks(ctx, parser.NormalizeTarget(p))
	if err != nil {
		return "", err
	}
	hits := make([]backlinkHit, len(links))
	for i, l := range links {
		hits[i] = backlinkHit{
			SourcePath:  l.SourcePath,
			SourceTitle: models.DisplayTitle(l.SourcePath, l.SourceTitle),
			LinkText:    l.Text,
			LinkType:    string(l.Type),
		}
	}
	return encode(hits)
}

func (x *Executor) reindex(ctx context.Context, p string) {
	if x.enqueue == nil {
		return
	}
	if err := x.enqueue.Enqueue(ctx, p); err != nil {
		x.log.Warn("tools: re-index request failed", slog.String("path", p), slog.String("error", err.Error()))
	}
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("tools: encode result: %w", err)
	}
	return string(raw), nil
}

// ToFilter converts the wire filter, parsing its date bounds.
func (f FilterInput) ToFilter() (models.SearchFilter, error) {
	out := models.SearchFilter{Tags: f.Tags}
	if f.DateAfter != "" {
		t, err := parseDate(f.DateAfter, false)
		if err != nil {
			return out, err
		}
		out.DateAfter = &t
	}
	if f.DateBefore != "" {
		t, err := parseDate(f.DateBefore, true)
		if err != nil {
			return out, err
		}
		out.DateBefore = &t
	}
	return out, nil
}

// parseDate accepts RFC 3339 timestamps or plain dates. A plain date used
// as an upper bound covers the whole day.
func parseDate(s string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, apperr.Validation("invalid date %q, want YYYY-MM-DD or RFC 3339", s)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}
