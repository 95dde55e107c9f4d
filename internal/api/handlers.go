package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/ansuz/internal/agent"
	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/indexer"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/parser"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/store"
	"github.com/starford/ansuz/internal/tools"
	"github.com/starford/ansuz/internal/watcher"
)

const maxBodyBytes = 10 << 20

// IndexControl is the indexer surface exposed over HTTP.
type IndexControl interface {
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	WatcherState() watcher.State
	ReindexAll(ctx context.Context) (indexer.Summary, error)
	EmbedMissing(ctx context.Context) (int, error)
}

// Store is the part of the content store the handlers read.
type Store interface {
	Stats(ctx context.Context) (store.Stats, error)
	Backlinks(ctx context.Context, target string) ([]models.Backlink, error)
	GetSetting(ctx context.Context, key string, dst any) error
	SetSetting(ctx context.Context, key string, value any) error
}

// ToolRunner executes a named tool.
type ToolRunner interface {
	Run(ctx context.Context, name string, raw json.RawMessage) (string, error)
}

// Asker answers a prompt with the agent loop.
type Asker interface {
	Run(ctx context.Context, prompt string) (*agent.Result, error)
}

// Deps are the collaborators of a Handler. Agent may be nil.
type Deps struct {
	Index          IndexControl
	Store          Store
	Search         tools.Searcher
	Tools          ToolRunner
	Agent          Asker
	VaultRoot      string
	EmbeddingModel string
}

// Handler holds API route handlers.
type Handler struct {
	deps Deps
}

// NewHandler creates a new Handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps}
}

// wildcardPath extracts the path after the route prefix. Encoded slashes
// (topics%2Fnote.md) are accepted.
func wildcardPath(r *http.Request) string {
	raw := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if raw == "" {
		return ""
	}
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return raw
	}
	return decoded
}

// Status handles GET /api/status.
//
//	@Summary		Daemon and index status
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	StatusResponse
//	@Security		BearerAuth
//	@Router			/status [get]
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	stats, err := h.deps.Store.Stats(r.Context())
	if err != nil {
		writeError(w, "status", err)
		return
	}
	var last string
	if err := h.deps.Store.GetSetting(r.Context(), store.SettingLastEmbeddingModel, &last); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		writeError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Vault:              h.deps.VaultRoot,
		Indexing:           h.deps.Index.Running(),
		WatcherState:       h.deps.Index.WatcherState().String(),
		EmbeddingModel:     h.deps.EmbeddingModel,
		LastEmbeddingModel: last,
		Stats:              stats,
	})
}

// StartIndex handles POST /api/index/start.
//
//	@Summary		Start watching and indexing the vault
//	@Tags			index
//	@Success		202	"Indexing started"
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/index/start [post]
func (h *Handler) StartIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Index.Start(r.Context()); err != nil {
		writeError(w, "start indexing", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// StopIndex handles POST /api/index/stop.
//
//	@Summary		Stop watching the vault
//	@Tags			index
//	@Success		200	"Indexing stopped"
//	@Failure		409	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/index/stop [post]
func (h *Handler) StopIndex(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Index.Stop(); err != nil {
		writeError(w, "stop indexing", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Reindex handles POST /api/index/reindex.
//
//	@Summary		Re-index every note in the vault
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	ReindexResponse
//	@Security		BearerAuth
//	@Router			/index/reindex [post]
func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	sum, err := h.deps.Index.ReindexAll(r.Context())
	if err != nil {
		writeError(w, "reindex", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// EmbedMissing handles POST /api/index/embed-missing.
//
//	@Summary		Embed chunks stored without a vector
//	@Tags			index
//	@Produce		json
//	@Success		200	{object}	EmbedMissingResponse
//	@Failure		502	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/index/embed-missing [post]
func (h *Handler) EmbedMissing(w http.ResponseWriter, r *http.Request) {
	n, err := h.deps.Index.EmbedMissing(r.Context())
	if err != nil {
		writeError(w, "embed missing", err)
		return
	}
	writeJSON(w, http.StatusOK, EmbedMissingResponse{Embedded: n})
}

// GetVault handles GET /api/vault.
//
//	@Summary		Active and persisted vault location
//	@Tags			vault
//	@Produce		json
//	@Success		200	{object}	VaultResponse
//	@Security		BearerAuth
//	@Router			/vault [get]
func (h *Handler) GetVault(w http.ResponseWriter, r *http.Request) {
	var configured string
	if err := h.deps.Store.GetSetting(r.Context(), store.SettingVaultPath, &configured); err != nil && !errors.Is(err, apperr.ErrNotFound) {
		writeError(w, "get vault", err)
		return
	}
	writeJSON(w, http.StatusOK, VaultResponse{
		Path:            h.deps.VaultRoot,
		Configured:      configured,
		RestartRequired: configured != "" && configured != h.deps.VaultRoot,
	})
}

// SetVault handles PUT /api/vault. The new location is persisted and used
// from the next start.
//
//	@Summary		Persist a new vault location
//	@Tags			vault
//	@Accept			json
//	@Produce		json
//	@Param			body	body		VaultRequest	true	"Vault directory"
//	@Success		200		{object}	VaultResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/vault [put]
func (h *Handler) SetVault(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req VaultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	dir := strings.TrimSpace(req.Path)
	if dir == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		writeJSON(w, http.StatusBadRequest, errorBody("path is not a directory"))
		return
	}
	if err := h.deps.Store.SetSetting(r.Context(), store.SettingVaultPath, abs); err != nil {
		writeError(w, "set vault", err)
		return
	}
	writeJSON(w, http.StatusOK, VaultResponse{
		Path:            h.deps.VaultRoot,
		Configured:      abs,
		RestartRequired: abs != h.deps.VaultRoot,
	})
}

// Search handles GET /api/search.
//
//	@Summary		Semantic search across notes
//	@Tags			search
//	@Produce		json
//	@Param			q			query		string	true	"Search query"
//	@Param			top_k		query		int		false	"Max results"
//	@Param			tags		query		string	false	"Comma separated tags, any match"
//	@Param			date_after	query		string	false	"YYYY-MM-DD or RFC 3339"
//	@Param			date_before	query		string	false	"YYYY-MM-DD or RFC 3339"
//	@Success		200			{object}	SearchResponse
//	@Failure		400			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'q' is required"))
		return
	}
	topK := search.DefaultTopK
	if raw := q.Get("top_k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody("top_k must be a positive integer"))
			return
		}
		topK = n
	}

	in := tools.FilterInput{DateAfter: q.Get("date_after"), DateBefore: q.Get("date_before")}
	for _, tag := range strings.Split(q.Get("tags"), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			in.Tags = append(in.Tags, tag)
		}
	}
	filter, err := in.ToFilter()
	if err != nil {
		writeError(w, "search", err)
		return
	}

	resp, err := h.deps.Search.Search(r.Context(), query, topK, filter)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Backlinks handles GET /api/backlinks/*.
//
//	@Summary		Notes linking to a path
//	@Tags			links
//	@Produce		json
//	@Param			path	path		string	true	"Note path"
//	@Success		200		{object}	BacklinksResponse
//	@Security		BearerAuth
//	@Router			/backlinks/{path} [get]
func (h *Handler) Backlinks(w http.ResponseWriter, r *http.Request) {
	target := parser.NormalizeTarget(wildcardPath(r))
	if target == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("path is required"))
		return
	}
	links, err := h.deps.Store.Backlinks(r.Context(), target)
	if err != nil {
		writeError(w, "backlinks", err)
		return
	}
	for i := range links {
		links[i].SourceTitle = models.DisplayTitle(links[i].SourcePath, links[i].SourceTitle)
	}
	if links == nil {
		links = []models.Backlink{}
	}
	writeJSON(w, http.StatusOK, BacklinksResponse{Path: target, Backlinks: links})
}

// RunTool handles POST /api/tools/{name}.
//
//	@Summary		Run one vault tool
//	@Tags			tools
//	@Accept			json
//	@Produce		json
//	@Param			name	path		string	true	"Tool name"
//	@Success		200		{object}	ToolResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/tools/{name} [post]
func (h *Handler) RunTool(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	name := chi.URLParam(r, "name")
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("failed to read body"))
		return
	}
	out, err := h.deps.Tools.Run(r.Context(), name, raw)
	if err != nil {
		writeError(w, "tool "+name, err)
		return
	}
	result := json.RawMessage(out)
	if !json.Valid(result) {
		result, _ = json.Marshal(out)
	}
	writeJSON(w, http.StatusOK, ToolResponse{Tool: name, Result: result})
}

// Ask handles POST /api/ask.
//
//	@Summary		Answer a prompt with the tool-using agent
//	@Tags			agent
//	@Accept			json
//	@Produce		json
//	@Param			body	body		AskRequest	true	"Prompt"
//	@Success		200		{object}	agent.Result
//	@Failure		422		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Failure		503		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/ask [post]
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	if h.deps.Agent == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("no chat provider configured"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	res, err := h.deps.Agent.Run(r.Context(), req.Prompt)
	if err != nil {
		writeError(w, "ask", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
