package api

import (
	"encoding/json"

	"github.com/starford/ansuz/internal/indexer"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/search"
	"github.com/starford/ansuz/internal/store"
)

// StatusResponse describes the daemon state.
type StatusResponse struct {
	Vault              string      `json:"vault" example:"/home/me/notes" validate:"required"`
	Indexing           bool        `json:"indexing"`
	WatcherState       string      `json:"watcher_state" example:"watching" validate:"required"`
	EmbeddingModel     string      `json:"embedding_model,omitempty" example:"text-embedding-3-small"`
	LastEmbeddingModel string      `json:"last_embedding_model,omitempty"`
	Stats              store.Stats `json:"stats"`
}

// ReindexResponse reports a full reindex.
type ReindexResponse = indexer.Summary

// EmbedMissingResponse reports an embedding backfill.
type EmbedMissingResponse struct {
	Embedded int `json:"embedded" example:"42"`
}

// VaultRequest is the body of PUT /api/vault.
type VaultRequest struct {
	Path string `json:"path" example:"/home/me/notes" validate:"required"`
}

// VaultResponse reports the active and persisted vault location.
type VaultResponse struct {
	Path            string `json:"path" validate:"required"`
	Configured      string `json:"configured,omitempty"`
	RestartRequired bool   `json:"restart_required"`
}

// SearchResponse wraps ranked search results.
type SearchResponse = search.Response

// BacklinksResponse lists notes linking to a path.
type BacklinksResponse struct {
	Path      string            `json:"path" validate:"required"`
	Backlinks []models.Backlink `json:"backlinks" validate:"required"`
}

// ToolResponse is the result of POST /api/tools/{name}. Result holds the
// tool's JSON output verbatim when it is JSON, or a string otherwise.
type ToolResponse struct {
	Tool   string          `json:"tool" validate:"required"`
	Result json.RawMessage `json:"result" validate:"required"`
}

// AskRequest is the body of POST /api/ask.
type AskRequest struct {
	Prompt string `json:"prompt" example:"What did I write about qubits?" validate:"required"`
}
