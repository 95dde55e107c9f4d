package store

import (
	"context"

	"github.com/starford/ansuz/internal/models"
)

// ContentStore is the persistence contract used by the indexer, search engine
// and tools.
type ContentStore interface {
	ReplaceDocument(ctx context.Context, doc models.Document, chunks []models.Chunk, links []models.Link) (int64, error)
	DeleteDocument(ctx context.Context, path string) (bool, error)
	GetChecksum(ctx context.Context, path string) (string, bool, error)
	GetDocument(ctx context.Context, path string) (*models.Document, error)
	AllPaths(ctx context.Context) (map[string]struct{}, error)

	Chunks(ctx context.Context, path string) ([]models.Chunk, error)
	CandidateChunks(ctx context.Context, q CandidateQuery) ([]Candidate, error)
	ChunksMissingEmbeddings(ctx context.Context, model string, limit int) ([]PendingChunk, error)
	SetEmbeddings(ctx context.Context, model string, updates []EmbeddingUpdate) error
	SearchText(ctx context.Context, query string, limit int) ([]models.SearchResult, error)

	Backlinks(ctx context.Context, target string) ([]models.Backlink, error)
	OutgoingLinks(ctx context.Context, source string) ([]models.Link, error)

	GetSetting(ctx context.Context, key string, dst any) error
	SetSetting(ctx context.Context, key string, value any) error
	DeleteSetting(ctx context.Context, key string) error

	Stats(ctx context.Context) (Stats, error)
}

var _ ContentStore = (*DB)(nil)

// Stats summarizes store contents.
type Stats struct {
	Documents      int `json:"documents"`
	Chunks         int `json:"chunks"`
	EmbeddedChunks int `json:"embedded_chunks"`
	Links          int `json:"links"`
}
