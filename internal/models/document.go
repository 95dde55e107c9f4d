// Package models defines the domain types for ansuz.
package models

import (
	"path"
	"strings"
	"time"
)

// Document is one indexed Markdown file in the vault.
type Document struct {
	ID            int64          `json:"id"`
	Path          string         `json:"path"`
	Checksum      string         `json:"checksum"`
	Title         string         `json:"title,omitempty"`
	WordCount     int            `json:"word_count"`
	Tags          []string       `json:"tags,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	ModifiedAt    time.Time      `json:"modified_at"`
	LastIndexedAt time.Time      `json:"last_indexed_at"`
	Frontmatter   map[string]any `json:"frontmatter"`
}

// DisplayTitle returns title, or the file name without extension when the
// document has no level-1 heading.
func DisplayTitle(p, title string) string {
	if title != "" {
		return title
	}
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Chunk is a contiguous slice of a document body sized for embedding.
// Embedding and EmbeddingModel are either both set or both empty.
type Chunk struct {
	ID             int64     `json:"id"`
	DocumentID     int64     `json:"document_id"`
	Content        string    `json:"content"`
	Embedding      []float32 `json:"-"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	ChunkIndex     int       `json:"chunk_index"`
	TokenCount     int       `json:"token_count"`
}

// HasEmbedding reports whether the chunk carries a vector.
func (c Chunk) HasEmbedding() bool {
	return len(c.Embedding) > 0
}

// FileInfo is the filesystem view of a vault file.
type FileInfo struct {
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}
