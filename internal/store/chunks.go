package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/starford/ansuz/internal/models"
)

// CandidateQuery selects embedded chunks for similarity scoring.
type CandidateQuery struct {
	// Model restricts candidates to vectors produced by this model. Empty means any.
	Model  string
	Filter models.SearchFilter
}

// Candidate is an embedded chunk together with its document metadata.
type Candidate struct {
	ChunkID    int64
	Path       string
	Title      string
	ChunkIndex int
	Content    string
	Embedding  []float32
}

// PendingChunk is a chunk still waiting for an embedding.
type PendingChunk struct {
	ID      int64
	Path    string
	Content string
}

// EmbeddingUpdate assigns a vector to a chunk.
type EmbeddingUpdate struct {
	ChunkID int64
	Vector  []float32
}

// Chunks returns the chunks of one document ordered by chunk index.
func (db *DB) Chunks(ctx context.Context, path string) ([]models.Chunk, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.token_count, c.embedding, c.embedding_model
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE d.path = ?
		ORDER BY c.chunk_index
	`, path)
	if err != nil {
		return nil, fmt.Errorf("store: chunks: %w", err)
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var (
			c     models.Chunk
			blob  []byte
			model sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.TokenCount, &blob, &model); err != nil {
			return nil, err
		}
		if blob != nil {
			if c.Embedding, err = DecodeVector(blob); err != nil {
				return nil, err
			}
		}
		c.EmbeddingModel = model.String
		out = append(out, c)
	}
	return out, rows.Err()
}

// CandidateChunks returns embedded chunks matching q in insertion order.
// Tag and date filters are applied in SQL.
func (db *DB) CandidateChunks(ctx context.Context, q CandidateQuery) ([]Candidate, error) {
	var (
		where = []string{"c.embedding IS NOT NULL"}
		args  []any
	)
	if q.Model != "" {
		where = append(where, "c.embedding_model = ?")
		args = append(args, q.Model)
	}
	if q.Filter.DateAfter != nil {
		where = append(where, "d.modified_at >= ?")
		args = append(args, toMillis(*q.Filter.DateAfter))
	}
	if q.Filter.DateBefore != nil {
		where = append(where, "d.modified_at <= ?")
		args = append(args, toMillis(*q.Filter.DateBefore))
	}
	if len(q.Filter.Tags) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(q.Filter.Tags)), ",")
		where = append(where, "EXISTS (SELECT 1 FROM json_each(d.tags) t WHERE t.value IN ("+placeholders+"))")
		for _, tag := range q.Filter.Tags {
			args = append(args, strings.TrimPrefix(tag, "#"))
		}
	}

	query := `
		SELECT c.id, d.path, COALESCE(d.title, ''), c.chunk_index, c.content, c.embedding
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY c.id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: candidate chunks: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			c    Candidate
			blob []byte
		)
		if err := rows.Scan(&c.ChunkID, &c.Path, &c.Title, &c.ChunkIndex, &c.Content, &blob); err != nil {
			return nil, err
		}
		if c.Embedding, err = DecodeVector(blob); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunksMissingEmbeddings returns up to limit chunks that have no vector for
// model: chunks with a NULL embedding, and chunks embedded by another model.
// An empty model selects NULL embeddings only.
func (db *DB) ChunksMissingEmbeddings(ctx context.Context, model string, limit int) ([]PendingChunk, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT c.id, d.path, c.content
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.embedding IS NULL OR (? <> '' AND c.embedding_model <> ?)
		ORDER BY c.id
		LIMIT ?
	`, model, model, limit)
	if err != nil {
		return nil, fmt.Errorf("store: missing embeddings: %w", err)
	}
	defer rows.Close()

	var out []PendingChunk
	for rows.Next() {
		var p PendingChunk
		if err := rows.Scan(&p.ID, &p.Path, &p.Content); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetEmbeddings stores vectors for existing chunks in one transaction. Chunks
// that were replaced in the meantime are silently skipped.
func (db *DB) SetEmbeddings(ctx context.Context, model string, updates []EmbeddingUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `UPDATE chunks SET embedding = ?, embedding_model = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("store: prepare embedding update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if len(u.Vector) == 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, EncodeVector(u.Vector), model, u.ChunkID); err != nil {
			return fmt.Errorf("store: update embedding %d: %w", u.ChunkID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchText is the substring fallback used when no embedding is available.
// It matches chunk content and document titles case-insensitively (ASCII).
func (db *DB) SearchText(ctx context.Context, query string, limit int) ([]models.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + likeEscaper.Replace(query) + "%"

	rows, err := db.conn.QueryContext(ctx, `
		SELECT d.path, COALESCE(d.title, ''), c.content, c.chunk_index
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.content LIKE ? ESCAPE '\' OR d.title LIKE ? ESCAPE '\'
		ORDER BY CASE WHEN d.title LIKE ? ESCAPE '\' THEN 0 ELSE 1 END, c.id
		LIMIT ?
	`, pattern, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("store: search text: %w", err)
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		if err := rows.Scan(&r.Path, &r.Title, &r.Chunk, &r.ChunkIndex); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
