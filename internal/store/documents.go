package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/starford/ansuz/internal/apperr"
	"github.com/starford/ansuz/internal/models"
)

// ReplaceDocument replaces everything stored for doc.Path in one transaction:
// the old document (and by cascade its chunks) and its outgoing links are
// deleted, then the document, chunks and links are inserted. The original
// created_at survives the replacement. It returns the new document id.
func (db *DB) ReplaceDocument(ctx context.Context, doc models.Document, chunks []models.Chunk, links []models.Link) (int64, error) {
	for _, c := range chunks {
		if c.HasEmbedding() != (c.EmbeddingModel != "") {
			return 0, apperr.Validation("store: chunk %d of %s has embedding without model or model without embedding", c.ChunkIndex, doc.Path)
		}
	}

	fmJSON, err := json.Marshal(nonNilMap(doc.Frontmatter))
	if err != nil {
		return 0, fmt.Errorf("store: marshal frontmatter: %w", err)
	}
	tagsJSON, err := json.Marshal(nonNilSlice(doc.Tags))
	if err != nil {
		return 0, fmt.Errorf("store: marshal tags: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	createdAt := toMillis(doc.CreatedAt)
	var existing int64
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM documents WHERE path = ?`, doc.Path).Scan(&existing)
	switch {
	case err == nil:
		createdAt = existing
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("store: lookup %s: %w", doc.Path, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, doc.Path); err != nil {
		return 0, fmt.Errorf("store: delete document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE source_path = ?`, doc.Path); err != nil {
		return 0, fmt.Errorf("store: delete links: %w", err)
	}

	indexedAt := doc.LastIndexedAt
	if indexedAt.IsZero() {
		indexedAt = db.now()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO documents (path, checksum, title, word_count, tags, frontmatter, created_at, modified_at, last_indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.Path, doc.Checksum, nullString(doc.Title), doc.WordCount, string(tagsJSON), string(fmJSON),
		createdAt, toMillis(doc.ModifiedAt), toMillis(indexedAt))
	if err != nil {
		return 0, fmt.Errorf("store: insert document: %w", err)
	}
	docID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: document id: %w", err)
	}

	if len(chunks) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (document_id, chunk_index, content, token_count, embedding, embedding_model)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return 0, fmt.Errorf("store: prepare chunk insert: %w", err)
		}
		defer stmt.Close()
		for _, c := range chunks {
			var blob any
			if c.HasEmbedding() {
				blob = EncodeVector(c.Embedding)
			}
			if _, err := stmt.ExecContext(ctx, docID, c.ChunkIndex, c.Content, c.TokenCount, blob, nullString(c.EmbeddingModel)); err != nil {
				return 0, fmt.Errorf("store: insert chunk %d: %w", c.ChunkIndex, err)
			}
		}
	}

	if len(links) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO links (source_path, target_path, link_type, link_text)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(source_path, target_path, link_type) DO UPDATE SET link_text = excluded.link_text
		`)
		if err != nil {
			return 0, fmt.Errorf("store: prepare link insert: %w", err)
		}
		defer stmt.Close()
		for _, l := range links {
			if !l.Type.Valid() {
				return 0, apperr.Validation("store: unknown link type %q", l.Type)
			}
			if _, err := stmt.ExecContext(ctx, doc.Path, l.TargetPath, string(l.Type), l.Text); err != nil {
				return 0, fmt.Errorf("store: insert link: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit: %w", err)
	}
	return docID, nil
}

// DeleteDocument removes a document, its chunks (cascade) and its outgoing
// links. Links pointing at path are kept. It reports whether a document existed.
func (db *DB) DeleteDocument(ctx context.Context, path string) (bool, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE source_path = ?`, path); err != nil {
		return false, fmt.Errorf("store: delete links: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path)
	if err != nil {
		return false, fmt.Errorf("store: delete document: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return n > 0, nil
}

// GetChecksum returns the stored checksum for path and whether it exists.
func (db *DB) GetChecksum(ctx context.Context, path string) (string, bool, error) {
	var cs string
	err := db.conn.QueryRowContext(ctx, `SELECT checksum FROM documents WHERE path = ?`, path).Scan(&cs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get checksum: %w", err)
	}
	return cs, true, nil
}

// GetDocument loads one document by path.
func (db *DB) GetDocument(ctx context.Context, path string) (*models.Document, error) {
	var (
		doc                          models.Document
		title                        sql.NullString
		tagsJSON, fmJSON             string
		created, modified, indexedAt int64
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, path, checksum, title, word_count, tags, frontmatter, created_at, modified_at, last_indexed_at
		FROM documents WHERE path = ?
	`, path).Scan(&doc.ID, &doc.Path, &doc.Checksum, &title, &doc.WordCount, &tagsJSON, &fmJSON, &created, &modified, &indexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document: %w", err)
	}

	doc.Title = title.String
	doc.CreatedAt = fromMillis(created)
	doc.ModifiedAt = fromMillis(modified)
	doc.LastIndexedAt = fromMillis(indexedAt)
	if err := json.Unmarshal([]byte(tagsJSON), &doc.Tags); err != nil {
		return nil, fmt.Errorf("store: decode tags: %w", err)
	}
	if err := json.Unmarshal([]byte(fmJSON), &doc.Frontmatter); err != nil {
		return nil, fmt.Errorf("store: decode frontmatter: %w", err)
	}
	return &doc, nil
}

// AllPaths returns every indexed document path.
func (db *DB) AllPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT path FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("store: all paths: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out[p] = struct{}{}
	}
	return out, rows.Err()
}

// Stats counts stored rows.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents),
			(SELECT COUNT(*) FROM chunks),
			(SELECT COUNT(*) FROM chunks WHERE embedding IS NOT NULL),
			(SELECT COUNT(*) FROM links)
	`).Scan(&s.Documents, &s.Chunks, &s.EmbeddedChunks, &s.Links)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	return s, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nonNilSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
