// Package store persists documents, chunks, links and settings in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	path            TEXT    NOT NULL UNIQUE,
	checksum        TEXT    NOT NULL,
	title           TEXT,
	word_count      INTEGER NOT NULL DEFAULT 0,
	tags            TEXT    NOT NULL DEFAULT '[]',
	frontmatter     TEXT    NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL,
	modified_at     INTEGER NOT NULL,
	last_indexed_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id     INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	chunk_index     INTEGER NOT NULL,
	content         TEXT    NOT NULL,
	token_count     INTEGER NOT NULL,
	embedding       BLOB,
	embedding_model TEXT,
	UNIQUE(document_id, chunk_index),
	CHECK ((embedding IS NULL) = (embedding_model IS NULL))
);

CREATE TABLE IF NOT EXISTS links (
	source_path TEXT NOT NULL,
	target_path TEXT NOT NULL,
	link_type   TEXT NOT NULL CHECK (link_type IN ('wikilink', 'markdown', 'embed')),
	link_text   TEXT NOT NULL DEFAULT '',
	UNIQUE(source_path, target_path, link_type)
);

CREATE TABLE IF NOT EXISTS settings (
	key        TEXT PRIMARY KEY,
	value      TEXT    NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
DROP INDEX IF EXISTS idx_chunks_missing;
CREATE INDEX IF NOT EXISTS idx_chunks_model ON chunks(embedding_model);
CREATE INDEX IF NOT EXISTS idx_links_source ON links(source_path);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_path);
CREATE INDEX IF NOT EXISTS idx_documents_modified ON documents(modified_at);
`

// DB wraps a sql.DB with content-store operations.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &DB{conn: conn, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
