package store

import (
	"context"
	"fmt"

	"github.com/starford/ansuz/internal/models"
)

// Backlinks returns every link whose target is target, with the source
// document's title when the source is indexed.
func (db *DB) Backlinks(ctx context.Context, target string) ([]models.Backlink, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT l.source_path, COALESCE(d.title, ''), l.link_type, l.link_text
		FROM links l LEFT JOIN documents d ON d.path = l.source_path
		WHERE l.target_path = ?
		ORDER BY l.source_path, l.link_type
	`, target)
	if err != nil {
		return nil, fmt.Errorf("store: backlinks: %w", err)
	}
	defer rows.Close()

	var out []models.Backlink
	for rows.Next() {
		var (
			b   models.Backlink
			typ string
		)
		if err := rows.Scan(&b.SourcePath, &b.SourceTitle, &typ, &b.Text); err != nil {
			return nil, err
		}
		b.Type = models.LinkType(typ)
		out = append(out, b)
	}
	return out, rows.Err()
}

// OutgoingLinks returns the links recorded for source.
func (db *DB) OutgoingLinks(ctx context.Context, source string) ([]models.Link, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT source_path, target_path, link_type, link_text
		FROM links WHERE source_path = ?
		ORDER BY target_path, link_type
	`, source)
	if err != nil {
		return nil, fmt.Errorf("store: outgoing links: %w", err)
	}
	defer rows.Close()

	var out []models.Link
	for rows.Next() {
		var (
			l   models.Link
			typ string
		)
		if err := rows.Scan(&l.SourcePath, &l.TargetPath, &typ, &l.Text); err != nil {
			return nil, err
		}
		l.Type = models.LinkType(typ)
		out = append(out, l)
	}
	return out, rows.Err()
}
