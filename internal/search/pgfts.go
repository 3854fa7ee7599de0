package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const ftsMatch = `
	FROM files f
	JOIN file_contents c ON c.file_id = f.id
	WHERE f.workspace_id::text = $1
		AND (to_tsvector('simple', f.name) @@ plainto_tsquery('simple', $2)
			OR to_tsvector('simple', c.body) @@ plainto_tsquery('simple', $2))`

// Search matches file names and saved text with plainto_tsquery, ranked by ts_rank
// and with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	args := []any{q.WorkspaceID, q.Text}

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*)"+ftsMatch, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT f.id::text, f.folder_id::text, f.name,
			ts_headline('simple', c.body, plainto_tsquery('simple', $2),
				'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet
		%s
		ORDER BY ts_rank(to_tsvector('simple', f.name), plainto_tsquery('simple', $2)) * 2
			+ ts_rank(to_tsvector('simple', c.body), plainto_tsquery('simple', $2)) DESC, f.name
		LIMIT %d OFFSET %d`, ftsMatch, q.limit(), q.offset())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.FileID, &r.FolderID, &r.Name, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every file with its text for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]FileRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT f.id::text, f.workspace_id::text, f.folder_id::text, f.name, COALESCE(c.body, '')
		FROM files f
		LEFT JOIN file_contents c ON c.file_id = f.id
	`)
	if err != nil {
		return nil, fmt.Errorf("load files: %w", err)
	}
	defer rows.Close()

	records := make([]FileRecord, 0)
	for rows.Next() {
		var rec FileRecord
		if err := rows.Scan(&rec.ID, &rec.WorkspaceID, &rec.FolderID, &rec.Name, &rec.Body); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate files: %w", err)
	}
	return records, nil
}
