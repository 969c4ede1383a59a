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

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

const contentDocument = `to_tsvector('english', coalesce(c.content->>'text', '') || ' ' || coalesce(c.content->>'alt', ''))`

// Search ranks published records with plainto_tsquery and ts_rank. Keys are
// matched by substring so "hero" finds every hero field even when the text
// does not mention it.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	limit := defaultLimit(q.Limit)

	tsQuery := "plainto_tsquery('english', $1)"
	where := fmt.Sprintf("(%s @@ %s OR c.content_key ILIKE $2 OR c.content->>'text' ILIKE $2)", contentDocument, tsQuery)
	args := []any{text, "%" + escapeLike(text) + "%"}
	if q.Page != "" {
		where += " AND c.page = $3"
		args = append(args, q.Page)
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM content_records c WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}
	if total == 0 {
		return nil, 0, nil
	}

	dataSQL := fmt.Sprintf(`
		SELECT c.content_key, c.content_type, c.page, c.section,
			ts_headline('english', coalesce(c.content->>'text', c.content->>'alt', ''), %s,
				'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet
		FROM content_records c
		WHERE %s
		ORDER BY ts_rank(%s, %s) DESC, c.page, c.content_key
		LIMIT %d`, tsQuery, where, contentDocument, tsQuery, limit)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Key, &r.Type, &r.Page, &r.Section, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
