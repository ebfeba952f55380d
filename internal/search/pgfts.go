package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"thesisdesk/internal/document"
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

// The tsvector expressions match the GIN indexes created by the migrations.
const (
	chapterVector = "to_tsvector('simple', c.title)"
	commentVector = "to_tsvector('simple', cc.body || ' ' || cc.exact_match)"
)

// buildQuery renders the count and page queries for q. It returns empty
// strings when q cannot match anything.
func buildQuery(q Query) (countSQL, dataSQL string, args []any) {
	if strings.TrimSpace(q.Text) == "" {
		return "", "", nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args = []any{q.Text}

	// Both sub-queries alias the chapter as c, so one visibility clause serves both.
	var scope string
	if q.OwnerID != "" {
		args = append(args, q.OwnerID)
		scope += fmt.Sprintf(" AND c.owner_id = $%d", len(args))
	}
	if q.SupervisorID != "" {
		args = append(args, q.SupervisorID)
		scope += fmt.Sprintf(" AND c.supervisor_id = $%d", len(args))
	}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultChapter {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'chapter'::text AS type, c.id, c.title,
				ts_headline('simple', c.title, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.id AS chapter_id, c.owner_id,
				ts_rank(%s, %s) AS rank
			FROM chapters c
			WHERE %s @@ %s%s`, tsQuery, chapterVector, tsQuery, chapterVector, tsQuery, scope))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, cc.id, cc.exact_match AS title,
				ts_headline('simple', cc.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				cc.chapter_id, c.owner_id,
				ts_rank(%s, %s) AS rank
			FROM chapter_comments_context cc
			JOIN chapters c ON c.id = cc.chapter_id
			WHERE %s @@ %s%s`, tsQuery, commentVector, tsQuery, commentVector, tsQuery, scope))
	}

	if len(subQueries) == 0 {
		return "", "", nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL = fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL = fmt.Sprintf(`SELECT type, id, title, snippet, chapter_id, owner_id
		FROM (%s) sub
		ORDER BY rank DESC, id
		LIMIT %d OFFSET %d`, union, limit, offset)
	return countSQL, dataSQL, args
}

// Search executes a UNION ALL query across chapters and comments using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	countSQL, dataSQL, args := buildQuery(q)
	if countSQL == "" {
		return nil, 0, nil
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ChapterID, &r.OwnerID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ChapterRecord, []CommentRecord, error) {
	chapterRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, content::text, owner_id, coalesce(supervisor_id, '')
		FROM chapters
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load chapters: %w", err)
	}
	defer chapterRows.Close()

	chapters := make([]ChapterRecord, 0)
	for chapterRows.Next() {
		var c ChapterRecord
		var content string
		if err := chapterRows.Scan(&c.ID, &c.Title, &content, &c.OwnerID, &c.SupervisorID); err != nil {
			return nil, nil, fmt.Errorf("scan chapter: %w", err)
		}
		c.Text = ChapterText(content)
		chapters = append(chapters, c)
	}
	if err := chapterRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate chapters: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT cc.id, cc.body, cc.exact_match, cc.chapter_id, cc.author_id,
			c.owner_id, coalesce(c.supervisor_id, '')
		FROM chapter_comments_context cc
		JOIN chapters c ON c.id = cc.chapter_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.Body, &c.ExactMatch, &c.ChapterID, &c.AuthorID, &c.OwnerID, &c.SupervisorID); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return chapters, comments, nil
}

// ChapterText flattens stored ProseMirror JSON to the text we index.
// Unparseable content indexes as empty.
func ChapterText(content string) string {
	doc, err := document.Parse([]byte(content))
	if err != nil {
		return ""
	}
	return document.PlainText(doc)
}
