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

// Search executes a UNION ALL query across decks and comments using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	// Decks sub-query
	if q.FilterType == "" || q.FilterType == ResultDeck {
		deckWhere := "d.fts @@ " + tsQuery
		if q.FilterDeckID != "" {
			deckWhere += fmt.Sprintf(" AND d.id = $%d", argN)
			args = append(args, q.FilterDeckID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'deck'::text AS type, d.id, d.title,
				''::text AS snippet,
				d.id AS deck_id, ''::text AS slide_id,
				ts_rank(d.fts, %s) AS rank
			FROM decks d
			WHERE %s`, tsQuery, deckWhere))
	}

	// Comments sub-query
	if q.FilterType == "" || q.FilterType == ResultComment {
		commentWhere := "c.fts @@ " + tsQuery
		if q.FilterDeckID != "" {
			commentWhere += fmt.Sprintf(" AND c.deck_id = $%d", argN)
			args = append(args, q.FilterDeckID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, c.author_name AS title,
				ts_headline('english', coalesce(c.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.deck_id, c.slide_id,
				ts_rank(c.fts, %s) AS rank
			FROM comments c
			WHERE %s`, tsQuery, tsQuery, commentWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, deck_id, slide_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

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
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DeckID, &r.SlideID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DeckRecord, []CommentRecord, error) {
	deckRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, is_public
		FROM decks
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load decks: %w", err)
	}
	defer deckRows.Close()

	decks := make([]DeckRecord, 0)
	for deckRows.Next() {
		var d DeckRecord
		if err := deckRows.Scan(&d.ID, &d.Title, &d.IsPublic); err != nil {
			return nil, nil, fmt.Errorf("scan deck: %w", err)
		}
		decks = append(decks, d)
	}
	if err := deckRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate decks: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT id, body, author_name, deck_id, slide_id
		FROM comments
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.Body, &c.AuthorName, &c.DeckID, &c.SlideID); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return decks, comments, nil
}
