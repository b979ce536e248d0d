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

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across boards, tiles, and files using
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
	args := []any{q.Text, q.OwnerID}
	argN := 3

	var subQueries []string

	// Boards sub-query
	if q.FilterType == "" || q.FilterType == ResultBoard {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'board'::text AS type, b.id, b.name AS title,
				ts_headline('english', coalesce(b.subject, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				b.id AS board_id, b.owner_id,
				ts_rank(b.fts, %s) AS rank
			FROM boards b
			WHERE b.fts @@ %s AND b.owner_id = $2`, tsQuery, tsQuery, tsQuery))
	}

	// Tiles sub-query
	if q.FilterType == "" || q.FilterType == ResultTile {
		tileWhere := "t.fts @@ " + tsQuery + " AND b.owner_id = $2"
		if q.FilterBoardID != "" {
			tileWhere += fmt.Sprintf(" AND t.board_id = $%d", argN)
			args = append(args, q.FilterBoardID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'tile'::text AS type, t.id, t.title,
				ts_headline('english', coalesce(t.notes, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				t.board_id, b.owner_id,
				ts_rank(t.fts, %s) AS rank
			FROM tiles t
			JOIN boards b ON b.id = t.board_id
			WHERE %s`, tsQuery, tsQuery, tileWhere))
	}

	// Files sub-query
	if q.FilterType == "" || q.FilterType == ResultFile {
		fileWhere := "f.fts @@ " + tsQuery + " AND b.owner_id = $2"
		if q.FilterBoardID != "" {
			fileWhere += fmt.Sprintf(" AND f.board_id = $%d", argN)
			args = append(args, q.FilterBoardID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'file'::text AS type, f.id, f.name AS title,
				ts_headline('english', coalesce(f.extracted_text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				f.board_id, b.owner_id,
				ts_rank(f.fts, %s) AS rank
			FROM files f
			JOIN boards b ON b.id = f.board_id
			WHERE %s`, tsQuery, tsQuery, fileWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, board_id, owner_id
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
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.BoardID, &r.OwnerID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]BoardRecord, []TileRecord, []FileRecord, error) {
	boardRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(subject, ''), owner_id
		FROM boards
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load boards: %w", err)
	}
	defer boardRows.Close()

	boards := make([]BoardRecord, 0)
	for boardRows.Next() {
		var b BoardRecord
		if err := boardRows.Scan(&b.ID, &b.Name, &b.Subject, &b.OwnerID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan board: %w", err)
		}
		boards = append(boards, b)
	}
	if err := boardRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate boards: %w", err)
	}

	tileRows, err := p.db.QueryContext(ctx, `
		SELECT t.id, t.title, COALESCE(t.notes, ''), t.status, t.board_id, b.owner_id
		FROM tiles t
		JOIN boards b ON b.id = t.board_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load tiles: %w", err)
	}
	defer tileRows.Close()

	tiles := make([]TileRecord, 0)
	for tileRows.Next() {
		var t TileRecord
		if err := tileRows.Scan(&t.ID, &t.Title, &t.Notes, &t.Status, &t.BoardID, &t.OwnerID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan tile: %w", err)
		}
		tiles = append(tiles, t)
	}
	if err := tileRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate tiles: %w", err)
	}

	fileRows, err := p.db.QueryContext(ctx, `
		SELECT f.id, f.name, COALESCE(f.extracted_text, ''), f.board_id, b.owner_id
		FROM files f
		JOIN boards b ON b.id = f.board_id
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load files: %w", err)
	}
	defer fileRows.Close()

	files := make([]FileRecord, 0)
	for fileRows.Next() {
		var f FileRecord
		if err := fileRows.Scan(&f.ID, &f.Name, &f.Text, &f.BoardID, &f.OwnerID); err != nil {
			return nil, nil, nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	if err := fileRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate files: %w", err)
	}

	return boards, tiles, files, nil
}
