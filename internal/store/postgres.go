package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE email = LOWER($1)`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, userSelect+` WHERE id = $1`, userID))
}

const userSelect = `
	SELECT id, display_name, email, password_hash, role, is_email_verified,
		COALESCE(verification_token, ''), verification_expires_at, created_at, updated_at
	FROM users`

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role,
		&user.IsEmailVerified, &user.VerificationToken, &user.VerificationExpiresAt,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark reset used: %w", err)
	}
	return nil
}

// Refresh sessions (Postgres fallback when Redis is not configured)

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// Boards

const boardSelect = `
	SELECT id, owner_id, name, COALESCE(subject, ''), COALESCE(color, ''), sort_order,
		archived_at, created_at, updated_at
	FROM boards`

func (s *PostgresStore) InsertBoard(ctx context.Context, board Board) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO boards (id, owner_id, name, subject, color, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, board.ID, board.OwnerID, board.Name, board.Subject, board.Color, board.SortOrder)
	if err != nil {
		return fmt.Errorf("insert board: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBoard(ctx context.Context, boardID string) (Board, error) {
	row := s.db.QueryRowContext(ctx, boardSelect+` WHERE id = $1`, boardID)
	var b Board
	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Subject, &b.Color, &b.SortOrder,
		&b.ArchivedAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return Board{}, err
	}
	return b, nil
}

func (s *PostgresStore) ListBoards(ctx context.Context, ownerID string, includeArchived bool) ([]Board, error) {
	query := boardSelect + ` WHERE owner_id = $1`
	if !includeArchived {
		query += ` AND archived_at IS NULL`
	}
	query += ` ORDER BY sort_order, created_at`

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list boards: %w", err)
	}
	defer rows.Close()

	boards := make([]Board, 0)
	for rows.Next() {
		var b Board
		if err := rows.Scan(&b.ID, &b.OwnerID, &b.Name, &b.Subject, &b.Color, &b.SortOrder,
			&b.ArchivedAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan board: %w", err)
		}
		boards = append(boards, b)
	}
	return boards, rows.Err()
}

func (s *PostgresStore) UpdateBoard(ctx context.Context, boardID, name, subject, color string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE boards SET name=$2, subject=$3, color=$4, updated_at=NOW() WHERE id=$1
	`, boardID, name, subject, color)
	if err != nil {
		return fmt.Errorf("update board: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) SetBoardArchived(ctx context.Context, boardID string, archived bool) error {
	query := `UPDATE boards SET archived_at=NOW(), updated_at=NOW() WHERE id=$1`
	if !archived {
		query = `UPDATE boards SET archived_at=NULL, updated_at=NOW() WHERE id=$1`
	}
	result, err := s.db.ExecContext(ctx, query, boardID)
	if err != nil {
		return fmt.Errorf("set board archived: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteBoard(ctx context.Context, boardID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM boards WHERE id=$1`, boardID)
	if err != nil {
		return fmt.Errorf("delete board: %w", err)
	}
	return requireAffected(result)
}

// Tiles

const tileSelect = `
	SELECT id, board_id, title, COALESCE(notes, ''), status, priority, estimated_minutes,
		due_at, grid_x, grid_y, grid_w, grid_h, created_at, updated_at
	FROM tiles`

func (s *PostgresStore) InsertTile(ctx context.Context, tile Tile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tiles (id, board_id, title, notes, status, priority, estimated_minutes, due_at,
			grid_x, grid_y, grid_w, grid_h)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, tile.ID, tile.BoardID, tile.Title, tile.Notes, tile.Status, tile.Priority,
		tile.EstimatedMinutes, tile.DueAt, tile.GridX, tile.GridY, tile.GridW, tile.GridH)
	if err != nil {
		return fmt.Errorf("insert tile: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTile(ctx context.Context, tileID string) (Tile, error) {
	row := s.db.QueryRowContext(ctx, tileSelect+` WHERE id = $1`, tileID)
	return scanTileRow(row)
}

func scanTileRow(row *sql.Row) (Tile, error) {
	var t Tile
	err := row.Scan(&t.ID, &t.BoardID, &t.Title, &t.Notes, &t.Status, &t.Priority,
		&t.EstimatedMinutes, &t.DueAt, &t.GridX, &t.GridY, &t.GridW, &t.GridH,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Tile{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTiles(ctx context.Context, boardID string) ([]Tile, error) {
	rows, err := s.db.QueryContext(ctx, tileSelect+` WHERE board_id = $1 ORDER BY grid_y, grid_x, created_at`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list tiles: %w", err)
	}
	defer rows.Close()

	tiles := make([]Tile, 0)
	for rows.Next() {
		var t Tile
		if err := rows.Scan(&t.ID, &t.BoardID, &t.Title, &t.Notes, &t.Status, &t.Priority,
			&t.EstimatedMinutes, &t.DueAt, &t.GridX, &t.GridY, &t.GridW, &t.GridH,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tile: %w", err)
		}
		tiles = append(tiles, t)
	}
	return tiles, rows.Err()
}

// ListOpenTilesForOwner returns unfinished tiles across all of an owner's
// active boards, used by schedule suggestions.
func (s *PostgresStore) ListOpenTilesForOwner(ctx context.Context, ownerID string) ([]Tile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.board_id, t.title, COALESCE(t.notes, ''), t.status, t.priority,
			t.estimated_minutes, t.due_at, t.grid_x, t.grid_y, t.grid_w, t.grid_h,
			t.created_at, t.updated_at
		FROM tiles t
		JOIN boards b ON b.id = t.board_id
		WHERE b.owner_id = $1 AND b.archived_at IS NULL AND t.status <> 'DONE'
		ORDER BY t.due_at NULLS LAST, t.priority DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list open tiles: %w", err)
	}
	defer rows.Close()

	tiles := make([]Tile, 0)
	for rows.Next() {
		var t Tile
		if err := rows.Scan(&t.ID, &t.BoardID, &t.Title, &t.Notes, &t.Status, &t.Priority,
			&t.EstimatedMinutes, &t.DueAt, &t.GridX, &t.GridY, &t.GridW, &t.GridH,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan open tile: %w", err)
		}
		tiles = append(tiles, t)
	}
	return tiles, rows.Err()
}

// updateTileStmt must write every column a PATCH can change, grid position
// included; tiles are also moved singly through the tile endpoint, not just
// via bulk layout updates.
const updateTileStmt = `
	UPDATE tiles
	SET title=$2, notes=$3, status=$4, priority=$5, estimated_minutes=$6, due_at=$7,
		grid_x=$8, grid_y=$9, grid_w=$10, grid_h=$11, updated_at=NOW()
	WHERE id=$1
`

func (s *PostgresStore) UpdateTile(ctx context.Context, tile Tile) error {
	result, err := s.db.ExecContext(ctx, updateTileStmt,
		tile.ID, tile.Title, tile.Notes, tile.Status, tile.Priority, tile.EstimatedMinutes,
		tile.DueAt, tile.GridX, tile.GridY, tile.GridW, tile.GridH)
	if err != nil {
		return fmt.Errorf("update tile: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) DeleteTile(ctx context.Context, tileID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tiles WHERE id=$1`, tileID)
	if err != nil {
		return fmt.Errorf("delete tile: %w", err)
	}
	return requireAffected(result)
}

// UpdateTileLayout applies a bulk grid update in one transaction so a dragged
// dashboard never persists half-moved.
func (s *PostgresStore) UpdateTileLayout(ctx context.Context, boardID string, placements []TilePlacement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin layout tx: %w", err)
	}
	for _, p := range placements {
		result, err := tx.ExecContext(ctx, `
			UPDATE tiles SET grid_x=$3, grid_y=$4, grid_w=$5, grid_h=$6, updated_at=NOW()
			WHERE id=$1 AND board_id=$2
		`, p.TileID, boardID, p.GridX, p.GridY, p.GridW, p.GridH)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("update layout for tile %s: %w", p.TileID, err)
		}
		if err := requireAffected(result); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("tile %s not on board: %w", p.TileID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit layout tx: %w", err)
	}
	return nil
}

// Files

const fileSelect = `
	SELECT id, board_id, tile_id, owner_id, name, object_key, content_type, size_bytes,
		COALESCE(extracted_text, ''), created_at
	FROM files`

func (s *PostgresStore) InsertFile(ctx context.Context, file File) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (id, board_id, tile_id, owner_id, name, object_key, content_type, size_bytes, extracted_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
	`, file.ID, file.BoardID, file.TileID, file.OwnerID, file.Name, file.ObjectKey,
		file.ContentType, file.SizeBytes, file.ExtractedText)
	if err != nil {
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetFile(ctx context.Context, fileID string) (File, error) {
	row := s.db.QueryRowContext(ctx, fileSelect+` WHERE id = $1`, fileID)
	var f File
	err := row.Scan(&f.ID, &f.BoardID, &f.TileID, &f.OwnerID, &f.Name, &f.ObjectKey,
		&f.ContentType, &f.SizeBytes, &f.ExtractedText, &f.CreatedAt)
	if err != nil {
		return File{}, err
	}
	return f, nil
}

func (s *PostgresStore) ListFilesByBoard(ctx context.Context, boardID string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, fileSelect+` WHERE board_id = $1 ORDER BY created_at DESC`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := make([]File, 0)
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.BoardID, &f.TileID, &f.OwnerID, &f.Name, &f.ObjectKey,
			&f.ContentType, &f.SizeBytes, &f.ExtractedText, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *PostgresStore) DeleteFile(ctx context.Context, fileID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id=$1`, fileID)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return requireAffected(result)
}

// Tags

func (s *PostgresStore) InsertTag(ctx context.Context, tag Tag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, board_id, name, name_normalized)
		VALUES ($1, $2, $3, $4)
	`, tag.ID, tag.BoardID, tag.Name, tag.NameNormalized)
	if err != nil {
		return fmt.Errorf("insert tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTag(ctx context.Context, tagID string) (Tag, error) {
	var t Tag
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, name, name_normalized, created_at FROM tags WHERE id=$1
	`, tagID).Scan(&t.ID, &t.BoardID, &t.Name, &t.NameNormalized, &t.CreatedAt)
	if err != nil {
		return Tag{}, err
	}
	return t, nil
}

func (s *PostgresStore) FindTagByNormalized(ctx context.Context, boardID, normalized string) (Tag, error) {
	var t Tag
	err := s.db.QueryRowContext(ctx, `
		SELECT id, board_id, name, name_normalized, created_at
		FROM tags WHERE board_id=$1 AND name_normalized=$2
	`, boardID, normalized).Scan(&t.ID, &t.BoardID, &t.Name, &t.NameNormalized, &t.CreatedAt)
	if err != nil {
		return Tag{}, err
	}
	return t, nil
}

func (s *PostgresStore) ListTags(ctx context.Context, boardID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, board_id, name, name_normalized, created_at
		FROM tags WHERE board_id=$1 ORDER BY created_at
	`, boardID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	tags := make([]Tag, 0)
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.BoardID, &t.Name, &t.NameNormalized, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *PostgresStore) DeleteTag(ctx context.Context, tagID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id=$1`, tagID)
	if err != nil {
		return fmt.Errorf("delete tag: %w", err)
	}
	return requireAffected(result)
}

func (s *PostgresStore) AttachTagToFile(ctx context.Context, fileID, tagID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_tags (file_id, tag_id) VALUES ($1, $2)
		ON CONFLICT (file_id, tag_id) DO NOTHING
	`, fileID, tagID)
	if err != nil {
		return fmt.Errorf("attach tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) DetachTagFromFile(ctx context.Context, fileID, tagID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM file_tags WHERE file_id=$1 AND tag_id=$2`, fileID, tagID)
	if err != nil {
		return fmt.Errorf("detach tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTagsByFile(ctx context.Context, fileID string) ([]Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.board_id, t.name, t.name_normalized, t.created_at
		FROM file_tags ft
		JOIN tags t ON t.id = ft.tag_id
		WHERE ft.file_id=$1
		ORDER BY t.created_at
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list file tags: %w", err)
	}
	defer rows.Close()

	tags := make([]Tag, 0)
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.ID, &t.BoardID, &t.Name, &t.NameNormalized, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file tag: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// AI usage

func (s *PostgresStore) InsertAIUsage(ctx context.Context, usage AIUsage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ai_usage (id, user_id, kind, tokens_used)
		VALUES ($1, $2, $3, $4)
	`, usage.ID, usage.UserID, usage.Kind, usage.TokensUsed)
	if err != nil {
		return fmt.Errorf("insert ai usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountAIUsageSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ai_usage WHERE user_id=$1 AND created_at >= $2
	`, userID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ai usage: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) AIUsageByKindSince(ctx context.Context, userID string, since time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, COUNT(*) FROM ai_usage
		WHERE user_id=$1 AND created_at >= $2
		GROUP BY kind
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("ai usage by kind: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]int)
	for rows.Next() {
		var kind string
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("scan ai usage: %w", err)
		}
		totals[kind] = count
	}
	return totals, rows.Err()
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
