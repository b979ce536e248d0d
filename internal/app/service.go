package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"studyboard/api/internal/ai"
	"studyboard/api/internal/auth"
	"studyboard/api/internal/authpw"
	"studyboard/api/internal/config"
	"studyboard/api/internal/email"
	"studyboard/api/internal/export"
	"studyboard/api/internal/rbac"
	"studyboard/api/internal/search"
	"studyboard/api/internal/store"
	"studyboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type BoardInput struct {
	Name    *string `json:"name"`
	Subject *string `json:"subject"`
	Color   *string `json:"color"`
}

type TileInput struct {
	Title            *string    `json:"title"`
	Notes            *string    `json:"notes"`
	Status           *string    `json:"status"`
	Priority         *int       `json:"priority"`
	EstimatedMinutes *int       `json:"estimatedMinutes"`
	DueAt            *time.Time `json:"dueAt"`
	GridX            *int       `json:"x"`
	GridY            *int       `json:"y"`
	GridW            *int       `json:"w"`
	GridH            *int       `json:"h"`
}

type UploadInput struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
	TileID      string
}

var allowedTileStatuses = map[string]struct{}{
	"OPEN":        {},
	"IN_PROGRESS": {},
	"DONE":        {},
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	InsertBoard(context.Context, store.Board) error
	GetBoard(context.Context, string) (store.Board, error)
	ListBoards(context.Context, string, bool) ([]store.Board, error)
	UpdateBoard(context.Context, string, string, string, string) error
	SetBoardArchived(context.Context, string, bool) error
	DeleteBoard(context.Context, string) error
	InsertTile(context.Context, store.Tile) error
	GetTile(context.Context, string) (store.Tile, error)
	ListTiles(context.Context, string) ([]store.Tile, error)
	ListOpenTilesForOwner(context.Context, string) ([]store.Tile, error)
	UpdateTile(context.Context, store.Tile) error
	DeleteTile(context.Context, string) error
	UpdateTileLayout(context.Context, string, []store.TilePlacement) error
	InsertFile(context.Context, store.File) error
	GetFile(context.Context, string) (store.File, error)
	ListFilesByBoard(context.Context, string) ([]store.File, error)
	DeleteFile(context.Context, string) error
	InsertTag(context.Context, store.Tag) error
	GetTag(context.Context, string) (store.Tag, error)
	FindTagByNormalized(context.Context, string, string) (store.Tag, error)
	ListTags(context.Context, string) ([]store.Tag, error)
	DeleteTag(context.Context, string) error
	AttachTagToFile(context.Context, string, string) error
	DetachTagFromFile(context.Context, string, string) error
	ListTagsByFile(context.Context, string) ([]store.Tag, error)
	InsertAIUsage(context.Context, store.AIUsage) error
	CountAIUsageSince(context.Context, string, time.Time) (int, error)
	AIUsageByKindSince(context.Context, string, time.Time) (map[string]int, error)
	Ping(ctx context.Context) error
}

// refreshStore holds refresh tokens. Redis when configured, Postgres otherwise.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type blobStore interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	Remove(ctx context.Context, key string) error
	PresignDownload(ctx context.Context, key, filename string, expiry time.Duration) (*url.URL, error)
}

type aiClient interface {
	Enabled() bool
	Complete(ctx context.Context, system, user string) (ai.Result, error)
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	search   *search.Service
	blobs    blobStore
	ai       aiClient
	exporter exporter
	authpw   *authpw.Service
	email    *email.Service
	now      func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		search:   searchService,
		now:      time.Now,
	}
}

// NewWithSessionStore is New with refresh tokens held in a separate store.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions refreshStore, searchService *search.Service) *Service {
	service := New(cfg, dataStore, searchService)
	service.sessions = sessions
	return service
}

func (s *Service) SetAuthServices(authService *authpw.Service, emailService *email.Service) {
	s.authpw = authService
	s.email = emailService
}

func (s *Service) SetBlobStore(blobs blobStore) {
	s.blobs = blobs
}

func (s *Service) SetAIClient(client aiClient) {
	s.ai = client
}

func (s *Service) SetExporter(exp exporter) {
	s.exporter = exp
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

// Bootstrap rebuilds the external search index from Postgres. Safe to skip
// when Meilisearch is down, PG FTS keeps serving queries.
func (s *Service) Bootstrap(ctx context.Context) error {
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// SendVerificationEmail mails the verification link, or logs it in dev setups
// without SMTP.
func (s *Service) SendVerificationEmail(to, userName, token string) {
	link := s.cfg.AppBaseURL + "/verify-email?token=" + url.QueryEscape(token)
	if !s.SMTPConfigured() {
		log.Printf("email not configured, verification link for %s: %s", to, link)
		return
	}
	go func() {
		if err := s.email.SendVerificationEmail(to, userName, link); err != nil {
			log.Printf("send verification email to %s failed: %v", to, err)
		}
	}()
}

// SendPasswordResetEmail mails the reset link, or logs it in dev setups.
func (s *Service) SendPasswordResetEmail(to, userName, token string) {
	link := s.cfg.AppBaseURL + "/reset-password?token=" + url.QueryEscape(token)
	if !s.SMTPConfigured() {
		log.Printf("email not configured, reset link for %s: %s", to, link)
		return
	}
	go func() {
		if err := s.email.SendPasswordResetEmail(to, userName, link); err != nil {
			log.Printf("send reset email to %s failed: %v", to, err)
		}
	}()
}

// CreateSession issues a fresh access/refresh token pair for a verified user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	holder, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// Rotate: the presented token is consumed whether or not issuing succeeds
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Re-read the user so claims reflect current role and profile, not what
	// was true when the refresh token was minted
	user, err := s.store.GetUserByID(ctx, holder.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.DisplayName,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken != "" {
		return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Boards

func (s *Service) ListBoards(ctx context.Context, session Session, includeArchived bool) ([]map[string]any, error) {
	boards, err := s.store.ListBoards(ctx, session.UserID, includeArchived)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(boards))
	for _, board := range boards {
		items = append(items, boardJSON(board))
	}
	return items, nil
}

func (s *Service) CreateBoard(ctx context.Context, session Session, input BoardInput) (map[string]any, error) {
	name := strings.TrimSpace(deref(input.Name))
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	board := store.Board{
		ID:      util.NewID("board"),
		OwnerID: session.UserID,
		Name:    name,
		Subject: strings.TrimSpace(deref(input.Subject)),
		Color:   strings.TrimSpace(deref(input.Color)),
	}
	if err := s.store.InsertBoard(ctx, board); err != nil {
		return nil, fmt.Errorf("insert board: %w", err)
	}

	created, err := s.store.GetBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	s.indexBoard(created)
	return boardJSON(created), nil
}

func (s *Service) GetBoardDetail(ctx context.Context, session Session, boardID string) (map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}

	tiles, err := s.store.ListTiles(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	tags, err := s.store.ListTags(ctx, board.ID)
	if err != nil {
		return nil, err
	}

	payload := boardJSON(board)
	tileItems := make([]map[string]any, 0, len(tiles))
	for _, tile := range tiles {
		tileItems = append(tileItems, tileJSON(tile))
	}
	tagItems := make([]map[string]any, 0, len(tags))
	for _, tag := range tags {
		tagItems = append(tagItems, tagJSON(tag))
	}
	payload["tiles"] = tileItems
	payload["tags"] = tagItems
	return payload, nil
}

func (s *Service) UpdateBoard(ctx context.Context, session Session, boardID string, input BoardInput) (map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}

	if input.Name != nil {
		trimmed := strings.TrimSpace(*input.Name)
		if trimmed == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name cannot be empty", nil)
		}
		board.Name = trimmed
	}
	if input.Subject != nil {
		board.Subject = strings.TrimSpace(*input.Subject)
	}
	if input.Color != nil {
		board.Color = strings.TrimSpace(*input.Color)
	}

	if err := s.store.UpdateBoard(ctx, board.ID, board.Name, board.Subject, board.Color); err != nil {
		return nil, err
	}
	updated, err := s.store.GetBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	s.indexBoard(updated)
	return boardJSON(updated), nil
}

func (s *Service) ArchiveBoard(ctx context.Context, session Session, boardID string, archived bool) (map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetBoardArchived(ctx, board.ID, archived); err != nil {
		return nil, err
	}
	updated, err := s.store.GetBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	return boardJSON(updated), nil
}

func (s *Service) DeleteBoard(ctx context.Context, session Session, boardID string) error {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return err
	}

	// Collect child IDs before the cascade removes them
	tiles, _ := s.store.ListTiles(ctx, board.ID)
	files, _ := s.store.ListFilesByBoard(ctx, board.ID)

	if err := s.store.DeleteBoard(ctx, board.ID); err != nil {
		return err
	}

	for _, file := range files {
		if s.blobs != nil {
			if err := s.blobs.Remove(ctx, file.ObjectKey); err != nil {
				log.Printf("remove object %s: %v", file.ObjectKey, err)
			}
		}
		s.dropFileFromIndex(file.ID)
	}
	for _, tile := range tiles {
		s.dropTileFromIndex(tile.ID)
	}
	s.dropBoardFromIndex(board.ID)
	return nil
}

// Tiles

func (s *Service) ListTiles(ctx context.Context, session Session, boardID string) ([]map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}
	tiles, err := s.store.ListTiles(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tiles))
	for _, tile := range tiles {
		items = append(items, tileJSON(tile))
	}
	return items, nil
}

func (s *Service) CreateTile(ctx context.Context, session Session, boardID string, input TileInput) (map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(deref(input.Title))
	if title == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	status := strings.ToUpper(strings.TrimSpace(deref(input.Status)))
	if status == "" {
		status = "OPEN"
	}
	if _, ok := allowedTileStatuses[status]; !ok {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid status", map[string]any{"status": status})
	}

	tile := store.Tile{
		ID:               util.NewID("tile"),
		BoardID:          board.ID,
		Title:            title,
		Notes:            deref(input.Notes),
		Status:           status,
		Priority:         derefInt(input.Priority),
		EstimatedMinutes: derefInt(input.EstimatedMinutes),
		DueAt:            input.DueAt,
		GridX:            derefInt(input.GridX),
		GridY:            derefInt(input.GridY),
		GridW:            derefIntDefault(input.GridW, 1),
		GridH:            derefIntDefault(input.GridH, 1),
	}
	if err := s.store.InsertTile(ctx, tile); err != nil {
		return nil, fmt.Errorf("insert tile: %w", err)
	}

	created, err := s.store.GetTile(ctx, tile.ID)
	if err != nil {
		return nil, err
	}
	s.indexTile(created, board.OwnerID)
	return tileJSON(created), nil
}

func (s *Service) GetTile(ctx context.Context, session Session, tileID string) (map[string]any, error) {
	tile, _, err := s.tileForViewer(ctx, session, tileID)
	if err != nil {
		return nil, err
	}
	return tileJSON(tile), nil
}

func (s *Service) UpdateTile(ctx context.Context, session Session, tileID string, input TileInput) (map[string]any, error) {
	tile, board, err := s.tileForViewer(ctx, session, tileID)
	if err != nil {
		return nil, err
	}

	if input.Title != nil {
		trimmed := strings.TrimSpace(*input.Title)
		if trimmed == "" {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title cannot be empty", nil)
		}
		tile.Title = trimmed
	}
	if input.Notes != nil {
		tile.Notes = *input.Notes
	}
	if input.Status != nil {
		status := strings.ToUpper(strings.TrimSpace(*input.Status))
		if _, ok := allowedTileStatuses[status]; !ok {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid status", map[string]any{"status": status})
		}
		tile.Status = status
	}
	if input.Priority != nil {
		tile.Priority = *input.Priority
	}
	if input.EstimatedMinutes != nil {
		tile.EstimatedMinutes = *input.EstimatedMinutes
	}
	if input.DueAt != nil {
		tile.DueAt = input.DueAt
	}
	if input.GridX != nil {
		tile.GridX = *input.GridX
	}
	if input.GridY != nil {
		tile.GridY = *input.GridY
	}
	if input.GridW != nil {
		tile.GridW = *input.GridW
	}
	if input.GridH != nil {
		tile.GridH = *input.GridH
	}

	if err := s.store.UpdateTile(ctx, tile); err != nil {
		return nil, err
	}
	updated, err := s.store.GetTile(ctx, tile.ID)
	if err != nil {
		return nil, err
	}
	s.indexTile(updated, board.OwnerID)
	return tileJSON(updated), nil
}

func (s *Service) DeleteTile(ctx context.Context, session Session, tileID string) error {
	tile, _, err := s.tileForViewer(ctx, session, tileID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTile(ctx, tile.ID); err != nil {
		return err
	}
	s.dropTileFromIndex(tile.ID)
	return nil
}

// UpdateLayout persists the dashboard grid positions of a board's tiles in
// one transaction.
func (s *Service) UpdateLayout(ctx context.Context, session Session, boardID string, placements []store.TilePlacement) error {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return err
	}
	if len(placements) == 0 {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tiles is required", nil)
	}
	for i, p := range placements {
		if strings.TrimSpace(p.TileID) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tileId is required", map[string]any{"index": i})
		}
		if p.GridX < 0 || p.GridY < 0 || p.GridW < 1 || p.GridH < 1 {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid grid placement", map[string]any{"tileId": p.TileID})
		}
	}
	return s.store.UpdateTileLayout(ctx, board.ID, placements)
}

// Access helpers

func (s *Service) boardForViewer(ctx context.Context, session Session, boardID string) (store.Board, error) {
	board, err := s.store.GetBoard(ctx, boardID)
	if err != nil {
		return store.Board{}, err
	}
	if board.OwnerID != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		// Hide existence from non-owners
		return store.Board{}, domainError(http.StatusNotFound, "NOT_FOUND", "Board not found", nil)
	}
	return board, nil
}

func (s *Service) tileForViewer(ctx context.Context, session Session, tileID string) (store.Tile, store.Board, error) {
	tile, err := s.store.GetTile(ctx, tileID)
	if err != nil {
		return store.Tile{}, store.Board{}, err
	}
	board, err := s.boardForViewer(ctx, session, tile.BoardID)
	if err != nil {
		return store.Tile{}, store.Board{}, domainError(http.StatusNotFound, "NOT_FOUND", "Tile not found", nil)
	}
	return tile, board, nil
}

// Search index plumbing, all no-ops when search is not wired

func (s *Service) indexBoard(board store.Board) {
	if s.search == nil {
		return
	}
	s.search.IndexBoard(search.BoardRecord{
		ID:      board.ID,
		Name:    board.Name,
		Subject: board.Subject,
		OwnerID: board.OwnerID,
	})
}

func (s *Service) indexTile(tile store.Tile, ownerID string) {
	if s.search == nil {
		return
	}
	s.search.IndexTile(search.TileRecord{
		ID:      tile.ID,
		Title:   tile.Title,
		Notes:   tile.Notes,
		Status:  tile.Status,
		BoardID: tile.BoardID,
		OwnerID: ownerID,
	})
}

func (s *Service) indexFile(file store.File) {
	if s.search == nil {
		return
	}
	s.search.IndexFile(search.FileRecord{
		ID:      file.ID,
		Name:    file.Name,
		Text:    file.ExtractedText,
		BoardID: file.BoardID,
		OwnerID: file.OwnerID,
	})
}

func (s *Service) dropBoardFromIndex(id string) {
	if s.search != nil {
		s.search.DeleteBoard(id)
	}
}

func (s *Service) dropTileFromIndex(id string) {
	if s.search != nil {
		s.search.DeleteTile(id)
	}
}

func (s *Service) dropFileFromIndex(id string) {
	if s.search != nil {
		s.search.DeleteFile(id)
	}
}

// JSON shapes

func boardJSON(board store.Board) map[string]any {
	payload := map[string]any{
		"id":        board.ID,
		"ownerId":   board.OwnerID,
		"name":      board.Name,
		"subject":   board.Subject,
		"color":     board.Color,
		"archived":  board.ArchivedAt != nil,
		"createdAt": board.CreatedAt,
		"updatedAt": board.UpdatedAt,
	}
	if board.ArchivedAt != nil {
		payload["archivedAt"] = board.ArchivedAt
	}
	return payload
}

func tileJSON(tile store.Tile) map[string]any {
	payload := map[string]any{
		"id":               tile.ID,
		"boardId":          tile.BoardID,
		"title":            tile.Title,
		"notes":            tile.Notes,
		"status":           tile.Status,
		"priority":         tile.Priority,
		"estimatedMinutes": tile.EstimatedMinutes,
		"layout":           map[string]any{"x": tile.GridX, "y": tile.GridY, "w": tile.GridW, "h": tile.GridH},
		"createdAt":        tile.CreatedAt,
		"updatedAt":        tile.UpdatedAt,
	}
	if tile.DueAt != nil {
		payload["dueAt"] = tile.DueAt
	}
	return payload
}

func fileJSON(file store.File) map[string]any {
	payload := map[string]any{
		"id":          file.ID,
		"boardId":     file.BoardID,
		"name":        file.Name,
		"contentType": file.ContentType,
		"sizeBytes":   file.SizeBytes,
		"hasText":     file.ExtractedText != "",
		"createdAt":   file.CreatedAt,
	}
	if file.TileID != nil {
		payload["tileId"] = *file.TileID
	}
	return payload
}

func tagJSON(tag store.Tag) map[string]any {
	return map[string]any{
		"id":         tag.ID,
		"boardId":    tag.BoardID,
		"name":       tag.Name,
		"normalized": tag.NameNormalized,
		"createdAt":  tag.CreatedAt,
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func derefIntDefault(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
