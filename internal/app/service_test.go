package app

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"studyboard/api/internal/ai"
	"studyboard/api/internal/auth"
	"studyboard/api/internal/config"
	"studyboard/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn           func(context.Context, string) (store.User, error)
	getUserByEmailFn        func(context.Context, string) (store.User, error)
	createUserFn            func(context.Context, store.User) error
	saveRefreshSessionFn    func(context.Context, string, string, time.Time) error
	lookupRefreshSessionFn  func(context.Context, string) (store.User, error)
	revokeRefreshSessionFn  func(context.Context, string) error
	insertBoardFn           func(context.Context, store.Board) error
	getBoardFn              func(context.Context, string) (store.Board, error)
	listBoardsFn            func(context.Context, string, bool) ([]store.Board, error)
	updateBoardFn           func(context.Context, string, string, string, string) error
	setBoardArchivedFn      func(context.Context, string, bool) error
	deleteBoardFn           func(context.Context, string) error
	insertTileFn            func(context.Context, store.Tile) error
	getTileFn               func(context.Context, string) (store.Tile, error)
	listTilesFn             func(context.Context, string) ([]store.Tile, error)
	listOpenTilesForOwnerFn func(context.Context, string) ([]store.Tile, error)
	updateTileFn            func(context.Context, store.Tile) error
	deleteTileFn            func(context.Context, string) error
	updateTileLayoutFn      func(context.Context, string, []store.TilePlacement) error
	insertFileFn            func(context.Context, store.File) error
	getFileFn               func(context.Context, string) (store.File, error)
	listFilesByBoardFn      func(context.Context, string) ([]store.File, error)
	deleteFileFn            func(context.Context, string) error
	insertTagFn             func(context.Context, store.Tag) error
	getTagFn                func(context.Context, string) (store.Tag, error)
	findTagByNormalizedFn   func(context.Context, string, string) (store.Tag, error)
	listTagsFn              func(context.Context, string) ([]store.Tag, error)
	deleteTagFn             func(context.Context, string) error
	attachTagToFileFn       func(context.Context, string, string) error
	detachTagFromFileFn     func(context.Context, string, string) error
	listTagsByFileFn        func(context.Context, string) ([]store.Tag, error)
	insertAIUsageFn         func(context.Context, store.AIUsage) error
	countAIUsageSinceFn     func(context.Context, string, time.Time) (int, error)
	aiUsageByKindSinceFn    func(context.Context, string, time.Time) (map[string]int, error)
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: "Avery", Email: "avery@example.com", Role: "member", IsEmailVerified: true}, nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}

func (f *fakeStore) UpdateUserVerificationToken(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) VerifyUserEmail(context.Context, string) error { return nil }

func (f *fakeStore) UpdateUserPassword(context.Context, string, string) error { return nil }
func (f *fakeStore) CreatePasswordReset(context.Context, string, string, time.Time) error {
	return nil
}
func (f *fakeStore) GetPasswordReset(context.Context, string) (string, error) {
	return "", sql.ErrNoRows
}
func (f *fakeStore) MarkPasswordResetUsed(context.Context, string) error { return nil }

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	if f.saveRefreshSessionFn != nil {
		return f.saveRefreshSessionFn(ctx, tokenHash, userID, expiresAt)
	}
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	if f.lookupRefreshSessionFn != nil {
		return f.lookupRefreshSessionFn(ctx, tokenHash)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if f.revokeRefreshSessionFn != nil {
		return f.revokeRefreshSessionFn(ctx, tokenHash)
	}
	return nil
}

func (f *fakeStore) InsertBoard(ctx context.Context, board store.Board) error {
	if f.insertBoardFn != nil {
		return f.insertBoardFn(ctx, board)
	}
	return nil
}

func (f *fakeStore) GetBoard(ctx context.Context, boardID string) (store.Board, error) {
	if f.getBoardFn != nil {
		return f.getBoardFn(ctx, boardID)
	}
	return store.Board{}, sql.ErrNoRows
}

func (f *fakeStore) ListBoards(ctx context.Context, ownerID string, includeArchived bool) ([]store.Board, error) {
	if f.listBoardsFn != nil {
		return f.listBoardsFn(ctx, ownerID, includeArchived)
	}
	return nil, nil
}

func (f *fakeStore) UpdateBoard(ctx context.Context, boardID, name, subject, color string) error {
	if f.updateBoardFn != nil {
		return f.updateBoardFn(ctx, boardID, name, subject, color)
	}
	return nil
}

func (f *fakeStore) SetBoardArchived(ctx context.Context, boardID string, archived bool) error {
	if f.setBoardArchivedFn != nil {
		return f.setBoardArchivedFn(ctx, boardID, archived)
	}
	return nil
}

func (f *fakeStore) DeleteBoard(ctx context.Context, boardID string) error {
	if f.deleteBoardFn != nil {
		return f.deleteBoardFn(ctx, boardID)
	}
	return nil
}

func (f *fakeStore) InsertTile(ctx context.Context, tile store.Tile) error {
	if f.insertTileFn != nil {
		return f.insertTileFn(ctx, tile)
	}
	return nil
}

func (f *fakeStore) GetTile(ctx context.Context, tileID string) (store.Tile, error) {
	if f.getTileFn != nil {
		return f.getTileFn(ctx, tileID)
	}
	return store.Tile{}, sql.ErrNoRows
}

func (f *fakeStore) ListTiles(ctx context.Context, boardID string) ([]store.Tile, error) {
	if f.listTilesFn != nil {
		return f.listTilesFn(ctx, boardID)
	}
	return nil, nil
}

func (f *fakeStore) ListOpenTilesForOwner(ctx context.Context, ownerID string) ([]store.Tile, error) {
	if f.listOpenTilesForOwnerFn != nil {
		return f.listOpenTilesForOwnerFn(ctx, ownerID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateTile(ctx context.Context, tile store.Tile) error {
	if f.updateTileFn != nil {
		return f.updateTileFn(ctx, tile)
	}
	return nil
}

func (f *fakeStore) DeleteTile(ctx context.Context, tileID string) error {
	if f.deleteTileFn != nil {
		return f.deleteTileFn(ctx, tileID)
	}
	return nil
}

func (f *fakeStore) UpdateTileLayout(ctx context.Context, boardID string, placements []store.TilePlacement) error {
	if f.updateTileLayoutFn != nil {
		return f.updateTileLayoutFn(ctx, boardID, placements)
	}
	return nil
}

func (f *fakeStore) InsertFile(ctx context.Context, file store.File) error {
	if f.insertFileFn != nil {
		return f.insertFileFn(ctx, file)
	}
	return nil
}

func (f *fakeStore) GetFile(ctx context.Context, fileID string) (store.File, error) {
	if f.getFileFn != nil {
		return f.getFileFn(ctx, fileID)
	}
	return store.File{}, sql.ErrNoRows
}

func (f *fakeStore) ListFilesByBoard(ctx context.Context, boardID string) ([]store.File, error) {
	if f.listFilesByBoardFn != nil {
		return f.listFilesByBoardFn(ctx, boardID)
	}
	return nil, nil
}

func (f *fakeStore) DeleteFile(ctx context.Context, fileID string) error {
	if f.deleteFileFn != nil {
		return f.deleteFileFn(ctx, fileID)
	}
	return nil
}

func (f *fakeStore) InsertTag(ctx context.Context, tag store.Tag) error {
	if f.insertTagFn != nil {
		return f.insertTagFn(ctx, tag)
	}
	return nil
}

func (f *fakeStore) GetTag(ctx context.Context, tagID string) (store.Tag, error) {
	if f.getTagFn != nil {
		return f.getTagFn(ctx, tagID)
	}
	return store.Tag{}, sql.ErrNoRows
}

func (f *fakeStore) FindTagByNormalized(ctx context.Context, boardID, normalized string) (store.Tag, error) {
	if f.findTagByNormalizedFn != nil {
		return f.findTagByNormalizedFn(ctx, boardID, normalized)
	}
	return store.Tag{}, sql.ErrNoRows
}

func (f *fakeStore) ListTags(ctx context.Context, boardID string) ([]store.Tag, error) {
	if f.listTagsFn != nil {
		return f.listTagsFn(ctx, boardID)
	}
	return nil, nil
}

func (f *fakeStore) DeleteTag(ctx context.Context, tagID string) error {
	if f.deleteTagFn != nil {
		return f.deleteTagFn(ctx, tagID)
	}
	return nil
}

func (f *fakeStore) AttachTagToFile(ctx context.Context, fileID, tagID string) error {
	if f.attachTagToFileFn != nil {
		return f.attachTagToFileFn(ctx, fileID, tagID)
	}
	return nil
}

func (f *fakeStore) DetachTagFromFile(ctx context.Context, fileID, tagID string) error {
	if f.detachTagFromFileFn != nil {
		return f.detachTagFromFileFn(ctx, fileID, tagID)
	}
	return nil
}

func (f *fakeStore) ListTagsByFile(ctx context.Context, fileID string) ([]store.Tag, error) {
	if f.listTagsByFileFn != nil {
		return f.listTagsByFileFn(ctx, fileID)
	}
	return nil, nil
}

func (f *fakeStore) InsertAIUsage(ctx context.Context, usage store.AIUsage) error {
	if f.insertAIUsageFn != nil {
		return f.insertAIUsageFn(ctx, usage)
	}
	return nil
}

func (f *fakeStore) CountAIUsageSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if f.countAIUsageSinceFn != nil {
		return f.countAIUsageSinceFn(ctx, userID, since)
	}
	return 0, nil
}

func (f *fakeStore) AIUsageByKindSince(ctx context.Context, userID string, since time.Time) (map[string]int, error) {
	if f.aiUsageByKindSinceFn != nil {
		return f.aiUsageByKindSinceFn(ctx, userID, since)
	}
	return map[string]int{}, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeBlobs struct {
	putFn    func(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	removeFn func(ctx context.Context, key string) error
}

func (f *fakeBlobs) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if f.putFn != nil {
		return f.putFn(ctx, key, reader, size, contentType)
	}
	return nil
}

func (f *fakeBlobs) Remove(ctx context.Context, key string) error {
	if f.removeFn != nil {
		return f.removeFn(ctx, key)
	}
	return nil
}

func (f *fakeBlobs) PresignDownload(ctx context.Context, key, filename string, expiry time.Duration) (*url.URL, error) {
	return url.Parse("https://files.example.com/" + key + "?sig=test")
}

type fakeAI struct {
	enabled    bool
	completeFn func(ctx context.Context, system, user string) (ai.Result, error)
}

func (f *fakeAI) Enabled() bool { return f.enabled }

func (f *fakeAI) Complete(ctx context.Context, system, user string) (ai.Result, error) {
	if f.completeFn != nil {
		return f.completeFn(ctx, system, user)
	}
	return ai.Result{Text: "ok", TokensUsed: 10}, nil
}

func newTestService(fs *fakeStore) *Service {
	cfg := config.Config{
		TokenSecret:            "test-secret",
		AccessTTL:              time.Hour,
		RefreshTTL:             24 * time.Hour,
		AIDailyLimit:           3,
		MaxUploadSize:          1 << 20,
		TagSimilarityThreshold: 0.8,
	}
	return &Service{
		cfg:      cfg,
		store:    fs,
		sessions: fs,
		now:      time.Now,
	}
}

func testSessionToken(t *testing.T, svc *Service, userID, role string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(svc.cfg.TokenSecret), auth.Claims{
		Sub:  userID,
		Name: "Avery",
		Role: role,
		JTI:  "jti-test",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func authedRequest(t *testing.T, svc *Service, method, path string, body io.Reader) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testSessionToken(t, svc, "user-1", "member"))
	return req
}

func TestCreateSessionIssuesTokenPair(t *testing.T) {
	var savedHash string
	fs := &fakeStore{
		saveRefreshSessionFn: func(_ context.Context, tokenHash, userID string, _ time.Time) error {
			savedHash = tokenHash
			if userID != "user-1" {
				t.Errorf("refresh session saved for %q", userID)
			}
			return nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.CreateSession(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
	if session.Role != "member" {
		t.Errorf("role = %q", session.Role)
	}
	if savedHash == "" {
		t.Error("refresh session was not persisted")
	}
	if savedHash == session.RefreshToken {
		t.Error("refresh token stored unhashed")
	}

	parsed, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "user-1" {
		t.Errorf("parsed user = %q", parsed.UserID)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	var revokedHash string
	fs := &fakeStore{
		lookupRefreshSessionFn: func(_ context.Context, tokenHash string) (store.User, error) {
			if tokenHash == auth.HashToken("old-refresh") {
				return store.User{ID: "user-1", DisplayName: "Avery", Role: "member"}, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		revokeRefreshSessionFn: func(_ context.Context, tokenHash string) error {
			revokedHash = tokenHash
			return nil
		},
	}
	svc := newTestService(fs)

	session, err := svc.Refresh(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if revokedHash != auth.HashToken("old-refresh") {
		t.Error("presented refresh token was not revoked")
	}
	if session.RefreshToken == "old-refresh" {
		t.Error("refresh token was not rotated")
	}

	if _, err := svc.Refresh(context.Background(), "unknown"); err == nil {
		t.Error("expected error for unknown refresh token")
	}
}

func TestBoardOwnershipHidesOtherUsersBoards(t *testing.T) {
	fs := &fakeStore{
		getBoardFn: func(_ context.Context, boardID string) (store.Board, error) {
			return store.Board{ID: boardID, OwnerID: "someone-else", Name: "Theirs"}, nil
		},
	}
	svc := newTestService(fs)

	member := Session{UserID: "user-1", Role: "member"}
	if _, err := svc.GetBoardDetail(context.Background(), member, "board-1"); err == nil {
		t.Fatal("expected error for foreign board")
	} else {
		status, code, _, _ := mapError(err)
		if status != http.StatusNotFound || code != "NOT_FOUND" {
			t.Errorf("got %d %s, want 404 NOT_FOUND", status, code)
		}
	}

	// Admins can read any board
	admin := Session{UserID: "admin-1", Role: "admin"}
	if _, err := svc.GetBoardDetail(context.Background(), admin, "board-1"); err != nil {
		t.Errorf("admin read failed: %v", err)
	}
}

func TestUpdateLayoutValidation(t *testing.T) {
	fs := &fakeStore{
		getBoardFn: func(_ context.Context, boardID string) (store.Board, error) {
			return store.Board{ID: boardID, OwnerID: "user-1"}, nil
		},
	}
	svc := newTestService(fs)
	session := Session{UserID: "user-1", Role: "member"}

	err := svc.UpdateLayout(context.Background(), session, "board-1", nil)
	if status, _, _, _ := mapError(err); status != http.StatusUnprocessableEntity {
		t.Errorf("empty layout: status %d, want 422", status)
	}

	err = svc.UpdateLayout(context.Background(), session, "board-1", []store.TilePlacement{
		{TileID: "tile-1", GridX: 0, GridY: 0, GridW: 0, GridH: 1},
	})
	if status, _, _, _ := mapError(err); status != http.StatusUnprocessableEntity {
		t.Errorf("zero width: status %d, want 422", status)
	}

	var gotPlacements []store.TilePlacement
	fs.updateTileLayoutFn = func(_ context.Context, boardID string, placements []store.TilePlacement) error {
		gotPlacements = placements
		return nil
	}
	err = svc.UpdateLayout(context.Background(), session, "board-1", []store.TilePlacement{
		{TileID: "tile-1", GridX: 2, GridY: 0, GridW: 2, GridH: 1},
		{TileID: "tile-2", GridX: 0, GridY: 1, GridW: 1, GridH: 2},
	})
	if err != nil {
		t.Fatalf("valid layout rejected: %v", err)
	}
	if len(gotPlacements) != 2 {
		t.Errorf("stored %d placements, want 2", len(gotPlacements))
	}
}

func TestUploadFileExtractsText(t *testing.T) {
	fs := &fakeStore{
		getBoardFn: func(_ context.Context, boardID string) (store.Board, error) {
			return store.Board{ID: boardID, OwnerID: "user-1"}, nil
		},
	}
	var inserted store.File
	fs.insertFileFn = func(_ context.Context, file store.File) error {
		inserted = file
		return nil
	}
	fs.getFileFn = func(_ context.Context, fileID string) (store.File, error) {
		return inserted, nil
	}

	svc := newTestService(fs)
	var putKey string
	svc.blobs = &fakeBlobs{
		putFn: func(_ context.Context, key string, _ io.Reader, size int64, contentType string) error {
			putKey = key
			return nil
		},
	}

	session := Session{UserID: "user-1", Role: "member"}
	body := "photosynthesis converts light into chemical energy"
	result, err := svc.UploadFile(context.Background(), session, "board-1", UploadInput{
		Name:        "bio-notes.txt",
		ContentType: "text/plain; charset=utf-8",
		Size:        int64(len(body)),
		Body:        strings.NewReader(body),
	})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if inserted.ExtractedText != body {
		t.Errorf("extracted text = %q", inserted.ExtractedText)
	}
	if putKey != inserted.ObjectKey {
		t.Errorf("object stored under %q, file row says %q", putKey, inserted.ObjectKey)
	}
	if hasText, _ := result["hasText"].(bool); !hasText {
		t.Error("response should report extracted text")
	}
}

func TestUploadFileRejectsOversize(t *testing.T) {
	fs := &fakeStore{
		getBoardFn: func(_ context.Context, boardID string) (store.Board, error) {
			return store.Board{ID: boardID, OwnerID: "user-1"}, nil
		},
	}
	svc := newTestService(fs)
	svc.blobs = &fakeBlobs{}
	svc.cfg.MaxUploadSize = 10

	_, err := svc.UploadFile(context.Background(), Session{UserID: "user-1", Role: "member"}, "board-1", UploadInput{
		Name:        "big.bin",
		ContentType: "application/octet-stream",
		Size:        11,
		Body:        strings.NewReader("0123456789a"),
	})
	if status, code, _, _ := mapError(err); status != http.StatusRequestEntityTooLarge || code != "FILE_TOO_LARGE" {
		t.Errorf("got %d %s, want 413 FILE_TOO_LARGE", status, code)
	}
}

func TestExtractText(t *testing.T) {
	if got := extractText("text/plain; charset=utf-8", []byte("hello")); got != "hello" {
		t.Errorf("text/plain: %q", got)
	}
	if got := extractText("application/json", []byte(`{"a":1}`)); got != `{"a":1}` {
		t.Errorf("json: %q", got)
	}
	if got := extractText("application/pdf", []byte("%PDF-1.4")); got != "" {
		t.Errorf("pdf should not extract, got %q", got)
	}
	if got := extractText("text/plain", []byte{0xff, 0xfe, 0x00}); got != "" {
		t.Errorf("invalid utf8 should not extract, got %q", got)
	}
}
