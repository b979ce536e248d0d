package app

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"studyboard/api/internal/ai"
	"studyboard/api/internal/export"
	"studyboard/api/internal/rbac"
	"studyboard/api/internal/search"
	"studyboard/api/internal/store"
	"studyboard/api/internal/tagmatch"
	"studyboard/api/internal/util"
)

const (
	downloadURLTTL  = 15 * time.Minute
	maxExtractBytes = 256 << 10
)

// Files

func (s *Service) UploadFile(ctx context.Context, session Session, boardID string, input UploadInput) (map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}
	if s.blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage is not configured", nil)
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file name is required", nil)
	}
	if input.Size <= 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is empty", nil)
	}
	if input.Size > s.cfg.MaxUploadSize {
		return nil, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload limit", map[string]any{"maxBytes": s.cfg.MaxUploadSize})
	}

	var tileID *string
	if input.TileID != "" {
		tile, err := s.store.GetTile(ctx, input.TileID)
		if err != nil || tile.BoardID != board.ID {
			return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tileId does not belong to this board", nil)
		}
		tileID = &input.TileID
	}

	data, err := io.ReadAll(io.LimitReader(input.Body, s.cfg.MaxUploadSize+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxUploadSize {
		return nil, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload limit", map[string]any{"maxBytes": s.cfg.MaxUploadSize})
	}

	contentType := input.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	file := store.File{
		ID:            util.NewID("file"),
		BoardID:       board.ID,
		TileID:        tileID,
		OwnerID:       board.OwnerID,
		Name:          name,
		ContentType:   contentType,
		SizeBytes:     int64(len(data)),
		ExtractedText: extractText(contentType, data),
	}
	file.ObjectKey = board.ID + "/" + file.ID

	if err := s.blobs.Put(ctx, file.ObjectKey, bytes.NewReader(data), file.SizeBytes, contentType); err != nil {
		return nil, fmt.Errorf("store object: %w", err)
	}
	if err := s.store.InsertFile(ctx, file); err != nil {
		// Best effort cleanup of the orphaned object
		if removeErr := s.blobs.Remove(ctx, file.ObjectKey); removeErr != nil {
			log.Printf("remove orphaned object %s: %v", file.ObjectKey, removeErr)
		}
		return nil, fmt.Errorf("insert file: %w", err)
	}

	created, err := s.store.GetFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	s.indexFile(created)
	return fileJSON(created), nil
}

func (s *Service) GetFile(ctx context.Context, session Session, fileID string) (map[string]any, error) {
	file, err := s.fileForViewer(ctx, session, fileID)
	if err != nil {
		return nil, err
	}
	payload := fileJSON(file)
	tags, err := s.store.ListTagsByFile(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	tagItems := make([]map[string]any, 0, len(tags))
	for _, tag := range tags {
		tagItems = append(tagItems, tagJSON(tag))
	}
	payload["tags"] = tagItems
	return payload, nil
}

func (s *Service) FileDownloadURL(ctx context.Context, session Session, fileID string) (map[string]any, error) {
	file, err := s.fileForViewer(ctx, session, fileID)
	if err != nil {
		return nil, err
	}
	if s.blobs == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage is not configured", nil)
	}
	link, err := s.blobs.PresignDownload(ctx, file.ObjectKey, file.Name, downloadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("presign download: %w", err)
	}
	return map[string]any{
		"url":       link.String(),
		"expiresIn": int(downloadURLTTL.Seconds()),
	}, nil
}

func (s *Service) DeleteFile(ctx context.Context, session Session, fileID string) error {
	file, err := s.fileForViewer(ctx, session, fileID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteFile(ctx, file.ID); err != nil {
		return err
	}
	if s.blobs != nil {
		if err := s.blobs.Remove(ctx, file.ObjectKey); err != nil {
			log.Printf("remove object %s: %v", file.ObjectKey, err)
		}
	}
	s.dropFileFromIndex(file.ID)
	return nil
}

func (s *Service) fileForViewer(ctx context.Context, session Session, fileID string) (store.File, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return store.File{}, err
	}
	if file.OwnerID != session.UserID && !s.Can(session.Role, rbac.ActionAdmin) {
		return store.File{}, domainError(http.StatusNotFound, "NOT_FOUND", "File not found", nil)
	}
	return file, nil
}

// extractText keeps searchable plain text for text-like uploads. Binary
// formats are stored as-is without extraction.
func extractText(contentType string, data []byte) string {
	base := contentType
	if idx := strings.Index(base, ";"); idx >= 0 {
		base = base[:idx]
	}
	base = strings.TrimSpace(strings.ToLower(base))

	textual := strings.HasPrefix(base, "text/") ||
		base == "application/json" ||
		base == "application/xml" ||
		base == "application/x-markdown"
	if !textual {
		return ""
	}

	if len(data) > maxExtractBytes {
		data = data[:maxExtractBytes]
	}
	if !utf8.Valid(data) {
		return ""
	}
	return string(data)
}

// Tags

func (s *Service) ListBoardTags(ctx context.Context, session Session, boardID string) ([]map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}
	tags, err := s.store.ListTags(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tags))
	for _, tag := range tags {
		items = append(items, tagJSON(tag))
	}
	return items, nil
}

// CreateTag creates a tag on a board. The response always carries the
// near-duplicates of the requested name so the client can warn before the
// user fragments their tag vocabulary.
func (s *Service) CreateTag(ctx context.Context, session Session, boardID, name string) (map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}

	normalized := tagmatch.Normalize(name)
	if normalized == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tag name is required", nil)
	}

	existing, err := s.store.ListTags(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	similar := s.similarTags(name, existing, nil)

	// Exact duplicates (same normalized form) are idempotent, not an error.
	dup, err := s.store.FindTagByNormalized(ctx, board.ID, normalized)
	switch {
	case err == nil:
		return map[string]any{
			"created": false,
			"tag":     tagJSON(dup),
			"similar": similar,
		}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("find tag: %w", err)
	}

	tag := store.Tag{
		ID:             util.NewID("tag"),
		BoardID:        board.ID,
		Name:           strings.TrimSpace(name),
		NameNormalized: normalized,
	}
	if err := s.store.InsertTag(ctx, tag); err != nil {
		return nil, fmt.Errorf("insert tag: %w", err)
	}
	created, err := s.store.GetTag(ctx, tag.ID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"created": true,
		"tag":     tagJSON(created),
		"similar": similar,
	}, nil
}

// CheckTag reports near-duplicates without creating anything.
func (s *Service) CheckTag(ctx context.Context, session Session, boardID, name string, threshold *float64) (map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}
	if tagmatch.Normalize(name) == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	if threshold != nil && (*threshold < 0 || *threshold > 1) {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "threshold must be between 0 and 1", nil)
	}

	existing, err := s.store.ListTags(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":       name,
		"normalized": tagmatch.Normalize(name),
		"similar":    s.similarTags(name, existing, threshold),
	}, nil
}

func (s *Service) DeleteTag(ctx context.Context, session Session, tagID string) error {
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return err
	}
	if _, err := s.boardForViewer(ctx, session, tag.BoardID); err != nil {
		return domainError(http.StatusNotFound, "NOT_FOUND", "Tag not found", nil)
	}
	return s.store.DeleteTag(ctx, tag.ID)
}

func (s *Service) AttachTag(ctx context.Context, session Session, fileID, tagID string) error {
	file, err := s.fileForViewer(ctx, session, fileID)
	if err != nil {
		return err
	}
	tag, err := s.store.GetTag(ctx, tagID)
	if err != nil {
		return err
	}
	if tag.BoardID != file.BoardID {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tag belongs to a different board", nil)
	}
	return s.store.AttachTagToFile(ctx, file.ID, tag.ID)
}

func (s *Service) DetachTag(ctx context.Context, session Session, fileID, tagID string) error {
	file, err := s.fileForViewer(ctx, session, fileID)
	if err != nil {
		return err
	}
	return s.store.DetachTagFromFile(ctx, file.ID, tagID)
}

// similarTags runs the near-duplicate matcher against a board's tags and
// resolves matches back to their stored records.
func (s *Service) similarTags(name string, existing []store.Tag, threshold *float64) []map[string]any {
	names := make([]string, 0, len(existing))
	byName := make(map[string]store.Tag, len(existing))
	for _, tag := range existing {
		names = append(names, tag.Name)
		byName[tag.Name] = tag
	}

	opts := tagmatch.DefaultOptions()
	opts.Threshold = s.cfg.TagSimilarityThreshold
	if threshold != nil {
		opts.Threshold = *threshold
	}

	matches := tagmatch.FindMatches(name, names, opts)
	items := make([]map[string]any, 0, len(matches))
	for _, match := range matches {
		item := map[string]any{
			"name":  match.Name,
			"score": match.Score,
		}
		if tag, ok := byName[match.Name]; ok {
			item["id"] = tag.ID
		}
		items = append(items, item)
	}
	return items
}

// Search

func (s *Service) Search(ctx context.Context, session Session, query search.Query) (search.Response, error) {
	if strings.TrimSpace(query.Text) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	if query.FilterBoardID != "" {
		if _, err := s.boardForViewer(ctx, session, query.FilterBoardID); err != nil {
			return search.Response{}, err
		}
	}
	// Results are always scoped to the caller's own content
	query.OwnerID = session.UserID
	if query.Limit <= 0 {
		query.Limit = 20
	}
	if query.Limit > 50 {
		query.Limit = 50
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: query.Text}, nil
	}
	return s.search.Search(query), nil
}

// AI

func (s *Service) Summarize(ctx context.Context, session Session, boardID string) (map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAIQuota(ctx, session); err != nil {
		return nil, err
	}

	tiles, err := s.store.ListTiles(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFilesByBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}

	system, user := ai.BuildSummaryPrompt(board, tiles, files)
	result, err := s.ai.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	s.recordAIUsage(ctx, session.UserID, "summary", result.TokensUsed)

	return map[string]any{
		"boardId":    board.ID,
		"summary":    result.Text,
		"tokensUsed": result.TokensUsed,
	}, nil
}

func (s *Service) GenerateQuiz(ctx context.Context, session Session, boardID string, count int) (map[string]any, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}
	if err := s.checkAIQuota(ctx, session); err != nil {
		return nil, err
	}

	tiles, err := s.store.ListTiles(ctx, board.ID)
	if err != nil {
		return nil, err
	}
	files, err := s.store.ListFilesByBoard(ctx, board.ID)
	if err != nil {
		return nil, err
	}

	system, user := ai.BuildQuizPrompt(board, tiles, files, count)
	result, err := s.ai.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	// The upstream call succeeded, it counts against the quota even if the
	// output turns out to be unusable
	s.recordAIUsage(ctx, session.UserID, "quiz", result.TokensUsed)

	questions, err := ai.ParseQuiz(result.Text)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "The AI returned an unusable quiz, try again", nil)
	}

	return map[string]any{
		"boardId":    board.ID,
		"questions":  questions,
		"tokensUsed": result.TokensUsed,
	}, nil
}

// GenerateSchedule plans the caller's open tiles across upcoming days.
func (s *Service) GenerateSchedule(ctx context.Context, session Session) (map[string]any, error) {
	tiles, err := s.store.ListOpenTilesForOwner(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if len(tiles) == 0 {
		return map[string]any{"entries": []ai.ScheduleEntry{}, "tokensUsed": 0}, nil
	}
	if err := s.checkAIQuota(ctx, session); err != nil {
		return nil, err
	}

	system, user := ai.BuildSchedulePrompt(tiles, s.now())
	result, err := s.ai.Complete(ctx, system, user)
	if err != nil {
		return nil, err
	}
	s.recordAIUsage(ctx, session.UserID, "schedule", result.TokensUsed)

	entries, err := ai.ParseSchedule(result.Text)
	if err != nil {
		return nil, domainError(http.StatusBadGateway, "UPSTREAM_ERROR", "The AI returned an unusable plan, try again", nil)
	}

	return map[string]any{
		"entries":    entries,
		"tokensUsed": result.TokensUsed,
	}, nil
}

func (s *Service) AIUsage(ctx context.Context, session Session) (map[string]any, error) {
	since := startOfUTCDay(s.now())
	used, err := s.store.CountAIUsageSince(ctx, session.UserID, since)
	if err != nil {
		return nil, err
	}
	byKind, err := s.store.AIUsageByKindSince(ctx, session.UserID, since)
	if err != nil {
		return nil, err
	}
	remaining := s.cfg.AIDailyLimit - used
	if remaining < 0 {
		remaining = 0
	}
	return map[string]any{
		"limit":     s.cfg.AIDailyLimit,
		"used":      used,
		"remaining": remaining,
		"byKind":    byKind,
		"resetsAt":  since.Add(24 * time.Hour),
	}, nil
}

// checkAIQuota enforces the per-user daily call limit. The count resets at
// midnight UTC.
func (s *Service) checkAIQuota(ctx context.Context, session Session) error {
	if s.ai == nil || !s.ai.Enabled() {
		return domainError(http.StatusServiceUnavailable, "AI_DISABLED", "AI features are not configured", nil)
	}
	if !s.Can(session.Role, rbac.ActionUseAI) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	used, err := s.store.CountAIUsageSince(ctx, session.UserID, startOfUTCDay(s.now()))
	if err != nil {
		return err
	}
	if used >= s.cfg.AIDailyLimit {
		return domainError(http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Daily AI quota exhausted", map[string]any{
			"limit": s.cfg.AIDailyLimit,
			"used":  used,
		})
	}
	return nil
}

func (s *Service) recordAIUsage(ctx context.Context, userID, kind string, tokens int) {
	usage := store.AIUsage{
		ID:         util.NewID("aiu"),
		UserID:     userID,
		Kind:       kind,
		TokensUsed: tokens,
	}
	if err := s.store.InsertAIUsage(ctx, usage); err != nil {
		log.Printf("record ai usage for %s: %v", userID, err)
	}
}

func startOfUTCDay(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}

// Export

func (s *Service) ExportBoard(ctx context.Context, session Session, boardID, format string) (*export.Result, error) {
	board, err := s.boardForViewer(ctx, session, boardID)
	if err != nil {
		return nil, err
	}
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	if format == "" {
		format = string(export.FormatPDF)
	}
	return s.exporter.Export(ctx, export.Request{
		BoardID: board.ID,
		Format:  export.Format(format),
	})
}
