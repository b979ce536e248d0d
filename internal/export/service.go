package export

import (
	"context"
	"fmt"
	"time"

	"studyboard/api/internal/store"
)

// DataStore is the data access the exporter needs.
type DataStore interface {
	GetBoard(ctx context.Context, id string) (store.Board, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	ListTiles(ctx context.Context, boardID string) ([]store.Tile, error)
	ListFilesByBoard(ctx context.Context, boardID string) ([]store.File, error)
	ListTags(ctx context.Context, boardID string) ([]store.Tag, error)
	ListTagsByFile(ctx context.Context, fileID string) ([]store.Tag, error)
}

// Service renders board study sheets.
type Service struct {
	store DataStore
	now   func() time.Time
}

func NewService(store DataStore) *Service {
	return &Service{store: store, now: time.Now}
}

// Export generates a study sheet for a board in the requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	board, err := s.store.GetBoard(ctx, req.BoardID)
	if err != nil {
		return nil, fmt.Errorf("get board: %w", err)
	}

	tiles, err := s.store.ListTiles(ctx, board.ID)
	if err != nil {
		return nil, fmt.Errorf("list tiles: %w", err)
	}

	files, err := s.store.ListFilesByBoard(ctx, board.ID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}

	tags, err := s.store.ListTags(ctx, board.ID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	ownerName := ""
	if owner, err := s.store.GetUserByID(ctx, board.OwnerID); err == nil {
		ownerName = owner.DisplayName
	}

	data := SheetData{
		BoardName:   board.Name,
		Subject:     board.Subject,
		Color:       board.Color,
		OwnerName:   ownerName,
		GeneratedAt: s.now(),
	}
	for _, t := range tags {
		data.BoardTags = append(data.BoardTags, t.Name)
	}
	for _, t := range tiles {
		data.Tiles = append(data.Tiles, SheetTile{
			Title:    t.Title,
			Status:   t.Status,
			Priority: t.Priority,
			Notes:    t.Notes,
			DueAt:    t.DueAt,
		})
	}
	for _, f := range files {
		sf := SheetFile{Name: f.Name}
		// Tag lookups are best effort, the sheet is still useful without them
		if fileTags, err := s.store.ListTagsByFile(ctx, f.ID); err == nil {
			for _, ft := range fileTags {
				sf.Tags = append(sf.Tags, ft.Name)
			}
		}
		data.Files = append(data.Files, sf)
	}

	html, err := RenderSheetHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatHTML:
		return &Result{
			Data:     []byte(html),
			Filename: sanitizeFilename(board.Name) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return renderPDF(html, board.Name)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}
