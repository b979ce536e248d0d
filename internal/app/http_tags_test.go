package app

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"studyboard/api/internal/store"
)

func boardOwnedByUser1(_ context.Context, boardID string) (store.Board, error) {
	return store.Board{ID: boardID, OwnerID: "user-1", Name: "History"}, nil
}

func TestCreateTagReportsSimilar(t *testing.T) {
	var inserted store.Tag
	fs := &fakeStore{
		getBoardFn: boardOwnedByUser1,
		listTagsFn: func(_ context.Context, boardID string) ([]store.Tag, error) {
			return []store.Tag{
				{ID: "tag-1", BoardID: boardID, Name: "exam", NameNormalized: "exam"},
				{ID: "tag-2", BoardID: boardID, Name: "homework", NameNormalized: "homework"},
			}, nil
		},
		insertTagFn: func(_ context.Context, tag store.Tag) error {
			inserted = tag
			return nil
		},
		getTagFn: func(_ context.Context, tagID string) (store.Tag, error) {
			return inserted, nil
		},
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := authedRequest(t, svc, http.MethodPost, "/api/boards/board-1/tags",
		bytes.NewBufferString(`{"name":"Exams"}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["created"] != true {
		t.Errorf("created = %v", payload["created"])
	}
	if inserted.Name != "Exams" || inserted.NameNormalized != "exams" {
		t.Errorf("stored tag = %+v", inserted)
	}

	// "exam" vs "exams": similarity 1 - 1/5 = 0.8, right at the default cutoff
	similar, _ := payload["similar"].([]any)
	if len(similar) != 1 {
		t.Fatalf("similar = %v, want one match", payload["similar"])
	}
	match, _ := similar[0].(map[string]any)
	if match["name"] != "exam" || match["id"] != "tag-1" {
		t.Errorf("match = %v", match)
	}
}

func TestCreateTagDuplicateNormalizedName(t *testing.T) {
	fs := &fakeStore{
		getBoardFn: boardOwnedByUser1,
		listTagsFn: func(_ context.Context, boardID string) ([]store.Tag, error) {
			return []store.Tag{{ID: "tag-1", BoardID: boardID, Name: "Exam Week", NameNormalized: "exam week"}}, nil
		},
		findTagByNormalizedFn: func(_ context.Context, boardID, normalized string) (store.Tag, error) {
			if normalized != "exam week" {
				t.Errorf("looked up normalized name %q, want %q", normalized, "exam week")
			}
			return store.Tag{ID: "tag-1", BoardID: boardID, Name: "Exam Week", NameNormalized: "exam week"}, nil
		},
		insertTagFn: func(_ context.Context, tag store.Tag) error {
			t.Error("duplicate should not insert")
			return nil
		},
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	// Same tag after normalization: case and runs of whitespace collapse
	req := authedRequest(t, svc, http.MethodPost, "/api/boards/board-1/tags",
		bytes.NewBufferString(`{"name":"  EXAM   week "}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["created"] != false {
		t.Errorf("created = %v, want false", payload["created"])
	}
	tag, _ := payload["tag"].(map[string]any)
	if tag["id"] != "tag-1" {
		t.Errorf("tag = %v, want the existing record", tag)
	}
}

func TestCheckTagHonorsThresholdOverride(t *testing.T) {
	fs := &fakeStore{
		getBoardFn: boardOwnedByUser1,
		listTagsFn: func(_ context.Context, boardID string) ([]store.Tag, error) {
			return []store.Tag{
				{ID: "tag-1", BoardID: boardID, Name: "biology", NameNormalized: "biology"},
				{ID: "tag-2", BoardID: boardID, Name: "geology", NameNormalized: "geology"},
			}, nil
		},
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	check := func(body string) map[string]any {
		req := authedRequest(t, svc, http.MethodPost, "/api/tags/check", bytes.NewBufferString(body))
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
		}
		return decodeResponse(t, rr)
	}

	// At the default 0.8 cutoff nothing is close enough to "zoology"
	payload := check(`{"boardId":"board-1","name":"zoology"}`)
	if similar, _ := payload["similar"].([]any); len(similar) != 0 {
		t.Errorf("default threshold: similar = %v", similar)
	}

	// A zero threshold keeps every tag. Both score the same here, the tie
	// keeps the stored order
	payload = check(`{"boardId":"board-1","name":"zoology","threshold":0}`)
	similar, _ := payload["similar"].([]any)
	if len(similar) != 2 {
		t.Fatalf("zero threshold: similar = %v", similar)
	}
	first, _ := similar[0].(map[string]any)
	if first["name"] != "biology" {
		t.Errorf("first match = %v, want biology", first["name"])
	}
}

func TestCheckTagRejectsBadThreshold(t *testing.T) {
	fs := &fakeStore{getBoardFn: boardOwnedByUser1}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := authedRequest(t, svc, http.MethodPost, "/api/tags/check",
		bytes.NewBufferString(`{"boardId":"board-1","name":"exam","threshold":1.5}`))
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
}

func TestAttachTagRejectsCrossBoard(t *testing.T) {
	fs := &fakeStore{
		getFileFn: func(_ context.Context, fileID string) (store.File, error) {
			return store.File{ID: fileID, BoardID: "board-1", OwnerID: "user-1", Name: "notes.txt"}, nil
		},
		getTagFn: func(_ context.Context, tagID string) (store.Tag, error) {
			return store.Tag{ID: tagID, BoardID: "board-2", Name: "exam"}, nil
		},
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := authedRequest(t, svc, http.MethodPut, "/api/files/file-1/tags/tag-1", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rr.Code)
	}
}

func TestAttachAndDetachTag(t *testing.T) {
	var attached, detached bool
	fs := &fakeStore{
		getFileFn: func(_ context.Context, fileID string) (store.File, error) {
			return store.File{ID: fileID, BoardID: "board-1", OwnerID: "user-1"}, nil
		},
		getTagFn: func(_ context.Context, tagID string) (store.Tag, error) {
			return store.Tag{ID: tagID, BoardID: "board-1"}, nil
		},
		attachTagToFileFn: func(_ context.Context, fileID, tagID string) error {
			attached = true
			return nil
		},
		detachTagFromFileFn: func(_ context.Context, fileID, tagID string) error {
			detached = true
			return nil
		},
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, "*")

	req := authedRequest(t, svc, http.MethodPut, "/api/files/file-1/tags/tag-1", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !attached {
		t.Fatalf("attach: status=%d attached=%v", rr.Code, attached)
	}

	req = authedRequest(t, svc, http.MethodDelete, "/api/files/file-1/tags/tag-1", nil)
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || !detached {
		t.Fatalf("detach: status=%d detached=%v", rr.Code, detached)
	}
}
