package store

import (
	"strings"
	"testing"
)

// Tiles are edited through a merge-style update: the service loads the row,
// applies the provided fields, and writes the whole thing back. Every column
// that edit can touch has to appear in the statement, or a provided field is
// silently dropped on the floor.
func TestUpdateTileStatementWritesAllEditableColumns(t *testing.T) {
	for _, column := range []string{
		"title", "notes", "status", "priority", "estimated_minutes", "due_at",
		"grid_x", "grid_y", "grid_w", "grid_h", "updated_at",
	} {
		if !strings.Contains(updateTileStmt, column+"=") {
			t.Errorf("tile update statement does not set %s", column)
		}
	}
	if !strings.Contains(updateTileStmt, "WHERE id=$1") {
		t.Error("tile update statement must be keyed by id")
	}
}
