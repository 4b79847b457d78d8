package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/agentblob/agentblob/internal/memory"
)

func OpenTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	db, err := memory.OpenDB(path)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	return db, func() {
		_ = db.Close()
	}
}
