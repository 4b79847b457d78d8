// Package memory implements pinned and structured long-term memory with
// hybrid lexical/vector retrieval and post-turn consolidation.
package memory

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS memory_items (
  rowid INTEGER PRIMARY KEY,
  item_id TEXT NOT NULL UNIQUE,
  text TEXT NOT NULL,
  context TEXT NOT NULL DEFAULT '',
  importance REAL NOT NULL DEFAULT 0,
  tags_json TEXT NOT NULL DEFAULT '[]',
  created_at TEXT NOT NULL,
  last_seen_at TEXT NOT NULL,
  seen_count INTEGER NOT NULL DEFAULT 1,
  last_run_id TEXT NOT NULL DEFAULT '',
  embedding BLOB,
  embedding_status TEXT NOT NULL DEFAULT 'missing'
);

CREATE INDEX IF NOT EXISTS idx_memory_items_last_seen ON memory_items(last_seen_at);

CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts
USING fts5(text, context, tags, content='memory_items', content_rowid='rowid');

CREATE TRIGGER IF NOT EXISTS memory_items_ai AFTER INSERT ON memory_items BEGIN
  INSERT INTO memory_fts(rowid, text, context, tags)
  VALUES (new.rowid, new.text, new.context, new.tags_json);
END;

CREATE TRIGGER IF NOT EXISTS memory_items_ad AFTER DELETE ON memory_items BEGIN
  INSERT INTO memory_fts(memory_fts, rowid, text, context, tags)
  VALUES('delete', old.rowid, old.text, old.context, old.tags_json);
END;

CREATE TRIGGER IF NOT EXISTS memory_items_au AFTER UPDATE ON memory_items BEGIN
  INSERT INTO memory_fts(memory_fts, rowid, text, context, tags)
  VALUES('delete', old.rowid, old.text, old.context, old.tags_json);
  INSERT INTO memory_fts(rowid, text, context, tags)
  VALUES (new.rowid, new.text, new.context, new.tags_json);
END;

CREATE TABLE IF NOT EXISTS turns (
  rowid INTEGER PRIMARY KEY,
  run_id TEXT NOT NULL,
  origin TEXT NOT NULL,
  user_text TEXT NOT NULL,
  assistant_text TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_turns_origin_created ON turns(origin, created_at);

CREATE VIRTUAL TABLE IF NOT EXISTS turns_fts
USING fts5(user_text, assistant_text, content='turns', content_rowid='rowid');

CREATE TRIGGER IF NOT EXISTS turns_ai AFTER INSERT ON turns BEGIN
  INSERT INTO turns_fts(rowid, user_text, assistant_text)
  VALUES (new.rowid, new.user_text, new.assistant_text);
END;

CREATE TRIGGER IF NOT EXISTS turns_ad AFTER DELETE ON turns BEGIN
  INSERT INTO turns_fts(turns_fts, rowid, user_text, assistant_text)
  VALUES('delete', old.rowid, old.user_text, old.assistant_text);
END;
`

// OpenDB opens (creating if needed) the memory database with WAL enabled.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	for _, raw := range splitStatements(schemaSQL) {
		if _, err := db.Exec(raw); err != nil {
			return fmt.Errorf("migrate: %w (statement=%q)", err, raw)
		}
	}
	return nil
}

// splitStatements splits on ";" at line ends, keeping trigger bodies (which
// contain inner semicolons followed by END) intact.
func splitStatements(sqlText string) []string {
	var out []string
	var current strings.Builder
	inTrigger := false
	for _, line := range strings.Split(sqlText, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		upper := strings.ToUpper(trimmed)
		if strings.HasPrefix(upper, "CREATE TRIGGER") {
			inTrigger = true
		}
		current.WriteString(line)
		current.WriteString("\n")
		if inTrigger {
			if strings.HasPrefix(upper, "END;") || upper == "END;" {
				out = append(out, current.String())
				current.Reset()
				inTrigger = false
			}
			continue
		}
		if strings.HasSuffix(trimmed, ";") {
			out = append(out, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		out = append(out, current.String())
	}
	return out
}
