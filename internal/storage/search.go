package storage

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// The trigram tokenizer matches substrings of three or more characters.
const minIndexedSearch = 3

var searchIndexDDL = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS patterns_search USING fts5(
		value, normalized_value,
		content='patterns', content_rowid='id', tokenize='trigram'
	)`,
	`CREATE TRIGGER IF NOT EXISTS patterns_search_insert AFTER INSERT ON patterns BEGIN
		INSERT INTO patterns_search(rowid, value, normalized_value)
		VALUES (new.id, new.value, new.normalized_value);
	END`,
	`CREATE TRIGGER IF NOT EXISTS patterns_search_delete AFTER DELETE ON patterns BEGIN
		INSERT INTO patterns_search(patterns_search, rowid, value, normalized_value)
		VALUES ('delete', old.id, old.value, old.normalized_value);
	END`,
	`CREATE TRIGGER IF NOT EXISTS patterns_search_update AFTER UPDATE OF value, normalized_value ON patterns BEGIN
		INSERT INTO patterns_search(patterns_search, rowid, value, normalized_value)
		VALUES ('delete', old.id, old.value, old.normalized_value);
		INSERT INTO patterns_search(rowid, value, normalized_value)
		VALUES (new.id, new.value, new.normalized_value);
	END`,
	`INSERT INTO patterns_search(patterns_search) VALUES ('rebuild')`,
}

// ensureSearchIndex builds the full-text index over pattern values when SQLite has FTS5.
// Without it, or when building fails, searches fall back to LIKE.
func (s *SQLiteStorage) ensureSearchIndex(ctx context.Context) {
	if !s.compiledWithFTS5(ctx) {
		slog.Debug("Pattern search uses LIKE scans", "fts5", false)
		return
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Warn("Could not build pattern search index", "error", err)
		return
	}
	for _, q := range searchIndexDDL {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			_ = tx.Rollback()
			slog.Warn("Could not build pattern search index", "error", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		slog.Warn("Could not build pattern search index", "error", err)
		return
	}

	s.search.Store(true)
	slog.Debug("Pattern search uses the FTS5 index", "fts5", true)
}

// searchClause returns the WHERE clause and arguments selecting patterns that contain term.
func (s *SQLiteStorage) searchClause(term string) (string, []any) {
	if s.search.Load() && utf8.RuneCountInString(term) >= minIndexedSearch {
		phrase := `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
		return "id IN (SELECT rowid FROM patterns_search WHERE patterns_search MATCH ?)", []any{phrase}
	}
	like := "%" + escapeLike(strings.ToLower(term)) + "%"
	return `(LOWER(value) LIKE ? ESCAPE '\' OR normalized_value LIKE ? ESCAPE '\')`, []any{like, like}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
