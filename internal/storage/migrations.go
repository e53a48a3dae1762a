package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

func execAll(tx *sql.Tx, queries ...string) error {
	for _, query := range queries {
		if _, err := tx.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query '%s': %w", query, err)
		}
	}
	return nil
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Pattern table",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS patterns (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					pattern_type TEXT NOT NULL CHECK (pattern_type IN
						('merchant', 'keyword', 'description', 'amount_range', 'regex', 'time_range')),
					value TEXT NOT NULL,
					normalized_value TEXT NOT NULL,
					category_id TEXT NOT NULL,
					confidence_weight REAL NOT NULL DEFAULT 1.0
						CHECK (confidence_weight >= 0.1 AND confidence_weight <= 5.0),
					usage_count INTEGER NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
					success_count INTEGER NOT NULL DEFAULT 0
						CHECK (success_count >= 0 AND success_count <= usage_count),
					is_active INTEGER NOT NULL DEFAULT 1,
					user_created INTEGER NOT NULL DEFAULT 0,
					merged_into INTEGER REFERENCES patterns(id),
					last_used_at DATETIME,
					last_decayed_at DATETIME,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				// Soft-deactivated rows may repeat a value; live ones may not.
				`CREATE UNIQUE INDEX idx_patterns_live_value
					ON patterns(pattern_type, normalized_value, category_id) WHERE is_active = 1`,
				`CREATE INDEX idx_patterns_type ON patterns(pattern_type, is_active)`,
				`CREATE INDEX idx_patterns_category ON patterns(category_id, is_active)`,
			)
		},
	},
	{
		Version:     2,
		Description: "Composite patterns",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS composite_patterns (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					name TEXT NOT NULL UNIQUE,
					operator TEXT NOT NULL CHECK (operator IN ('AND', 'OR', 'NOT')),
					category_id TEXT NOT NULL,
					pattern_ids TEXT NOT NULL,
					amount_min TEXT,
					amount_max TEXT,
					weekdays TEXT,
					time_window TEXT,
					confidence_weight REAL NOT NULL DEFAULT 1.0
						CHECK (confidence_weight >= 0.1 AND confidence_weight <= 5.0),
					is_active INTEGER NOT NULL DEFAULT 1,
					ambiguous INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_composite_patterns_active ON composite_patterns(is_active)`,
			)
		},
	},
	{
		Version:     3,
		Description: "User preferences and correction tallies",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS user_preferences (
					merchant_key TEXT PRIMARY KEY,
					category_id TEXT NOT NULL,
					count INTEGER NOT NULL DEFAULT 1,
					updated_at DATETIME NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS correction_tallies (
					merchant_key TEXT NOT NULL,
					category_id TEXT NOT NULL,
					count INTEGER NOT NULL DEFAULT 0,
					updated_at DATETIME NOT NULL,
					PRIMARY KEY (merchant_key, category_id)
				)`,
			)
		},
	},
	{
		Version:     4,
		Description: "Learning event log and merge history",
		Up: func(tx *sql.Tx) error {
			return execAll(tx,
				`CREATE TABLE IF NOT EXISTS learning_events (
					id TEXT PRIMARY KEY,
					expense_ref TEXT NOT NULL DEFAULT '',
					pattern_id INTEGER,
					merchant_text TEXT NOT NULL DEFAULT '',
					description_text TEXT NOT NULL DEFAULT '',
					predicted_category TEXT NOT NULL DEFAULT '',
					correct_category TEXT NOT NULL DEFAULT '',
					action TEXT NOT NULL CHECK (action IN ('accept', 'reject', 'correct')),
					occurred_at DATETIME NOT NULL,
					recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_learning_events_occurred ON learning_events(occurred_at)`,
				`CREATE TRIGGER learning_events_write_once
					BEFORE UPDATE ON learning_events
					BEGIN
						SELECT RAISE(ABORT, 'learning events are immutable');
					END`,
				`CREATE TABLE IF NOT EXISTS pattern_merges (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					source_id INTEGER NOT NULL UNIQUE REFERENCES patterns(id),
					target_id INTEGER NOT NULL REFERENCES patterns(id),
					moved_usage INTEGER NOT NULL,
					moved_success INTEGER NOT NULL,
					merged_at DATETIME NOT NULL
				)`,
				`CREATE INDEX idx_pattern_merges_target ON pattern_merges(target_id)`,
			)
		},
	},
}

// Migrate brings the schema up to ExpectedSchemaVersion.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	var finalVersion int
	err = s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&finalVersion)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}

	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	s.ensureSearchIndex(ctx)
	return nil
}

// SchemaVersion returns the database's current schema version.
func (s *SQLiteStorage) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to get schema version: %w", err)
	}
	return v, nil
}
