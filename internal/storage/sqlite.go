package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/service"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStorage implements service.PatternStore using SQLite.
type SQLiteStorage struct {
	db       *sql.DB
	now      func() time.Time
	dbPath   string
	search   atomic.Bool
	fts5     bool
	fts5Once sync.Once
}

// NewSQLiteStorage opens (creating if needed) the database at dbPath. Use ":memory:" for tests.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	dsn := ":memory:"
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: SQLite serializes writers anyway, and :memory: databases are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}, nil
}

// SetClock overrides the time source used for created_at/updated_at stamps.
func (s *SQLiteStorage) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStorage) stamp() time.Time {
	return s.now().UTC()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Capabilities reports optional SQLite features. FTS5 is only reported once Migrate has built
// the search index, so it turns true on the first Migrate of an FTS5-enabled build.
func (s *SQLiteStorage) Capabilities() service.StoreCapabilities {
	return service.StoreCapabilities{FTS5: s.search.Load()}
}

// compiledWithFTS5 reports whether the linked SQLite library has the FTS5 extension.
// go-sqlite3 only includes it when built with the sqlite_fts5 tag.
func (s *SQLiteStorage) compiledWithFTS5(ctx context.Context) bool {
	s.fts5Once.Do(func() {
		if err := s.db.QueryRowContext(ctx, "SELECT sqlite_compileoption_used('ENABLE_FTS5')").Scan(&s.fts5); err != nil {
			slog.Debug("Could not read SQLite compile options", "error", err)
		}
	})
	return s.fts5
}

// BeginTx starts a new database transaction.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (service.PatternTx, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, common.StoreError("begin transaction", err)
	}

	return &sqliteTransaction{
		tx:      tx,
		storage: s,
	}, nil
}

// sqliteTransaction wraps sql.Tx to implement service.PatternTx.
type sqliteTransaction struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTransaction) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return common.StoreError("commit", err)
	}
	return nil
}

func (t *sqliteTransaction) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// Transaction methods delegate to the storage helpers with the transaction.
func (t *sqliteTransaction) LoadPattern(ctx context.Context, id int64) (*model.Pattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.loadPatternTx(ctx, t.tx, id)
}

func (t *sqliteTransaction) FindPattern(ctx context.Context, pt model.PatternType, normalizedValue, categoryID string) (*model.Pattern, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	return t.storage.findPatternTx(ctx, t.tx, pt, normalizedValue, categoryID)
}

func (t *sqliteTransaction) SavePattern(ctx context.Context, pattern *model.Pattern) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.savePatternTx(ctx, t.tx, pattern)
}

func (t *sqliteTransaction) RecordOutcome(ctx context.Context, id int64, success bool, delta float64, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.recordOutcomeTx(ctx, t.tx, id, success, delta, at)
}

func (t *sqliteTransaction) ScaleConfidence(ctx context.Context, id int64, factor float64, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if factor <= 0 || factor > 1 {
		return fmt.Errorf("%w: decay factor %.3f outside (0,1]", model.ErrInvalid, factor)
	}
	return t.storage.scaleConfidenceTx(ctx, t.tx, id, factor, at)
}

func (t *sqliteTransaction) DeactivatePattern(ctx context.Context, id int64, at time.Time) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.deactivatePatternTx(ctx, t.tx, id, at)
}

func (t *sqliteTransaction) MergePatterns(ctx context.Context, sourceID, targetID int64, at time.Time) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if sourceID == targetID {
		return false, fmt.Errorf("%w: cannot merge pattern %d into itself", model.ErrInvalid, sourceID)
	}
	return t.storage.mergePatternsTx(ctx, t.tx, sourceID, targetID, at)
}

func (t *sqliteTransaction) SaveUserPreference(ctx context.Context, pref *model.UserPreference) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validatePreference(pref); err != nil {
		return err
	}
	return t.storage.saveUserPreferenceTx(ctx, t.tx, pref)
}

func (t *sqliteTransaction) IncrementCorrectionTally(ctx context.Context, merchantKey, categoryID string, at time.Time) (int, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateString(merchantKey, "merchantKey"); err != nil {
		return 0, err
	}
	if err := validateString(categoryID, "categoryID"); err != nil {
		return 0, err
	}
	return t.storage.incrementTallyTx(ctx, t.tx, merchantKey, categoryID, at)
}

func (t *sqliteTransaction) ClearCorrectionTally(ctx context.Context, merchantKey, categoryID string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	return t.storage.clearTallyTx(ctx, t.tx, merchantKey, categoryID)
}

func (t *sqliteTransaction) AppendLearningEvent(ctx context.Context, event *model.LearningEvent) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if event == nil {
		return fmt.Errorf("%w: learning event", ErrNilParameter)
	}
	return t.storage.appendLearningEventTx(ctx, t.tx, event)
}

// queryable is an interface satisfied by both *sql.DB and *sql.Tx.
type queryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// classify maps driver errors onto the common error taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, common.ErrNotFound)
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%s: %w: %w", op, common.ErrDuplicateEntry, err)
		case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintTrigger:
			return fmt.Errorf("%s: %w: %w", op, model.ErrInvalid, err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return common.StoreError(op, err)
}
