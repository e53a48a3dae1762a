package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/common"
)

// Snapshot errors.
var (
	ErrSnapshotNotFound  = errors.New("snapshot not found")
	ErrSnapshotExists    = errors.New("snapshot already exists")
	ErrSnapshotCorrupted = errors.New("snapshot integrity check failed")
	ErrSnapshotInMemory  = errors.New("in-memory stores cannot be snapshotted")
)

// maxAutoSnapshots is how many automatic snapshots are retained.
const maxAutoSnapshots = 5

// SnapshotInfo describes one snapshot of the pattern store.
type SnapshotInfo struct {
	CreatedAt     time.Time      `json:"created_at"`
	RowCounts     map[string]int `json:"row_counts"`
	ID            string         `json:"id"`
	Description   string         `json:"description"`
	FileSize      int64          `json:"file_size"`
	SchemaVersion int            `json:"schema_version"`
	IsAuto        bool           `json:"is_auto"`
}

// Patterns returns the number of patterns captured.
func (i SnapshotInfo) Patterns() int { return i.RowCounts["patterns"] }

// Events returns the number of learning events captured.
func (i SnapshotInfo) Events() int { return i.RowCounts["learning_events"] }

// SnapshotManager copies the pattern store aside before maintenance that rewrites many rows.
type SnapshotManager struct {
	store *SQLiteStorage
	dir   string
}

// NewSnapshotManager keeps snapshots in a "snapshots" directory next to the database file.
func NewSnapshotManager(store *SQLiteStorage) (*SnapshotManager, error) {
	if store.dbPath == ":memory:" {
		return nil, ErrSnapshotInMemory
	}
	dir := SnapshotDir(store.dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}
	return &SnapshotManager{store: store, dir: dir}, nil
}

// SnapshotDir returns where snapshots of the database at dbPath live.
func SnapshotDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "snapshots")
}

func validTag(tag string) error {
	if strings.ContainsAny(tag, `/\'";`) || strings.Contains(tag, "..") {
		return fmt.Errorf("invalid snapshot tag %q: path separators and quotes are not allowed", tag)
	}
	return nil
}

// Create writes a consistent copy of the database using VACUUM INTO.
func (m *SnapshotManager) Create(ctx context.Context, tag, description string) (*SnapshotInfo, error) {
	if tag == "" {
		tag = "snapshot-" + m.store.stamp().Format("2006-01-02-150405")
	}
	if err := validTag(tag); err != nil {
		return nil, err
	}

	path := filepath.Join(m.dir, tag+".db")
	if _, err := os.Stat(path); err == nil {
		return nil, ErrSnapshotExists
	}

	version, err := m.store.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	counts := m.rowCounts(ctx)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot path: %w", err)
	}
	if strings.ContainsRune(abs, '\'') {
		return nil, fmt.Errorf("invalid snapshot path %q", abs)
	}
	// #nosec G201 - tag is validated above and abs contains no quotes
	if _, err := m.store.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", abs)); err != nil {
		return nil, common.StoreError("vacuum into snapshot", err)
	}

	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat snapshot: %w", err)
	}

	info := &SnapshotInfo{
		ID:            tag,
		CreatedAt:     m.store.stamp(),
		Description:   description,
		FileSize:      stat.Size(),
		RowCounts:     counts,
		SchemaVersion: version,
	}
	if err := m.saveInfo(*info); err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			slog.Error("failed to remove snapshot after metadata failure", "error", rmErr)
		}
		return nil, err
	}
	return info, nil
}

// Auto takes an automatic snapshot before an operation and prunes old automatic snapshots.
func (m *SnapshotManager) Auto(ctx context.Context, operation string) (*SnapshotInfo, error) {
	tag := fmt.Sprintf("auto-%s-%s", operation, m.store.stamp().Format("2006-01-02-150405"))
	info, err := m.Create(ctx, tag, "Automatic snapshot before "+operation)
	if err != nil {
		return nil, fmt.Errorf("failed to create automatic snapshot: %w", err)
	}
	info.IsAuto = true
	if err := m.saveInfo(*info); err != nil {
		slog.Error("failed to mark snapshot automatic", "snapshot", tag, "error", err)
	}

	m.prune(ctx)
	return info, nil
}

// List returns all snapshots, newest first.
func (m *SnapshotManager) List(_ context.Context) ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots directory: %w", err)
	}

	snapshots := make([]SnapshotInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".meta.json") {
			continue
		}
		info, err := m.loadInfo(strings.TrimSuffix(entry.Name(), ".meta.json"))
		if err != nil {
			slog.Debug("skipping unreadable snapshot metadata", "file", entry.Name(), "error", err)
			continue
		}
		snapshots = append(snapshots, *info)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.After(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// Delete removes a snapshot and its metadata.
func (m *SnapshotManager) Delete(_ context.Context, id string) error {
	if err := validTag(id); err != nil {
		return err
	}
	path := filepath.Join(m.dir, id+".db")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	if err := os.Remove(filepath.Join(m.dir, id+".meta.json")); err != nil {
		slog.Debug("failed to remove snapshot metadata", "snapshot", id, "error", err)
	}
	return nil
}

// RestoreSnapshot replaces the database at dbPath with snapshot id.
// The store at dbPath must be closed.
func RestoreSnapshot(dbPath, id string) error {
	if err := validTag(id); err != nil {
		return err
	}
	src := filepath.Join(SnapshotDir(dbPath), id+".db")
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("failed to access snapshot: %w", err)
	}
	if err := verifyIntegrity(src); err != nil {
		return fmt.Errorf("%w: %w", ErrSnapshotCorrupted, err)
	}

	// WAL side files belong to the database being replaced.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s file: %w", suffix, err)
		}
	}
	return copyFile(src, dbPath)
}

func (m *SnapshotManager) rowCounts(ctx context.Context) map[string]int {
	queries := map[string]string{
		"patterns":           "SELECT COUNT(*) FROM patterns",
		"composite_patterns": "SELECT COUNT(*) FROM composite_patterns",
		"user_preferences":   "SELECT COUNT(*) FROM user_preferences",
		"learning_events":    "SELECT COUNT(*) FROM learning_events",
		"pattern_merges":     "SELECT COUNT(*) FROM pattern_merges",
	}
	counts := make(map[string]int, len(queries))
	for table, query := range queries {
		var n int
		if err := m.store.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
			slog.Debug("row count unavailable", "table", table, "error", err)
		}
		counts[table] = n
	}
	return counts
}

func (m *SnapshotManager) prune(ctx context.Context) {
	snapshots, err := m.List(ctx)
	if err != nil {
		slog.Warn("failed to list snapshots for pruning", "error", err)
		return
	}
	kept := 0
	for _, s := range snapshots {
		if !s.IsAuto {
			continue
		}
		kept++
		if kept > maxAutoSnapshots {
			if err := m.Delete(ctx, s.ID); err != nil {
				slog.Debug("failed to prune snapshot", "snapshot", s.ID, "error", err)
			}
		}
	}
}

func (m *SnapshotManager) saveInfo(info SnapshotInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.dir, info.ID+".meta.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot metadata: %w", err)
	}
	return os.Rename(tmp, path)
}

func (m *SnapshotManager) loadInfo(id string) (*SnapshotInfo, error) {
	// #nosec G304 - id comes from the snapshots directory listing
	data, err := os.ReadFile(filepath.Join(m.dir, id+".meta.json"))
	if err != nil {
		return nil, err
	}
	var info SnapshotInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func verifyIntegrity(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return err
	}
	if result != "ok" {
		return fmt.Errorf("integrity check: %s", result)
	}
	return nil
}

func copyFile(src, dst string) error {
	// #nosec G304 - src is inside the snapshots directory
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = source.Close() }()

	tmp := dst + ".tmp"
	// #nosec G304 - dst is the configured database path
	destination, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(destination, source); err != nil {
		_ = destination.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := destination.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
