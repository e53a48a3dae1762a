// Package testutil provides test utilities for the categorizer: seeded in-memory stores,
// an in-process redis, a recording metrics sink, and a store wrapper that counts loads.
package testutil

import (
	"context"
	"testing"

	"github.com/Veraticus/spice-categorizer/internal/storage"
	"github.com/Veraticus/spice-categorizer/internal/testutil/patterns"
)

// TestDB is a migrated in-memory store with the patterns it was seeded with.
type TestDB struct {
	Store    *storage.SQLiteStorage
	t        *testing.T
	Patterns patterns.Patterns
}

// SetupTestDB creates a new in-memory store and seeds it using configure.
// Cleanup is registered with t.
//
// Example:
//
//	db := testutil.SetupTestDB(t, func(b patterns.Builder) patterns.Builder {
//		return b.WithFixture(patterns.FixtureCoffee)
//	})
func SetupTestDB(t *testing.T, configure func(patterns.Builder) patterns.Builder) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	builder := patterns.NewBuilder(t)
	if configure != nil {
		builder = configure(builder)
	}
	seeded, err := builder.Build(ctx, store)
	if err != nil {
		t.Fatalf("failed to seed patterns: %v", err)
	}

	return &TestDB{
		Store:    store,
		Patterns: seeded,
		t:        t,
	}
}

// MustPattern returns the seeded pattern with value or fails the test.
func (db *TestDB) MustPattern(value string) int64 {
	db.t.Helper()
	return db.Patterns.MustFind(db.t, value).ID
}
