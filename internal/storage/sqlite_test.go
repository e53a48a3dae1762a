package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/service"
)

var baseTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// createTestStorage opens a migrated file-backed store pinned to baseTime.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "patterns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	store.SetClock(func() time.Time { return baseTime })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newPattern(t model.PatternType, value, category string) *model.Pattern {
	return &model.Pattern{
		Type:             t,
		Value:            value,
		CategoryID:       category,
		ConfidenceWeight: model.DefaultConfidenceWeight,
		Active:           true,
	}
}

func savePattern(t *testing.T, store *SQLiteStorage, p *model.Pattern) *model.Pattern {
	t.Helper()
	require.NoError(t, store.SavePattern(context.Background(), p))
	require.NotZero(t, p.ID)
	return p
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	version, err := store.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExpectedSchemaVersion, version)

	// Running again is a no-op.
	require.NoError(t, store.Migrate(ctx))

	for _, table := range []string{"patterns", "composite_patterns", "user_preferences",
		"correction_tallies", "learning_events", "pattern_merges"} {
		var n int
		err := store.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "table %s", table)
	}
}

func TestNewSQLiteStorage_InMemory(t *testing.T) {
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	require.NoError(t, store.Migrate(context.Background()))
	caps := store.Capabilities()
	assert.Equal(t, store.compiledWithFTS5(context.Background()), caps.FTS5)
	assert.Equal(t, caps, store.Capabilities())

	_, err = NewSQLiteStorage("  ")
	require.ErrorIs(t, err, ErrEmptyString)
}

func TestSavePattern(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		pattern *model.Pattern
		wantErr error
		name    string
	}{
		{
			name:    "merchant pattern",
			pattern: newPattern(model.PatternMerchant, "Starbucks", "coffee"),
		},
		{
			name:    "amount range",
			pattern: newPattern(model.PatternAmountRange, "5..15", "coffee"),
		},
		{
			name:    "bad regex",
			pattern: newPattern(model.PatternRegex, "(unclosed", "coffee"),
			wantErr: model.ErrInvalid,
		},
		{
			name: "weight above ceiling",
			pattern: func() *model.Pattern {
				p := newPattern(model.PatternKeyword, "latte", "coffee")
				p.ConfidenceWeight = 7
				return p
			}(),
			wantErr: model.ErrInvalid,
		},
		{
			name:    "nil pattern",
			wantErr: ErrNilParameter,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := createTestStorage(t)
			err := store.SavePattern(ctx, tt.pattern)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			loaded, err := store.LoadPattern(ctx, tt.pattern.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.pattern.Type, loaded.Type)
			assert.Equal(t, tt.pattern.Value, loaded.Value)
			assert.True(t, loaded.Active)
			assert.True(t, loaded.CreatedAt.Equal(baseTime))
		})
	}
}

func TestSavePattern_LiveValuesAreUnique(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	first := savePattern(t, store, newPattern(model.PatternMerchant, "uber", "transport"))

	err := store.SavePattern(ctx, newPattern(model.PatternMerchant, "uber", "transport"))
	require.ErrorIs(t, err, common.ErrDuplicateEntry)

	// The same value in another category is a different pattern.
	savePattern(t, store, newPattern(model.PatternMerchant, "uber", "food"))

	// Once deactivated, the value can be reused.
	require.NoError(t, store.DeactivatePattern(ctx, first.ID))
	savePattern(t, store, newPattern(model.PatternMerchant, "uber", "transport"))
}

func TestLoadPattern_NotFound(t *testing.T) {
	store := createTestStorage(t)
	_, err := store.LoadPattern(context.Background(), 999)
	require.ErrorIs(t, err, common.ErrNotFound)

	_, err = store.LoadPattern(context.Background(), 0)
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestLoadPatternsByTypeAndCategory(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	strong := newPattern(model.PatternMerchant, "starbucks", "coffee")
	strong.ConfidenceWeight = 3
	savePattern(t, store, strong)
	savePattern(t, store, newPattern(model.PatternMerchant, "peets", "coffee"))
	savePattern(t, store, newPattern(model.PatternKeyword, "latte", "coffee"))
	inactive := savePattern(t, store, newPattern(model.PatternMerchant, "old cafe", "coffee"))
	require.NoError(t, store.DeactivatePattern(ctx, inactive.ID))

	merchants, err := store.LoadPatternsByType(ctx, model.PatternMerchant)
	require.NoError(t, err)
	require.Len(t, merchants, 2)
	assert.Equal(t, "starbucks", merchants[0].Value, "ordered by weight")

	coffee, err := store.ListPatterns(ctx, service.PatternFilter{CategoryID: "coffee"})
	require.NoError(t, err)
	assert.Len(t, coffee, 3)

	all, err := store.ListPatterns(ctx, service.PatternFilter{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	limited, err := store.ListPatterns(ctx, service.PatternFilter{Type: model.PatternMerchant, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = store.LoadPatternsByType(ctx, model.PatternType("bogus"))
	require.ErrorIs(t, err, model.ErrInvalid)
}

func TestListPatterns_Search(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	savePattern(t, store, newPattern(model.PatternMerchant, "Starbucks", "coffee"))
	savePattern(t, store, newPattern(model.PatternMerchant, "Starbucks Reserve", "coffee"))
	savePattern(t, store, newPattern(model.PatternMerchant, "peets", "coffee"))
	savePattern(t, store, newPattern(model.PatternKeyword, "star_bar", "dining"))

	tests := []struct {
		name   string
		filter service.PatternFilter
		want   []string
	}{
		{name: "substring ignores case", filter: service.PatternFilter{Search: "BUCKS"}, want: []string{"Starbucks", "Starbucks Reserve"}},
		{name: "short term", filter: service.PatternFilter{Search: "ee"}, want: []string{"peets"}},
		{name: "wildcards are literal", filter: service.PatternFilter{Search: "_"}, want: []string{"star_bar"}},
		{name: "combined with category", filter: service.PatternFilter{Search: "star", CategoryID: "dining"}, want: []string{"star_bar"}},
		{name: "blank search keeps everything", filter: service.PatternFilter{Search: "  "}, want: []string{"Starbucks", "Starbucks Reserve", "peets", "star_bar"}},
		{name: "no match", filter: service.PatternFilter{Search: "netflix"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListPatterns(ctx, tt.filter)
			require.NoError(t, err)
			var values []string
			for _, p := range got {
				values = append(values, p.Value)
			}
			assert.ElementsMatch(t, tt.want, values)
		})
	}
}

func TestSearchClause_FallsBackToLike(t *testing.T) {
	store := createTestStorage(t)
	store.search.Store(false)

	clause, args := store.searchClause("50%")
	assert.Contains(t, clause, "LIKE")
	assert.Equal(t, []any{`%50\%%`, `%50\%%`}, args)

	store.search.Store(true)
	clause, args = store.searchClause(`say "hi"`)
	assert.Contains(t, clause, "MATCH")
	assert.Equal(t, []any{`"say ""hi"""`}, args)

	clause, _ = store.searchClause("ab")
	assert.Contains(t, clause, "LIKE", "too short for the trigram index")
}

func TestLoadWarmPatterns(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	recentUse := baseTime.Add(-time.Hour)
	recent := newPattern(model.PatternMerchant, "recent", "a")
	recent.LastUsedAt = &recentUse
	savePattern(t, store, recent)

	frequent := newPattern(model.PatternMerchant, "frequent", "a")
	frequent.UsageCount, frequent.SuccessCount = 50, 40
	oldUse := baseTime.AddDate(0, -6, 0)
	frequent.LastUsedAt = &oldUse
	savePattern(t, store, frequent)

	cold := newPattern(model.PatternMerchant, "cold", "a")
	cold.LastUsedAt = &oldUse
	savePattern(t, store, cold)

	criteria := model.WarmCriteria{ActiveWithin: 24 * time.Hour, MinUsage: 10, MinConfidenceWeight: 2}
	warm, err := store.LoadWarmPatterns(ctx, criteria, baseTime)
	require.NoError(t, err)
	require.Len(t, warm, 2)
	assert.Equal(t, "frequent", warm[0].Value)
	assert.Equal(t, "recent", warm[1].Value)

	criteria.Limit = 1
	warm, err = store.LoadWarmPatterns(ctx, criteria, baseTime)
	require.NoError(t, err)
	assert.Len(t, warm, 1)
}

func TestLoadStalePatterns(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	stale := savePattern(t, store, newPattern(model.PatternMerchant, "stale", "a"))
	used := baseTime.Add(48 * time.Hour)
	fresh := newPattern(model.PatternMerchant, "fresh", "a")
	fresh.LastUsedAt = &used
	savePattern(t, store, fresh)

	cutoff := baseTime.Add(24 * time.Hour)
	found, err := store.LoadStalePatterns(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, stale.ID, found[0].ID)

	// A pattern decayed after the cutoff is not returned again.
	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.ScaleConfidence(ctx, stale.ID, 0.9, cutoff.Add(time.Minute)))
	require.NoError(t, tx.Commit())

	found, err = store.LoadStalePatterns(ctx, cutoff)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestTouchPatterns(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	a := savePattern(t, store, newPattern(model.PatternMerchant, "a", "x"))
	b := savePattern(t, store, newPattern(model.PatternMerchant, "b", "x"))

	at := baseTime.Add(time.Hour)
	require.NoError(t, store.TouchPatterns(ctx, []int64{a.ID, b.ID}, at))
	require.NoError(t, store.TouchPatterns(ctx, nil, at))

	for _, id := range []int64{a.ID, b.ID} {
		p, err := store.LoadPattern(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, p.LastUsedAt)
		assert.True(t, p.LastUsedAt.Equal(at))
		assert.Zero(t, p.UsageCount, "touching does not count as usage")
	}
}

func TestTransaction_RecordOutcomeAndWeights(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)
	p := savePattern(t, store, newPattern(model.PatternMerchant, "starbucks", "coffee"))

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.RecordOutcome(ctx, p.ID, true, 0.15, baseTime))
	require.NoError(t, tx.RecordOutcome(ctx, p.ID, false, -0.25, baseTime))
	require.NoError(t, tx.RecordOutcome(ctx, p.ID, true, 10, baseTime))
	require.NoError(t, tx.Commit())

	loaded, err := store.LoadPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.UsageCount)
	assert.Equal(t, 2, loaded.SuccessCount)
	assert.InDelta(t, model.MaxConfidenceWeight, loaded.ConfidenceWeight, 1e-9, "clamped at ceiling")

	tx, err = store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.RecordOutcome(ctx, p.ID, false, -100, baseTime))
	require.NoError(t, tx.Commit())

	loaded, err = store.LoadPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, model.MinConfidenceWeight, loaded.ConfidenceWeight, 1e-9, "clamped at floor")
}

func TestTransaction_RollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)
	p := savePattern(t, store, newPattern(model.PatternMerchant, "starbucks", "coffee"))

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.RecordOutcome(ctx, p.ID, true, 0.15, baseTime))
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback(), "second rollback is harmless")

	loaded, err := store.LoadPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, loaded.UsageCount)
}

func TestTransaction_ConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)
	p := savePattern(t, store, newPattern(model.PatternMerchant, "starbucks", "coffee"))

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := store.BeginTx(ctx)
			if err != nil {
				errs <- err
				return
			}
			if err := tx.RecordOutcome(ctx, p.ID, true, 0.01, baseTime); err != nil {
				_ = tx.Rollback()
				errs <- err
				return
			}
			errs <- tx.Commit()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	loaded, err := store.LoadPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, workers, loaded.UsageCount)
	assert.Equal(t, workers, loaded.SuccessCount)
	assert.InDelta(t, 1.2, loaded.ConfidenceWeight, 1e-9)
}

func TestTransaction_ScaleConfidence(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)
	p := newPattern(model.PatternMerchant, "gym", "fitness")
	p.ConfidenceWeight = 3.0
	savePattern(t, store, p)

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.ScaleConfidence(ctx, p.ID, 0.9, baseTime))
	require.ErrorIs(t, tx.ScaleConfidence(ctx, p.ID, 1.5, baseTime), model.ErrInvalid)
	require.NoError(t, tx.Commit())

	loaded, err := store.LoadPattern(ctx, p.ID)
	require.NoError(t, err)
	assert.InDelta(t, 2.7, loaded.ConfidenceWeight, 1e-9)
	require.NotNil(t, loaded.LastDecayedAt)
	assert.True(t, loaded.LastDecayedAt.Equal(baseTime))
}

func TestTransaction_FindPattern(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)
	p := savePattern(t, store, newPattern(model.PatternMerchant, "Uber", "transport"))

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()

	found, err := tx.FindPattern(ctx, model.PatternMerchant, "uber", "transport")
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)

	_, err = tx.FindPattern(ctx, model.PatternMerchant, "uber", "food")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeactivatePattern_NotFound(t *testing.T) {
	store := createTestStorage(t)
	err := store.DeactivatePattern(context.Background(), 42)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestCompositeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	coffee := savePattern(t, store, newPattern(model.PatternMerchant, "starbucks", "coffee"))
	morning := savePattern(t, store, newPattern(model.PatternTimeRange, "06:00-10:00", "coffee"))

	amount, err := model.ParseAmountRange("2..20")
	require.NoError(t, err)
	window, err := model.ParseTimeWindow("22:00-02:00")
	require.NoError(t, err)

	c := &model.CompositePattern{
		Name:             "weekday coffee",
		Operator:         model.OperatorAnd,
		CategoryID:       "coffee",
		PatternIDs:       []int64{coffee.ID, morning.ID},
		Amount:           amount,
		Weekdays:         []time.Weekday{time.Monday, time.Friday},
		Window:           &window,
		ConfidenceWeight: 1.5,
		Active:           true,
	}
	require.NoError(t, store.SaveComposite(ctx, c))
	require.NotZero(t, c.ID)

	loaded, err := store.LoadComposite(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.PatternIDs, loaded.PatternIDs)
	assert.Equal(t, c.Weekdays, loaded.Weekdays)
	require.NotNil(t, loaded.Window)
	assert.Equal(t, window, *loaded.Window)
	assert.True(t, loaded.Amount.Contains(decimal.NewFromInt(5)))
	assert.False(t, loaded.Amount.Contains(decimal.NewFromInt(25)))

	active, err := store.LoadActiveComposites(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	c.Active = false
	require.NoError(t, store.SaveComposite(ctx, c))
	active, err = store.LoadActiveComposites(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestSaveComposite_RejectsMixedCategories(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	coffee := savePattern(t, store, newPattern(model.PatternMerchant, "starbucks", "coffee"))
	food := savePattern(t, store, newPattern(model.PatternMerchant, "chipotle", "food"))

	c := &model.CompositePattern{
		Name:             "lunch",
		Operator:         model.OperatorOr,
		CategoryID:       "coffee",
		PatternIDs:       []int64{coffee.ID, food.ID},
		ConfidenceWeight: 1,
		Active:           true,
	}
	err := store.SaveComposite(ctx, c)
	require.ErrorIs(t, err, model.ErrInvalid)
	assert.Contains(t, err.Error(), "food")

	c.Ambiguous = true
	require.NoError(t, store.SaveComposite(ctx, c))

	c.ID = 0
	c.Name = "missing member"
	c.PatternIDs = []int64{999}
	require.ErrorIs(t, store.SaveComposite(ctx, c), common.ErrNotFound)
}
