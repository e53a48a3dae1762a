package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/model"
)

func TestUserPreferences(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	_, err := store.LoadUserPreference(ctx, "starbucks")
	require.ErrorIs(t, err, common.ErrNotFound)

	steps := []struct {
		category  string
		wantCount int
	}{
		{category: "coffee", wantCount: 1},
		{category: "coffee", wantCount: 2},
		{category: "food", wantCount: 1},
	}
	for _, step := range steps {
		tx, err := store.BeginTx(ctx)
		require.NoError(t, err)
		pref := &model.UserPreference{MerchantKey: "starbucks", CategoryID: step.category}
		require.NoError(t, tx.SaveUserPreference(ctx, pref))
		require.NoError(t, tx.Commit())
		assert.Equal(t, step.wantCount, pref.Count)

		loaded, err := store.LoadUserPreference(ctx, "starbucks")
		require.NoError(t, err)
		assert.Equal(t, step.category, loaded.CategoryID)
		assert.Equal(t, step.wantCount, loaded.Count)
	}

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	require.ErrorIs(t, tx.SaveUserPreference(ctx, &model.UserPreference{MerchantKey: "x"}), ErrEmptyString)
	require.ErrorIs(t, tx.SaveUserPreference(ctx, nil), ErrNilParameter)
}

func TestCorrectionTallies(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	for want := 1; want <= 3; want++ {
		tx, err := store.BeginTx(ctx)
		require.NoError(t, err)
		got, err := tx.IncrementCorrectionTally(ctx, "uber", "transport", baseTime)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Equal(t, want, got)
	}

	other, err := store.CorrectionTally(ctx, "uber", "food")
	require.NoError(t, err)
	assert.Zero(t, other)

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.ClearCorrectionTally(ctx, "uber", "transport"))
	require.NoError(t, tx.Commit())

	count, err := store.CorrectionTally(ctx, "uber", "transport")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLearningEvents(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)
	p := savePattern(t, store, newPattern(model.PatternMerchant, "starbucks", "coffee"))

	events := []*model.LearningEvent{
		{
			PatternID:         &p.ID,
			ExpenseRef:        "exp-1",
			MerchantText:      "STARBUCKS #1",
			PredictedCategory: "coffee",
			Action:            model.ActionAccept,
			Timestamp:         baseTime,
		},
		{
			ExpenseRef:        "exp-2",
			MerchantText:      "UBER TRIP",
			PredictedCategory: "food",
			CorrectCategory:   "transport",
			Action:            model.ActionCorrect,
			Timestamp:         baseTime.Add(time.Hour),
		},
	}

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	for _, e := range events {
		require.NoError(t, tx.AppendLearningEvent(ctx, e))
		assert.NotEmpty(t, e.ID, "an id is assigned")
	}
	require.NoError(t, tx.Commit())

	listed, err := store.ListLearningEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "exp-2", listed[0].ExpenseRef, "newest first")
	assert.Nil(t, listed[0].PatternID)
	require.NotNil(t, listed[1].PatternID)
	assert.Equal(t, p.ID, *listed[1].PatternID)
	assert.Equal(t, model.ActionAccept, listed[1].Action)

	limited, err := store.ListLearningEvents(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestLearningEvents_AreImmutable(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	event := &model.LearningEvent{
		MerchantText:      "STARBUCKS",
		PredictedCategory: "coffee",
		Action:            model.ActionAccept,
	}
	require.NoError(t, tx.AppendLearningEvent(ctx, event))
	require.NoError(t, tx.Commit())

	_, err = store.db.ExecContext(ctx, "UPDATE learning_events SET action = 'reject' WHERE id = ?", event.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")
	require.ErrorIs(t, classify("update event", err), model.ErrInvalid)

	listed, err := store.ListLearningEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, model.ActionAccept, listed[0].Action)
}

func TestMergePatterns(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	targetUse := baseTime.Add(-48 * time.Hour)
	target := newPattern(model.PatternMerchant, "starbucks", "coffee")
	target.UsageCount, target.SuccessCount = 10, 8
	target.LastUsedAt = &targetUse
	savePattern(t, store, target)

	sourceUse := baseTime.Add(-time.Hour)
	source := newPattern(model.PatternMerchant, "starbuck", "coffee")
	source.UsageCount, source.SuccessCount = 4, 3
	source.LastUsedAt = &sourceUse
	savePattern(t, store, source)

	merge := func() bool {
		tx, err := store.BeginTx(ctx)
		require.NoError(t, err)
		merged, err := tx.MergePatterns(ctx, source.ID, target.ID, baseTime)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		return merged
	}

	assert.True(t, merge())
	assert.False(t, merge(), "merging twice is a no-op")

	loadedTarget, err := store.LoadPattern(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, 14, loadedTarget.UsageCount)
	assert.Equal(t, 11, loadedTarget.SuccessCount)
	require.NotNil(t, loadedTarget.LastUsedAt)
	assert.True(t, loadedTarget.LastUsedAt.Equal(sourceUse))

	loadedSource, err := store.LoadPattern(ctx, source.ID)
	require.NoError(t, err)
	assert.False(t, loadedSource.Active)
	require.NotNil(t, loadedSource.MergedInto)
	assert.Equal(t, target.ID, *loadedSource.MergedInto)

	history, err := store.MergeHistory(ctx, target.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 4, history[0].MovedUsage)
	assert.Equal(t, 3, history[0].MovedSuccess)
}

func TestMergePatterns_Rejects(t *testing.T) {
	ctx := context.Background()
	store := createTestStorage(t)

	a := savePattern(t, store, newPattern(model.PatternMerchant, "starbucks", "coffee"))
	b := savePattern(t, store, newPattern(model.PatternMerchant, "starbucks", "food"))
	c := savePattern(t, store, newPattern(model.PatternKeyword, "starbucks", "coffee"))

	tests := []struct {
		wantErr error
		name    string
		source  int64
		target  int64
	}{
		{name: "self merge", source: a.ID, target: a.ID, wantErr: model.ErrInvalid},
		{name: "different category", source: b.ID, target: a.ID, wantErr: model.ErrInvalid},
		{name: "different type", source: c.ID, target: a.ID, wantErr: model.ErrInvalid},
		{name: "missing target", source: a.ID, target: 999, wantErr: common.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := store.BeginTx(ctx)
			require.NoError(t, err)
			defer func() { _ = tx.Rollback() }()

			_, err = tx.MergePatterns(ctx, tt.source, tt.target, baseTime)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
