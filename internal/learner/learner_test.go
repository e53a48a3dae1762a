package learner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/spice-categorizer/internal/cache"
	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/metrics"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/normalize"
	"github.com/Veraticus/spice-categorizer/internal/service"
	"github.com/Veraticus/spice-categorizer/internal/testutil"
	"github.com/Veraticus/spice-categorizer/internal/testutil/patterns"
)

var baseTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type learnerEnv struct {
	db      *testutil.TestDB
	cache   *cache.PatternCache
	sink    *testutil.RecordingSink
	learner *Learner
}

func fastRetry() service.RetryOptions {
	return service.RetryOptions{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func newLearnerEnv(t *testing.T, configure func(patterns.Builder) patterns.Builder, inv Invalidator) *learnerEnv {
	t.Helper()

	db := testutil.SetupTestDB(t, configure)
	pc, err := cache.New(db.Store, cache.DefaultConfig())
	require.NoError(t, err)

	norm, err := normalize.New(normalize.DefaultConfig())
	require.NoError(t, err)

	if inv == nil {
		inv = pc
	}

	cfg := DefaultConfig()
	cfg.Retry = fastRetry()
	sink := testutil.NewRecordingSink()
	l, err := New(db.Store, inv, norm, cfg,
		WithMetrics(sink),
		WithClock(func() time.Time { return baseTime }))
	require.NoError(t, err)

	return &learnerEnv{db: db, cache: pc, sink: sink, learner: l}
}

func (e *learnerEnv) pattern(t *testing.T, id int64) model.Pattern {
	t.Helper()
	p, err := e.db.Store.LoadPattern(context.Background(), id)
	require.NoError(t, err)
	return *p
}

func correction(merchant, predicted, correct string) model.LearningEvent {
	return model.LearningEvent{
		MerchantText:      merchant,
		PredictedCategory: predicted,
		CorrectCategory:   correct,
		Action:            model.ActionCorrect,
	}
}

func accept(merchant, predicted string) model.LearningEvent {
	return model.LearningEvent{
		MerchantText:      merchant,
		PredictedCategory: predicted,
		Action:            model.ActionAccept,
	}
}

func TestNew_Validation(t *testing.T) {
	db := testutil.SetupTestDB(t, nil)
	norm, err := normalize.New(normalize.DefaultConfig())
	require.NoError(t, err)

	_, err = New(nil, nil, norm, DefaultConfig())
	assert.ErrorIs(t, err, common.ErrMissingConfig)

	_, err = New(db.Store, nil, nil, DefaultConfig())
	assert.ErrorIs(t, err, common.ErrMissingConfig)

	cfg := DefaultConfig()
	cfg.DecayFactor = 1.5
	_, err = New(db.Store, nil, norm, cfg)
	assert.ErrorIs(t, err, common.ErrInvalidConfig)

	l, err := New(db.Store, nil, norm, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, l.Config().MinCorrections)
}

func TestLearner_CorrectionsCreatePattern(t *testing.T) {
	ctx := context.Background()
	env := newLearnerEnv(t, nil, nil)
	transportation := patterns.CategoryTransportation.String()

	first, err := env.learner.Learn(ctx, correction("UBER", "", transportation))
	require.NoError(t, err)
	assert.Nil(t, first.Created)
	assert.Equal(t, 1, first.Tally)

	listed, err := env.db.Store.ListPatterns(ctx, service.PatternFilter{CategoryID: transportation})
	require.NoError(t, err)
	assert.Empty(t, listed, "one correction must not create a pattern")

	second, err := env.learner.Learn(ctx, correction("Uber", "", transportation))
	require.NoError(t, err)
	assert.Nil(t, second.Created)
	assert.Equal(t, 2, second.Tally)

	third, err := env.learner.Learn(ctx, correction("uber", "", transportation))
	require.NoError(t, err)
	require.NotNil(t, third.Created)

	created := env.pattern(t, third.Created.ID)
	assert.Equal(t, model.PatternMerchant, created.Type)
	assert.Equal(t, "uber", created.Value)
	assert.Equal(t, transportation, created.CategoryID)
	assert.True(t, created.Active)
	assert.False(t, created.UserCreated)
	assert.InDelta(t, model.DefaultConfidenceWeight, created.ConfidenceWeight, 1e-9)

	tally, err := env.db.Store.CorrectionTally(ctx, "uber", transportation)
	require.NoError(t, err)
	assert.Zero(t, tally)

	assert.Contains(t, third.Keys, cache.PatternKey(created.ID))
	assert.Contains(t, third.Keys, cache.TypeKey(model.PatternMerchant))
	assert.Contains(t, third.Keys, cache.PreferenceKey("uber"))
	assert.Equal(t, int64(1), env.sink.Counter(metrics.PatternCreated))

	pref, err := env.db.Store.LoadUserPreference(ctx, "uber")
	require.NoError(t, err)
	assert.Equal(t, transportation, pref.CategoryID)
	assert.Equal(t, 3, pref.Count)
}

func TestLearner_DescriptionOnlyCorrections(t *testing.T) {
	ctx := context.Background()
	env := newLearnerEnv(t, nil, nil)

	var last *Result
	for i := 0; i < 3; i++ {
		var err error
		last, err = env.learner.Learn(ctx, model.LearningEvent{
			DescriptionText: "CITY WATER DEPT",
			CorrectCategory: patterns.CategoryUtilities.String(),
			Action:          model.ActionCorrect,
		})
		require.NoError(t, err)
	}

	require.NotNil(t, last.Created)
	assert.Equal(t, model.PatternDescription, last.Created.Type)
}

func TestLearner_AcceptStrengthens(t *testing.T) {
	ctx := context.Background()
	env := newLearnerEnv(t, func(b patterns.Builder) patterns.Builder {
		return b.WithFixture(patterns.FixtureCoffee)
	}, nil)
	id := env.db.MustPattern("starbucks")

	result, err := env.learner.Learn(ctx, accept("STARBUCKS #4521", "coffee"))
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, result.Updated)
	require.NotNil(t, result.Event.PatternID)
	assert.Equal(t, id, *result.Event.PatternID)

	p := env.pattern(t, id)
	assert.InDelta(t, 2.15, p.ConfidenceWeight, 1e-9)
	assert.Equal(t, 21, p.UsageCount)
	assert.Equal(t, 19, p.SuccessCount)
	require.NotNil(t, p.LastUsedAt)
	assert.True(t, p.LastUsedAt.Equal(baseTime))

	events, err := env.db.Store.ListLearningEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ActionAccept, events[0].Action)
	assert.NotEmpty(t, events[0].ID)

	assert.Equal(t, int64(1), env.sink.CounterWith(metrics.LearnOutcome,
		metrics.Label("action", "accept"), metrics.Label("outcome", "ok")))
}

func TestLearner_CorrectWeakensPredictedAndBoostsCorrect(t *testing.T) {
	ctx := context.Background()
	env := newLearnerEnv(t, func(b patterns.Builder) patterns.Builder {
		return b.WithMerchant("uber", patterns.CategoryDining).
			WithMerchant("uber", patterns.CategoryTransportation)
	}, nil)
	dining := env.db.Patterns[0].ID
	transport := env.db.Patterns[1].ID

	result, err := env.learner.Learn(ctx, correction("UBER", "dining", "transportation"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{dining, transport}, result.Updated)
	assert.Nil(t, result.Created)
	assert.Zero(t, result.Tally)

	weakened := env.pattern(t, dining)
	assert.InDelta(t, 0.75, weakened.ConfidenceWeight, 1e-9)
	assert.Equal(t, 1, weakened.UsageCount)
	assert.Equal(t, 0, weakened.SuccessCount)

	boosted := env.pattern(t, transport)
	assert.InDelta(t, 1.15, boosted.ConfidenceWeight, 1e-9)
	assert.Equal(t, 1, boosted.UsageCount)
	assert.Equal(t, 1, boosted.SuccessCount)
}

func TestLearner_CorrectToPredictedIsAccept(t *testing.T) {
	ctx := context.Background()
	env := newLearnerEnv(t, func(b patterns.Builder) patterns.Builder {
		return b.WithFixture(patterns.FixtureCoffee)
	}, nil)

	result, err := env.learner.Learn(ctx, correction("starbucks", "coffee", "coffee"))
	require.NoError(t, err)
	assert.Equal(t, model.ActionAccept, result.Event.Action)
	assert.InDelta(t, 2.15, env.pattern(t, env.db.MustPattern("starbucks")).ConfidenceWeight, 1e-9)
}

func TestLearner_RejectDeactivatesUnderperformer(t *testing.T) {
	ctx := context.Background()
	env := newLearnerEnv(t, func(b patterns.Builder) patterns.Builder {
		return b.WithPattern(patterns.WithHistory(
			patterns.Pattern(model.PatternMerchant, "corner store", patterns.CategoryGroceries), 1.0, 9, 2))
	}, nil)
	id := env.db.MustPattern("corner store")

	result, err := env.learner.Learn(ctx, model.LearningEvent{
		MerchantText:      "Corner Store",
		PredictedCategory: "groceries",
		Action:            model.ActionReject,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, result.Deactivated)

	p := env.pattern(t, id)
	assert.False(t, p.Active)
	assert.Equal(t, 10, p.UsageCount)
	assert.InDelta(t, 0.75, p.ConfidenceWeight, 1e-9)
	assert.Equal(t, int64(1), env.sink.CounterWith(metrics.PatternDisabled, metrics.Label("reason", "feedback")))
}

func TestLearner_RejectWithoutPatternOnlyRecords(t *testing.T) {
	ctx := context.Background()
	env := newLearnerEnv(t, nil, nil)

	result, err := env.learner.Learn(ctx, model.LearningEvent{
		MerchantText:      "mystery vendor",
		PredictedCategory: "dining",
		Action:            model.ActionReject,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Updated)
	assert.Nil(t, result.Event.PatternID)

	events, err := env.db.Store.ListLearningEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestLearner_InvalidEvents(t *testing.T) {
	env := newLearnerEnv(t, nil, nil)

	tests := []struct {
		name  string
		event model.LearningEvent
	}{
		{name: "no text", event: model.LearningEvent{Action: model.ActionCorrect, CorrectCategory: "dining"}},
		{name: "accept without prediction", event: model.LearningEvent{Action: model.ActionAccept, MerchantText: "x"}},
		{name: "unknown action", event: model.LearningEvent{Action: "shrug", MerchantText: "x"}},
		{name: "text normalizes to nothing", event: correction("#1234", "", "dining")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.learner.Learn(context.Background(), tt.event)
			assert.ErrorIs(t, err, common.ErrInvalidInput)
		})
	}
	assert.Equal(t, int64(len(tests)), env.sink.Counter(metrics.LearnOutcome))
}

func TestLearner_InvalidatesTouchedKeys(t *testing.T) {
	ctx := context.Background()
	env := newLearnerEnv(t, func(b patterns.Builder) patterns.Builder {
		return b.WithFixture(patterns.FixtureCoffee)
	}, nil)
	id := env.db.MustPattern("starbucks")

	before, err := env.cache.Get(ctx, id)
	require.NoError(t, err)
	require.InDelta(t, 2.0, before.ConfidenceWeight, 1e-9)
	merchants, err := env.cache.GetByType(ctx, model.PatternMerchant)
	require.NoError(t, err)
	require.Len(t, merchants, 2)

	result, err := env.learner.Learn(ctx, accept("starbucks", "coffee"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		cache.PatternKey(id),
		cache.TypeKey(model.PatternMerchant),
		cache.PreferenceKey("starbucks"),
	}, result.Keys)

	after, err := env.cache.Get(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 2.15, after.ConfidenceWeight, 1e-9)
}

// flakyInvalidator fails the first failures calls.
type flakyInvalidator struct {
	calls    atomic.Int64
	failures int64
}

func (f *flakyInvalidator) Invalidate(_ context.Context, _ ...string) error {
	if f.calls.Add(1) <= f.failures {
		return fmt.Errorf("invalidate: %w", common.ErrCacheUnavailable)
	}
	return nil
}

func TestLearner_RetriesWholeTransactionWhenInvalidationFails(t *testing.T) {
	ctx := context.Background()
	inv := &flakyInvalidator{failures: 1}
	env := newLearnerEnv(t, func(b patterns.Builder) patterns.Builder {
		return b.WithFixture(patterns.FixtureCoffee)
	}, inv)
	id := env.db.MustPattern("starbucks")

	_, err := env.learner.Learn(ctx, accept("starbucks", "coffee"))
	require.NoError(t, err)

	p := env.pattern(t, id)
	assert.InDelta(t, 2.15, p.ConfidenceWeight, 1e-9, "the failed attempt must be rolled back")
	assert.Equal(t, 21, p.UsageCount)

	events, err := env.db.Store.ListLearningEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	// failed pre-commit, then pre- and post-commit
	assert.Equal(t, int64(3), inv.calls.Load())
}

func TestLearner_SurfacesPersistentInvalidationFailure(t *testing.T) {
	ctx := context.Background()
	inv := &flakyInvalidator{failures: 100}
	env := newLearnerEnv(t, func(b patterns.Builder) patterns.Builder {
		return b.WithFixture(patterns.FixtureCoffee)
	}, inv)
	id := env.db.MustPattern("starbucks")

	_, err := env.learner.Learn(ctx, accept("starbucks", "coffee"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrCacheUnavailable))
	assert.True(t, common.IsRetryable(err))

	p := env.pattern(t, id)
	assert.InDelta(t, 2.0, p.ConfidenceWeight, 1e-9)
	assert.Equal(t, 20, p.UsageCount)

	events, err := env.db.Store.ListLearningEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(1), env.sink.CounterWith(metrics.LearnOutcome,
		metrics.Label("action", "accept"), metrics.Label("outcome", "error")))
}

func TestLearner_FollowsMergedPattern(t *testing.T) {
	ctx := context.Background()
	env := newLearnerEnv(t, func(b patterns.Builder) patterns.Builder {
		return b.WithPattern(patterns.WithHistory(
			patterns.Pattern(model.PatternMerchant, "starbucks", patterns.CategoryCoffee), 2.0, 20, 18)).
			WithPattern(patterns.WithHistory(
				patterns.Pattern(model.PatternMerchant, "starbuck", patterns.CategoryCoffee), 1.0, 2, 2))
	}, nil)
	target := env.db.MustPattern("starbucks")
	source := env.db.MustPattern("starbuck")

	merged, err := env.learner.Merge(ctx, source, target)
	require.NoError(t, err)
	require.True(t, merged)

	result, err := env.learner.Learn(ctx, model.LearningEvent{
		MerchantText:      "starbuck",
		PredictedCategory: "coffee",
		PatternID:         &source,
		Action:            model.ActionAccept,
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{target}, result.Updated)
	assert.Equal(t, 23, env.pattern(t, target).UsageCount)
}

func TestLearner_ConcurrentAcceptsLoseNoIncrements(t *testing.T) {
	ctx := context.Background()
	env := newLearnerEnv(t, func(b patterns.Builder) patterns.Builder {
		return b.WithFixture(patterns.FixtureCoffee)
	}, nil)
	id := env.db.MustPattern("starbucks")

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.learner.Learn(ctx, accept("STARBUCKS", "coffee")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("learn failed: %v", err)
	}

	p := env.pattern(t, id)
	assert.Equal(t, 40, p.UsageCount)
	assert.Equal(t, 38, p.SuccessCount)
	assert.InDelta(t, model.MaxConfidenceWeight, p.ConfidenceWeight, 1e-9)
}
