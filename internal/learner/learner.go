package learner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Veraticus/spice-categorizer/internal/cache"
	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/metrics"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/service"
)

var tracer = otel.Tracer("github.com/Veraticus/spice-categorizer/internal/learner")

// maxMergeHops bounds how far merged_into links are followed.
const maxMergeHops = 8

// Invalidator drops cached state derived from the store.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

// Normalizer canonicalizes merchant and description text.
type Normalizer interface {
	Normalize(raw string) string
}

type nopInvalidator struct{}

func (nopInvalidator) Invalidate(context.Context, ...string) error { return nil }

// Option configures a Learner.
type Option func(*Learner)

// WithMetrics reports learning outcomes to sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(l *Learner) { l.sink = metrics.OrNop(sink) }
}

// WithClock overrides the time source used to stamp mutations.
func WithClock(now func() time.Time) Option {
	return func(l *Learner) { l.now = now }
}

// Learner applies feedback to the pattern store. It is safe for concurrent use;
// events for the same merchant are serialized, others run in parallel.
type Learner struct {
	store      service.PatternStore
	cache      Invalidator
	normalizer Normalizer
	sink       metrics.Sink
	locks      *keyedMutex
	now        func() time.Time
	cfg        Config
}

// New creates a Learner. A nil invalidator is allowed when nothing caches the store.
func New(store service.PatternStore, invalidator Invalidator, normalizer Normalizer, cfg Config, opts ...Option) (*Learner, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: learner needs a pattern store", common.ErrMissingConfig)
	}
	if normalizer == nil {
		return nil, fmt.Errorf("%w: learner needs a normalizer", common.ErrMissingConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrInvalidConfig, err)
	}
	if invalidator == nil {
		invalidator = nopInvalidator{}
	}

	l := &Learner{
		store:      store,
		cache:      invalidator,
		normalizer: normalizer,
		sink:       metrics.Nop{},
		locks:      newKeyedMutex(cfg.LockStripes),
		now:        time.Now,
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Config returns the learner configuration.
func (l *Learner) Config() Config {
	return l.cfg
}

// Result describes what one learning event changed.
type Result struct {
	// Created is the pattern created from repeated corrections, if any.
	Created     *model.Pattern
	Event       model.LearningEvent
	Updated     []int64
	Deactivated []int64
	// Keys are the cache keys invalidated for this event.
	Keys []string
	// Tally is the correction count toward a new pattern when none was created.
	Tally int
}

// Learn applies one feedback event in a single transaction, retrying the whole
// transaction on store or cache failures. Invalid events fail with common.ErrInvalidInput.
func (l *Learner) Learn(ctx context.Context, event model.LearningEvent) (*Result, error) {
	ctx, span := tracer.Start(ctx, "learner.Learn",
		trace.WithAttributes(attribute.String("learn.action", string(event.Action))))
	defer span.End()
	start := time.Now()

	ev, key, err := l.prepare(event)
	if err != nil {
		l.observe(event.Action, start, err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	unlock := l.locks.Lock(key)
	defer unlock()

	var result *Result
	err = common.WithRetry(ctx, func() error {
		var r *Result
		keys, err := l.runTx(ctx, func(tx service.PatternTx, keys *keySet) error {
			var err error
			r, err = l.apply(ctx, tx, ev, key, keys)
			return err
		})
		if err != nil {
			return err
		}
		r.Keys = keys
		result = r
		return nil
	}, l.cfg.Retry)

	l.observe(ev.Action, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("learn %s for %q: %w", ev.Action, key, err)
	}

	l.emit(result)
	slog.Debug("learned from feedback",
		"action", ev.Action,
		"merchant", key,
		"updated", result.Updated,
		"created", result.Created != nil,
		"tally", result.Tally)
	return result, nil
}

// prepare validates the event and fixes the fields that must stay stable across retries.
func (l *Learner) prepare(event model.LearningEvent) (model.LearningEvent, string, error) {
	ev := event.Resolved()
	if err := ev.Validate(); err != nil {
		return ev, "", fmt.Errorf("%w: %w", common.ErrInvalidInput, err)
	}

	key, _ := l.merchantKey(ev)
	if key == "" {
		return ev, "", fmt.Errorf("%w: event text normalizes to nothing", common.ErrInvalidInput)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	return ev, key, nil
}

// merchantKey returns the normalized merchant, or the normalized description when the
// merchant is empty, with the pattern type a pattern learned from it would have.
func (l *Learner) merchantKey(ev model.LearningEvent) (string, model.PatternType) {
	if key := l.normalizer.Normalize(ev.MerchantText); key != "" {
		return key, model.PatternMerchant
	}
	return l.normalizer.Normalize(ev.DescriptionText), model.PatternDescription
}

// runTx runs fn in a transaction and invalidates the keys it collected before and after commit.
// A failed invalidation before commit rolls the transaction back so the caller can retry it whole.
func (l *Learner) runTx(ctx context.Context, fn func(service.PatternTx, *keySet) error) ([]string, error) {
	tx, err := l.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	keys := newKeySet()
	if err := fn(tx, keys); err != nil {
		return nil, err
	}

	list := keys.list()
	if err := l.cache.Invalidate(ctx, list...); err != nil {
		return nil, fmt.Errorf("invalidate before commit: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	// Drops anything refilled from the pre-commit state by another process.
	if err := l.cache.Invalidate(ctx, list...); err != nil {
		slog.Warn("cache invalidation after commit failed, entries will expire by TTL",
			"keys", list, "error", err)
	}
	return list, nil
}

func (l *Learner) apply(ctx context.Context, tx service.PatternTx, ev model.LearningEvent, key string, keys *keySet) (*Result, error) {
	r := &Result{Event: ev}
	_, kind := l.merchantKey(ev)

	switch ev.Action {
	case model.ActionAccept:
		p, err := l.predicted(ctx, tx, ev, key, kind)
		if err != nil {
			return nil, err
		}
		if p != nil {
			if err := tx.RecordOutcome(ctx, p.ID, true, l.cfg.AcceptDelta, ev.Timestamp); err != nil {
				return nil, err
			}
			r.Updated = append(r.Updated, p.ID)
			r.Event.PatternID = &p.ID
			keys.addPattern(*p)
		}
		if err := l.prefer(ctx, tx, key, ev.PredictedCategory, ev.Timestamp, keys); err != nil {
			return nil, err
		}

	case model.ActionReject:
		p, err := l.predicted(ctx, tx, ev, key, kind)
		if err != nil {
			return nil, err
		}
		if p != nil {
			r.Event.PatternID = &p.ID
			if err := l.weaken(ctx, tx, r, *p, ev.Timestamp, keys); err != nil {
				return nil, err
			}
		}

	case model.ActionCorrect:
		p, err := l.predicted(ctx, tx, ev, key, kind)
		if err != nil {
			return nil, err
		}
		if p != nil {
			r.Event.PatternID = &p.ID
			if err := l.weaken(ctx, tx, r, *p, ev.Timestamp, keys); err != nil {
				return nil, err
			}
		}
		if err := l.reinforce(ctx, tx, r, ev, key, kind, keys); err != nil {
			return nil, err
		}
		if err := l.prefer(ctx, tx, key, ev.CorrectCategory, ev.Timestamp, keys); err != nil {
			return nil, err
		}
	}

	if err := tx.AppendLearningEvent(ctx, &r.Event); err != nil {
		return nil, err
	}
	return r, nil
}

// predicted finds the pattern behind the prediction: the event's pattern id when present,
// otherwise the live pattern for the merchant in the predicted category.
func (l *Learner) predicted(ctx context.Context, tx service.PatternTx, ev model.LearningEvent, key string, kind model.PatternType) (*model.Pattern, error) {
	if ev.PatternID != nil {
		p, err := tx.LoadPattern(ctx, *ev.PatternID)
		if errors.Is(err, common.ErrNotFound) {
			slog.Debug("feedback references a missing pattern", "pattern_id", *ev.PatternID)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return l.survivor(ctx, tx, p)
	}

	if ev.PredictedCategory == "" {
		return nil, nil
	}
	p, err := tx.FindPattern(ctx, kind, key, ev.PredictedCategory)
	if errors.Is(err, common.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

// survivor follows merged_into links to the pattern that now carries p's history.
// It returns nil when the chain ends at an inactive pattern.
func (l *Learner) survivor(ctx context.Context, tx service.PatternTx, p *model.Pattern) (*model.Pattern, error) {
	for hops := 0; !p.Active && p.MergedInto != nil && hops < maxMergeHops; hops++ {
		next, err := tx.LoadPattern(ctx, *p.MergedInto)
		if err != nil {
			return nil, err
		}
		p = next
	}
	if !p.Active {
		return nil, nil
	}
	return p, nil
}

func (l *Learner) weaken(ctx context.Context, tx service.PatternTx, r *Result, p model.Pattern, at time.Time, keys *keySet) error {
	if err := tx.RecordOutcome(ctx, p.ID, false, -l.cfg.RejectDelta, at); err != nil {
		return err
	}
	r.Updated = append(r.Updated, p.ID)
	keys.addPattern(p)

	deactivated, err := l.enforceFloor(ctx, tx, p.ID, at)
	if err != nil {
		return err
	}
	if deactivated {
		r.Deactivated = append(r.Deactivated, p.ID)
	}
	return nil
}

// reinforce boosts the merchant's pattern for the correct category, or counts the correction
// toward creating one.
func (l *Learner) reinforce(ctx context.Context, tx service.PatternTx, r *Result, ev model.LearningEvent, key string, kind model.PatternType, keys *keySet) error {
	existing, err := tx.FindPattern(ctx, kind, key, ev.CorrectCategory)
	switch {
	case err == nil:
		if err := tx.RecordOutcome(ctx, existing.ID, true, l.cfg.BoostDelta, ev.Timestamp); err != nil {
			return err
		}
		r.Updated = append(r.Updated, existing.ID)
		keys.addPattern(*existing)
		return nil
	case !errors.Is(err, common.ErrNotFound):
		return err
	}

	tally, err := tx.IncrementCorrectionTally(ctx, key, ev.CorrectCategory, ev.Timestamp)
	if err != nil {
		return err
	}
	r.Tally = tally
	if tally < l.cfg.MinCorrections {
		return nil
	}

	p := &model.Pattern{
		Type:             kind,
		Value:            key,
		NormalizedValue:  key,
		CategoryID:       ev.CorrectCategory,
		ConfidenceWeight: model.DefaultConfidenceWeight,
		Active:           true,
	}
	if err := tx.SavePattern(ctx, p); err != nil {
		return err
	}
	if err := tx.ClearCorrectionTally(ctx, key, ev.CorrectCategory); err != nil {
		return err
	}
	r.Created = p
	r.Tally = 0
	keys.addPattern(*p)
	return nil
}

func (l *Learner) prefer(ctx context.Context, tx service.PatternTx, key, category string, at time.Time, keys *keySet) error {
	if category == "" {
		return nil
	}
	err := tx.SaveUserPreference(ctx, &model.UserPreference{
		MerchantKey: key,
		CategoryID:  category,
		UpdatedAt:   at,
	})
	if err != nil {
		return err
	}
	keys.add(cache.PreferenceKey(key))
	return nil
}

// enforceFloor deactivates the pattern when it has enough usage and a success rate under the floor.
func (l *Learner) enforceFloor(ctx context.Context, tx service.PatternTx, id int64, at time.Time) (bool, error) {
	current, err := tx.LoadPattern(ctx, id)
	if err != nil {
		return false, err
	}
	if !l.belowFloor(*current) {
		return false, nil
	}
	if err := tx.DeactivatePattern(ctx, id, at); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Learner) belowFloor(p model.Pattern) bool {
	return p.Active &&
		p.UsageCount >= l.cfg.MinUsageForDeactivation &&
		p.SuccessRate() < l.cfg.MinSuccessRate
}

func (l *Learner) observe(action model.LearningAction, start time.Time, err error) {
	outcome := "ok"
	switch {
	case errors.Is(err, common.ErrInvalidInput):
		outcome = "invalid"
	case err != nil:
		outcome = "error"
	}
	l.sink.IncCounter(metrics.LearnOutcome, 1,
		metrics.Label("action", string(action)), metrics.Label("outcome", outcome))
	l.sink.ObserveDuration(metrics.LearnLatency, time.Since(start), metrics.Label("action", string(action)))
}

func (l *Learner) emit(r *Result) {
	if r.Created != nil {
		l.sink.IncCounter(metrics.PatternCreated, 1, metrics.Label("type", string(r.Created.Type)))
		slog.Info("created pattern from repeated corrections",
			"pattern_id", r.Created.ID, "value", r.Created.Value, "category", r.Created.CategoryID)
	}
	if n := len(r.Deactivated); n > 0 {
		l.sink.IncCounter(metrics.PatternDisabled, int64(n), metrics.Label("reason", "feedback"))
		slog.Info("deactivated underperforming patterns", "pattern_ids", r.Deactivated)
	}
}

// keySet collects cache keys in first-seen order.
type keySet struct {
	seen map[string]bool
	keys []string
}

func newKeySet() *keySet {
	return &keySet{seen: make(map[string]bool)}
}

func (k *keySet) add(keys ...string) {
	for _, key := range keys {
		if !k.seen[key] {
			k.seen[key] = true
			k.keys = append(k.keys, key)
		}
	}
}

func (k *keySet) addPattern(p model.Pattern) {
	k.add(cache.PatternKeys(p)...)
}

func (k *keySet) list() []string {
	out := make([]string, len(k.keys))
	copy(out, k.keys)
	return out
}
