package testutil

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/service"
)

// CountingStore wraps a PatternStore, counting read loads and optionally slowing them down
// so concurrent callers overlap.
type CountingStore struct {
	service.PatternStore
	loads atomic.Int64
	fail  atomic.Bool
	Delay time.Duration
}

// NewCountingStore wraps store.
func NewCountingStore(store service.PatternStore, delay time.Duration) *CountingStore {
	return &CountingStore{PatternStore: store, Delay: delay}
}

// Loads returns how many reads reached the wrapped store.
func (s *CountingStore) Loads() int64 {
	return s.loads.Load()
}

// FailReads makes every subsequent read fail with common.ErrStoreUnavailable.
func (s *CountingStore) FailReads(fail bool) {
	s.fail.Store(fail)
}

func (s *CountingStore) enter(ctx context.Context) error {
	s.loads.Add(1)
	if s.fail.Load() {
		return errStoreDown
	}
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// LoadPattern implements service.PatternStore.
func (s *CountingStore) LoadPattern(ctx context.Context, id int64) (*model.Pattern, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	return s.PatternStore.LoadPattern(ctx, id)
}

// LoadPatternsByType implements service.PatternStore.
func (s *CountingStore) LoadPatternsByType(ctx context.Context, t model.PatternType) ([]model.Pattern, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	return s.PatternStore.LoadPatternsByType(ctx, t)
}

// LoadActiveComposites implements service.PatternStore.
func (s *CountingStore) LoadActiveComposites(ctx context.Context) ([]model.CompositePattern, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	return s.PatternStore.LoadActiveComposites(ctx)
}

// LoadUserPreference implements service.PatternStore.
func (s *CountingStore) LoadUserPreference(ctx context.Context, merchantKey string) (*model.UserPreference, error) {
	if err := s.enter(ctx); err != nil {
		return nil, err
	}
	return s.PatternStore.LoadUserPreference(ctx, merchantKey)
}

var errStoreDown = common.StoreError("test store", errors.New("store offline"))
