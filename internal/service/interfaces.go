// Package service defines the collaborator interfaces the categorization engine depends on.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

// PatternFilter narrows a pattern listing.
type PatternFilter struct {
	Type            model.PatternType
	CategoryID      string
	// Search keeps patterns whose value or normalized value contains it, ignoring case.
	Search          string
	Limit           int
	IncludeInactive bool
}

// StoreCapabilities reports optional features of the backing database.
// FTS5 means ListPatterns answers searches from a full-text index instead of a table scan.
type StoreCapabilities struct {
	FTS5 bool
}

// PatternStore is the durable, authoritative collection of patterns.
// Lookups of a single missing record return common.ErrNotFound.
type PatternStore interface {
	// Pattern reads
	LoadPattern(ctx context.Context, id int64) (*model.Pattern, error)
	LoadPatternsByType(ctx context.Context, t model.PatternType) ([]model.Pattern, error)
	ListPatterns(ctx context.Context, filter PatternFilter) ([]model.Pattern, error)
	LoadWarmPatterns(ctx context.Context, criteria model.WarmCriteria, now time.Time) ([]model.Pattern, error)
	LoadStalePatterns(ctx context.Context, unusedSince time.Time) ([]model.Pattern, error)

	// Pattern writes outside the learning path
	SavePattern(ctx context.Context, pattern *model.Pattern) error
	TouchPatterns(ctx context.Context, ids []int64, at time.Time) error

	// Composite operations
	LoadComposite(ctx context.Context, id int64) (*model.CompositePattern, error)
	LoadActiveComposites(ctx context.Context) ([]model.CompositePattern, error)
	SaveComposite(ctx context.Context, composite *model.CompositePattern) error

	// Preferences and history
	LoadUserPreference(ctx context.Context, merchantKey string) (*model.UserPreference, error)
	ListLearningEvents(ctx context.Context, limit int) ([]model.LearningEvent, error)

	// Database management
	Capabilities() StoreCapabilities
	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (PatternTx, error)
	Close() error
}

// PatternTx groups the writes of one learning step. Counter updates are applied
// with in-place SQL arithmetic so concurrent transactions never lose increments.
type PatternTx interface {
	LoadPattern(ctx context.Context, id int64) (*model.Pattern, error)
	FindPattern(ctx context.Context, t model.PatternType, normalizedValue, categoryID string) (*model.Pattern, error)
	SavePattern(ctx context.Context, pattern *model.Pattern) error

	// RecordOutcome increments usage (and success when success is true) and shifts the weight by delta,
	// clamped to the allowed weight range.
	RecordOutcome(ctx context.Context, id int64, success bool, delta float64, at time.Time) error
	ScaleConfidence(ctx context.Context, id int64, factor float64, at time.Time) error
	DeactivatePattern(ctx context.Context, id int64, at time.Time) error

	// MergePatterns folds source into target. It reports false when source was already merged.
	MergePatterns(ctx context.Context, sourceID, targetID int64, at time.Time) (bool, error)

	SaveUserPreference(ctx context.Context, pref *model.UserPreference) error
	IncrementCorrectionTally(ctx context.Context, merchantKey, categoryID string, at time.Time) (int, error)
	ClearCorrectionTally(ctx context.Context, merchantKey, categoryID string) error
	AppendLearningEvent(ctx context.Context, event *model.LearningEvent) error

	Commit() error
	Rollback() error
}

// TransactionApplier owns transaction records and receives auto-applied categories.
type TransactionApplier interface {
	ApplyCategory(ctx context.Context, ref, categoryID string, confidence float64) error
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryOptions returns the retry policy used for learning transactions.
func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}
}
