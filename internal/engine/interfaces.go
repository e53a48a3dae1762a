package engine

import (
	"context"
	"time"

	"github.com/Veraticus/spice-categorizer/internal/learner"
	"github.com/Veraticus/spice-categorizer/internal/model"
)

// PatternSource serves the patterns a categorization looks at. The pattern cache implements it.
// Version must change whenever a value the source served may have changed.
type PatternSource interface {
	Version() uint64
	GetByType(ctx context.Context, t model.PatternType) ([]model.Pattern, error)
	GetMany(ctx context.Context, ids []int64) (map[int64]model.Pattern, error)
	ActiveComposites(ctx context.Context) ([]model.CompositePattern, error)
	GetUserPreference(ctx context.Context, merchantKey string) (*model.UserPreference, error)
}

// Feedback applies learning events. The learner implements it.
type Feedback interface {
	Learn(ctx context.Context, event model.LearningEvent) (*learner.Result, error)
	LearnBatch(ctx context.Context, events []model.LearningEvent, atomic bool) (*learner.BatchResult, error)
}

// Normalizer canonicalizes merchant and description text.
type Normalizer interface {
	Normalize(raw string) string
}

// UsageStore records when patterns were last used.
type UsageStore interface {
	TouchPatterns(ctx context.Context, ids []int64, at time.Time) error
}
