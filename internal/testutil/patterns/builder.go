// Package patterns provides test infrastructure for seeding pattern stores.
// It offers a fluent API for declaring patterns and predefined fixtures for
// common matching scenarios.
//
// Example usage:
//
//	db := testutil.SetupTestDB(t, func(b patterns.Builder) patterns.Builder {
//		return b.WithFixture(patterns.FixtureCoffee).
//			WithMerchant("uber", patterns.CategoryTransportation)
//	})
package patterns

import (
	"context"
	"fmt"
	"testing"

	"github.com/Veraticus/spice-categorizer/internal/model"
	"github.com/Veraticus/spice-categorizer/internal/service"
)

// Builder provides a fluent interface for constructing test patterns.
type Builder interface {
	// WithMerchant adds a merchant pattern with default weight.
	WithMerchant(value string, category CategoryName) Builder

	// WithKeyword adds a keyword pattern with default weight.
	WithKeyword(value string, category CategoryName) Builder

	// WithPattern adds a fully specified pattern.
	WithPattern(p model.Pattern) Builder

	// WithFixture adds every pattern of a predefined fixture.
	WithFixture(fixture Fixture) Builder

	// Build saves the patterns in declaration order and returns them with their ids.
	Build(ctx context.Context, store service.PatternStore) (Patterns, error)
}

// CategoryName is a strongly-typed category id used in fixtures.
type CategoryName string

// String returns the category id.
func (c CategoryName) String() string {
	return string(c)
}

// Category ids used across tests.
const (
	CategoryCoffee         CategoryName = "coffee"
	CategoryDining         CategoryName = "dining"
	CategoryGroceries      CategoryName = "groceries"
	CategoryTransportation CategoryName = "transportation"
	CategorySubscriptions  CategoryName = "subscriptions"
	CategoryFitness        CategoryName = "fitness"
	CategoryUtilities      CategoryName = "utilities"
)

// Patterns is a collection of saved test patterns.
type Patterns []model.Pattern

// Find returns the pattern with the given value, or nil if not found.
func (p Patterns) Find(value string) *model.Pattern {
	for i := range p {
		if p[i].Value == value {
			return &p[i]
		}
	}
	return nil
}

// MustFind returns the pattern with the given value or fails the test.
func (p Patterns) MustFind(t *testing.T, value string) model.Pattern {
	t.Helper()
	found := p.Find(value)
	if found == nil {
		t.Fatalf("pattern %q not found in test data", value)
	}
	return *found
}

// IDs returns the ids of all patterns.
func (p Patterns) IDs() []int64 {
	ids := make([]int64, len(p))
	for i := range p {
		ids[i] = p[i].ID
	}
	return ids
}

type patternBuilder struct {
	t        *testing.T
	patterns []model.Pattern
}

// NewBuilder creates a new pattern builder for the given test.
func NewBuilder(t *testing.T) Builder {
	t.Helper()
	return &patternBuilder{t: t}
}

func (b *patternBuilder) WithMerchant(value string, category CategoryName) Builder {
	return b.WithPattern(Pattern(model.PatternMerchant, value, category))
}

func (b *patternBuilder) WithKeyword(value string, category CategoryName) Builder {
	return b.WithPattern(Pattern(model.PatternKeyword, value, category))
}

func (b *patternBuilder) WithPattern(p model.Pattern) Builder {
	b.patterns = append(b.patterns, p)
	return b
}

func (b *patternBuilder) WithFixture(fixture Fixture) Builder {
	for _, p := range fixture.Patterns() {
		b.WithPattern(p)
	}
	return b
}

func (b *patternBuilder) Build(ctx context.Context, store service.PatternStore) (Patterns, error) {
	b.t.Helper()

	result := make(Patterns, 0, len(b.patterns))
	for _, p := range b.patterns {
		if err := store.SavePattern(ctx, &p); err != nil {
			return nil, fmt.Errorf("failed to save pattern %q: %w", p.Value, err)
		}
		result = append(result, p)
	}
	return result, nil
}

// Pattern returns an active pattern with default weight and no history.
func Pattern(t model.PatternType, value string, category CategoryName) model.Pattern {
	return model.Pattern{
		Type:             t,
		Value:            value,
		CategoryID:       category.String(),
		ConfidenceWeight: model.DefaultConfidenceWeight,
		Active:           true,
	}
}

// WithHistory returns p with the given weight and counts.
func WithHistory(p model.Pattern, weight float64, usage, success int) model.Pattern {
	p.ConfidenceWeight = weight
	p.UsageCount = usage
	p.SuccessCount = success
	return p
}
