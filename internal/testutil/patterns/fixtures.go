package patterns

import "github.com/Veraticus/spice-categorizer/internal/model"

// Fixture is a predefined set of patterns for a matching scenario.
type Fixture interface {
	// Name returns the fixture's descriptive name.
	Name() string

	// Patterns returns the fixture's patterns, unsaved.
	Patterns() []model.Pattern
}

type fixture struct {
	name     string
	patterns []model.Pattern
}

func (f *fixture) Name() string { return f.name }

func (f *fixture) Patterns() []model.Pattern {
	out := make([]model.Pattern, len(f.patterns))
	copy(out, f.patterns)
	return out
}

// Predefined fixtures.
var (
	// FixtureCoffee holds a strong, well-used starbucks pattern and weaker neighbors.
	FixtureCoffee = &fixture{
		name: "Coffee",
		patterns: []model.Pattern{
			WithHistory(Pattern(model.PatternMerchant, "starbucks", CategoryCoffee), 2.0, 20, 18),
			WithHistory(Pattern(model.PatternMerchant, "peets coffee", CategoryCoffee), 1.0, 4, 3),
			Pattern(model.PatternKeyword, "latte", CategoryCoffee),
		},
	}

	// FixtureEveryday covers several common categories.
	FixtureEveryday = &fixture{
		name: "Everyday",
		patterns: []model.Pattern{
			WithHistory(Pattern(model.PatternMerchant, "whole foods", CategoryGroceries), 1.5, 12, 11),
			WithHistory(Pattern(model.PatternMerchant, "trader joes", CategoryGroceries), 1.5, 10, 9),
			WithHistory(Pattern(model.PatternMerchant, "chipotle", CategoryDining), 1.2, 8, 7),
			WithHistory(Pattern(model.PatternMerchant, "netflix", CategorySubscriptions), 2.5, 24, 24),
			WithHistory(Pattern(model.PatternMerchant, "planet fitness", CategoryFitness), 1.0, 6, 5),
			Pattern(model.PatternKeyword, "electric", CategoryUtilities),
			Pattern(model.PatternAmountRange, "9.99..9.99", CategorySubscriptions),
		},
	}
)

// NewCompositeFixture combines fixtures.
func NewCompositeFixture(name string, fixtures ...Fixture) Fixture {
	var all []model.Pattern
	for _, f := range fixtures {
		all = append(all, f.Patterns()...)
	}
	return &fixture{name: name, patterns: all}
}
