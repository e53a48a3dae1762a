// Package pattern evaluates predicate and composite patterns against a match subject
// and turns scored candidates into explained category suggestions.
package pattern

import (
	"github.com/Veraticus/spice-categorizer/internal/model"
)

// Matcher evaluates the non-text pattern types (amount_range, regex, time_range).
type Matcher interface {
	// Matches reports whether a single predicate pattern holds for the subject.
	Matches(subject model.MatchSubject, p model.Pattern) bool
	// Match returns the patterns that hold, strongest weight first.
	Match(subject model.MatchSubject, patterns []model.Pattern) []model.Pattern
}

// CompositeEvaluator decides whether a composite pattern is satisfied.
type CompositeEvaluator interface {
	MatchComposite(subject model.MatchSubject, c model.CompositePattern, members map[int64]model.Pattern, text TextScorer) (CompositeMatch, bool)
}

// TextScorer returns the similarity of the subject's text to a text pattern, in [0,1].
type TextScorer func(p model.Pattern) float64

// CompositeMatch describes how a composite was satisfied.
type CompositeMatch struct {
	// Members are the resolved member patterns that held.
	Members []model.Pattern
	// Score is the mean similarity of the text members that held, or 1 when none are text.
	Score float64
}
