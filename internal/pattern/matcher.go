package pattern

import (
	"log/slog"
	"sort"

	"github.com/Veraticus/spice-categorizer/internal/common"
	"github.com/Veraticus/spice-categorizer/internal/model"
)

var (
	_ Matcher            = (*MatcherImpl)(nil)
	_ CompositeEvaluator = (*MatcherImpl)(nil)
)

// MatcherImpl implements Matcher and CompositeEvaluator.
// It holds no per-request state and is safe for concurrent use.
type MatcherImpl struct {
	// minText is the similarity a text member needs to count as holding inside a composite.
	minText float64
}

// NewMatcher creates a matcher. minText is the similarity floor for text members of composites.
func NewMatcher(minText float64) *MatcherImpl {
	return &MatcherImpl{minText: minText}
}

// Match evaluates the subject against every active predicate pattern and returns those that hold.
// Text patterns are skipped; they are scored by the similarity engine.
func (m *MatcherImpl) Match(subject model.MatchSubject, patterns []model.Pattern) []model.Pattern {
	var matches []model.Pattern

	for _, p := range patterns {
		if m.Matches(subject, p) {
			matches = append(matches, p)
		}
	}

	sortByWeight(matches)

	return matches
}

// Matches reports whether the predicate pattern p holds for subject.
func (m *MatcherImpl) Matches(subject model.MatchSubject, p model.Pattern) bool {
	if !p.Active {
		return false
	}

	switch p.Type {
	case model.PatternAmountRange:
		r, err := model.ParseAmountRange(p.Value)
		if err != nil {
			slog.Debug("skipping unparsable amount range", "pattern_id", p.ID, "error", err)
			return false
		}
		return r.Contains(subject.Amount)

	case model.PatternRegex:
		return matchesRegex(subject, p)

	case model.PatternTimeRange:
		if !subject.HasTimestamp() {
			return false
		}
		w, err := model.ParseTimeWindow(p.Value)
		if err != nil {
			slog.Debug("skipping unparsable time window", "pattern_id", p.ID, "error", err)
			return false
		}
		return w.Contains(subject.Timestamp)

	default:
		return false
	}
}

// matchesRegex tries the pattern case-insensitively against the raw and normalized texts.
func matchesRegex(subject model.MatchSubject, p model.Pattern) bool {
	re, err := common.CompileRegex("(?i)" + p.Value)
	if err != nil {
		slog.Debug("skipping invalid regex", "pattern_id", p.ID, "error", err)
		return false
	}

	for _, text := range []string{subject.RawMerchant, subject.RawDescription, subject.Merchant, subject.Description} {
		if text != "" && re.MatchString(text) {
			return true
		}
	}
	return false
}

// sortByWeight orders patterns by confidence weight, ties broken by id.
func sortByWeight(patterns []model.Pattern) {
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].ConfidenceWeight != patterns[j].ConfidenceWeight {
			return patterns[i].ConfidenceWeight > patterns[j].ConfidenceWeight
		}
		return patterns[i].ID < patterns[j].ID
	})
}
