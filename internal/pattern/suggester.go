package pattern

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

// Suggest collapses scored candidates into one suggestion per category, keeping each
// category's strongest evidence, and returns them ordered by confidence.
func Suggest(subject model.MatchSubject, candidates []model.MatchCandidate) model.Suggestions {
	ordered := make([]model.MatchCandidate, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return stronger(ordered[i], ordered[j])
	})

	suggestions := make(model.Suggestions, 0, len(ordered))
	seen := make(map[string]bool)

	for _, c := range ordered {
		if seen[c.CategoryID] {
			continue
		}
		seen[c.CategoryID] = true

		suggestion := model.CategorySuggestion{
			CategoryID: c.CategoryID,
			Confidence: c.Confidence,
			Similarity: c.Similarity,
			Reason:     Reason(subject, c),
		}
		switch {
		case c.Pattern != nil:
			suggestion.PatternID = c.Pattern.ID
			suggestion.PatternType = c.Pattern.Type
		case c.Composite != nil:
			suggestion.CompositeID = c.Composite.ID
		}
		suggestions = append(suggestions, suggestion)
	}

	suggestions.Sort()
	return suggestions
}

// stronger orders candidates by confidence, then similarity, then a stable rule identity.
func stronger(a, b model.MatchCandidate) bool {
	if a.Confidence.Value != b.Confidence.Value {
		return a.Confidence.Value > b.Confidence.Value
	}
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.Ref() < b.Ref()
}

// Reason creates a human-readable explanation for why a category was suggested.
func Reason(subject model.MatchSubject, c model.MatchCandidate) string {
	source := subject.RawMerchant
	if source == "" {
		source = subject.RawDescription
	}
	if source == "" {
		source = subject.Text()
	}

	reason := fmt.Sprintf("Transactions from %s", source)

	switch {
	case c.Pattern != nil:
		reason += patternClause(*c.Pattern, c.Similarity)
	case c.Composite != nil:
		reason += compositeClause(*c.Composite)
	}

	reason += fmt.Sprintf(" are usually categorized as %s", c.CategoryID)

	if f, ok := c.Confidence.Factor(model.SignalUserPreference); ok && f.Value == 1 {
		reason += "; you picked this category for this merchant before"
	}

	return reason
}

func patternClause(p model.Pattern, similarity float64) string {
	switch p.Type {
	case model.PatternAmountRange:
		if r, err := model.ParseAmountRange(p.Value); err == nil {
			return " with amounts " + describeAmount(r)
		}
	case model.PatternRegex:
		return fmt.Sprintf(" matching /%s/ (pattern #%d)", p.Value, p.ID)
	case model.PatternTimeRange:
		return fmt.Sprintf(" made between %s (pattern #%d)", strings.Replace(p.Value, "-", " and ", 1), p.ID)
	}

	clause := fmt.Sprintf(" matching %s '%s' (pattern #%d", p.Type, p.MatchValue(), p.ID)
	if similarity < 1 {
		clause += fmt.Sprintf(", similarity %.2f", similarity)
	}
	return clause + ")"
}

func compositeClause(c model.CompositePattern) string {
	clause := fmt.Sprintf(" matching rule %q", c.Name)
	if !c.Amount.IsZero() {
		clause += " with amounts " + describeAmount(c.Amount)
	}
	if c.Window != nil {
		clause += " made between " + strings.Replace(c.Window.String(), "-", " and ", 1)
	}
	if len(c.Weekdays) > 0 {
		days := make([]string, len(c.Weekdays))
		for i, d := range c.Weekdays {
			days[i] = d.String()[:3]
		}
		clause += " on " + strings.Join(days, "/")
	}
	return clause
}

func describeAmount(r model.AmountRange) string {
	switch {
	case r.Min.Valid && r.Max.Valid && r.Min.Decimal.Equal(r.Max.Decimal):
		return fmt.Sprintf("of $%s", r.Min.Decimal.StringFixed(2))
	case r.Min.Valid && r.Max.Valid:
		return fmt.Sprintf("between $%s and $%s", r.Min.Decimal.StringFixed(2), r.Max.Decimal.StringFixed(2))
	case r.Min.Valid:
		return fmt.Sprintf("over $%s", r.Min.Decimal.StringFixed(2))
	default:
		return fmt.Sprintf("under $%s", r.Max.Decimal.StringFixed(2))
	}
}
