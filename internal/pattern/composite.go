package pattern

import (
	"github.com/Veraticus/spice-categorizer/internal/model"
)

// maxMergeHops bounds how far merged_into links are followed.
const maxMergeHops = 8

// MatchComposite evaluates c against subject.
//
// AND holds when every member holds, OR when at least one does. NOT holds when the first
// member holds and none of the others do ("starbucks but not airport"). The composite's
// amount, weekday and time-window predicates must also hold; weekday and window predicates
// never hold for a subject without a timestamp. Members that were merged away resolve to
// their merge target; members missing from members do not hold.
func (m *MatcherImpl) MatchComposite(subject model.MatchSubject, c model.CompositePattern, members map[int64]model.Pattern, text TextScorer) (CompositeMatch, bool) {
	if !c.Active || len(c.PatternIDs) == 0 {
		return CompositeMatch{}, false
	}
	if !m.predicatesHold(subject, c) {
		return CompositeMatch{}, false
	}

	var (
		held   []model.Pattern
		scores []float64
	)
	eval := func(id int64) bool {
		p, ok := Resolve(id, members)
		if !ok {
			return false
		}
		score, ok := m.memberHolds(subject, p, text)
		if ok {
			held = append(held, p)
			if p.Type.IsText() {
				scores = append(scores, score)
			}
		}
		return ok
	}

	switch c.Operator {
	case model.OperatorAnd:
		for _, id := range c.PatternIDs {
			if !eval(id) {
				return CompositeMatch{}, false
			}
		}

	case model.OperatorOr:
		matched := false
		for _, id := range c.PatternIDs {
			if eval(id) {
				matched = true
			}
		}
		if !matched {
			return CompositeMatch{}, false
		}

	case model.OperatorNot:
		if !eval(c.PatternIDs[0]) {
			return CompositeMatch{}, false
		}
		for _, id := range c.PatternIDs[1:] {
			if eval(id) {
				return CompositeMatch{}, false
			}
		}

	default:
		return CompositeMatch{}, false
	}

	return CompositeMatch{Members: held, Score: mean(scores)}, true
}

func (m *MatcherImpl) predicatesHold(subject model.MatchSubject, c model.CompositePattern) bool {
	if !c.Amount.IsZero() && !c.Amount.Contains(subject.Amount) {
		return false
	}
	if len(c.Weekdays) > 0 {
		if !subject.HasTimestamp() || !c.HasWeekday(subject.Timestamp.Weekday()) {
			return false
		}
	}
	if c.Window != nil {
		if !subject.HasTimestamp() || !c.Window.Contains(subject.Timestamp) {
			return false
		}
	}
	return true
}

func (m *MatcherImpl) memberHolds(subject model.MatchSubject, p model.Pattern, text TextScorer) (float64, bool) {
	if !p.Active {
		return 0, false
	}
	if !p.Type.IsText() {
		return 1, m.Matches(subject, p)
	}
	if text == nil {
		return 0, false
	}
	score := text(p)
	return score, score >= m.minText
}

// Resolve returns the pattern for id, following merged_into links to the surviving pattern.
func Resolve(id int64, members map[int64]model.Pattern) (model.Pattern, bool) {
	p, ok := members[id]
	for hops := 0; ok && !p.Active && p.MergedInto != nil && hops < maxMergeHops; hops++ {
		p, ok = members[*p.MergedInto]
	}
	return p, ok
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 1
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
