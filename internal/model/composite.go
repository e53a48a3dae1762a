package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CompositeOperator combines the member patterns of a CompositePattern.
type CompositeOperator string

// Composite operators.
const (
	OperatorAnd CompositeOperator = "AND"
	OperatorOr  CompositeOperator = "OR"
	OperatorNot CompositeOperator = "NOT"
)

// ParseOperator converts user input into a CompositeOperator.
func ParseOperator(s string) (CompositeOperator, error) {
	op := CompositeOperator(strings.ToUpper(strings.TrimSpace(s)))
	switch op {
	case OperatorAnd, OperatorOr, OperatorNot:
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrInvalid, s)
}

// CompositePattern is a boolean combination of patterns plus optional amount,
// weekday, and time-of-day predicates.
type CompositePattern struct {
	UpdatedAt        time.Time         `json:"updated_at"`
	Window           *TimeWindow       `json:"window,omitempty"`
	Name             string            `json:"name"`
	Operator         CompositeOperator `json:"operator"`
	CategoryID       string            `json:"category_id"`
	Amount           AmountRange       `json:"amount"`
	PatternIDs       []int64           `json:"pattern_ids"`
	Weekdays         []time.Weekday    `json:"weekdays,omitempty"`
	ID               int64             `json:"id"`
	ConfidenceWeight float64           `json:"confidence_weight"`
	Active           bool              `json:"active"`
	Ambiguous        bool              `json:"ambiguous"`
}

// HasWeekday reports whether the composite restricts to day and day is allowed.
func (c CompositePattern) HasWeekday(day time.Weekday) bool {
	if len(c.Weekdays) == 0 {
		return true
	}
	for _, d := range c.Weekdays {
		if d == day {
			return true
		}
	}
	return false
}

// Validate checks the composite's structure and that every referenced pattern resolves to
// the composite's category. Composites tagged Ambiguous may reference patterns of any category.
func (c *CompositePattern) Validate(members []Pattern) error {
	if c == nil {
		return fmt.Errorf("%w: composite cannot be nil", ErrInvalid)
	}
	if _, err := ParseOperator(string(c.Operator)); err != nil {
		return err
	}
	if strings.TrimSpace(c.CategoryID) == "" {
		return fmt.Errorf("%w: composite %q has no category", ErrInvalid, c.Name)
	}
	if len(c.PatternIDs) == 0 {
		return fmt.Errorf("%w: composite %q references no patterns", ErrInvalid, c.Name)
	}
	if c.Operator == OperatorNot && len(c.PatternIDs) < 2 {
		return fmt.Errorf("%w: NOT composite %q needs a pattern to match and at least one to exclude", ErrInvalid, c.Name)
	}
	if c.ConfidenceWeight < MinConfidenceWeight || c.ConfidenceWeight > MaxConfidenceWeight {
		return fmt.Errorf("%w: composite confidence_weight %.2f out of range", ErrInvalid, c.ConfidenceWeight)
	}

	byID := make(map[int64]Pattern, len(members))
	for _, p := range members {
		byID[p.ID] = p
	}

	var conflicting []string
	for _, id := range c.PatternIDs {
		p, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: composite %q references unknown pattern %d", ErrInvalid, c.Name, id)
		}
		if p.CategoryID != c.CategoryID {
			conflicting = append(conflicting, fmt.Sprintf("%d→%s", p.ID, p.CategoryID))
		}
	}

	if len(conflicting) > 0 && !c.Ambiguous {
		sort.Strings(conflicting)
		return fmt.Errorf("%w: composite %q (category %s) references patterns of other categories: %s; tag it ambiguous to allow this",
			ErrInvalid, c.Name, c.CategoryID, strings.Join(conflicting, ", "))
	}

	return nil
}
