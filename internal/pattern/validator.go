package pattern

import (
	"strings"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

// CategoryFilter restricts suggestions to an allowed set of categories.
// A filter with no categories allows everything.
type CategoryFilter struct {
	allowed map[string]bool
}

// NewCategoryFilter creates a filter over categories. Names are compared case-insensitively.
func NewCategoryFilter(categories []string) *CategoryFilter {
	f := &CategoryFilter{allowed: make(map[string]bool, len(categories))}
	for _, c := range categories {
		if c = strings.TrimSpace(c); c != "" {
			f.allowed[strings.ToLower(c)] = true
		}
	}
	return f
}

// Allows reports whether category passes the filter.
func (f *CategoryFilter) Allows(category string) bool {
	if f == nil || len(f.allowed) == 0 {
		return true
	}
	return f.allowed[strings.ToLower(category)]
}

// Apply returns only the suggestions whose category is allowed, preserving order.
func (f *CategoryFilter) Apply(suggestions model.Suggestions) model.Suggestions {
	if f == nil || len(f.allowed) == 0 {
		return suggestions
	}
	valid := make(model.Suggestions, 0, len(suggestions))
	for _, s := range suggestions {
		if f.Allows(s.CategoryID) {
			valid = append(valid, s)
		}
	}
	return valid
}
