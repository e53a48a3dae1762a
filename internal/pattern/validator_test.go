package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

func TestCategoryFilter(t *testing.T) {
	suggestions := model.Suggestions{
		{CategoryID: "coffee"},
		{CategoryID: "Dining"},
		{CategoryID: "groceries"},
	}

	tests := []struct {
		name    string
		allowed []string
		want    []string
	}{
		{name: "empty filter allows all", want: []string{"coffee", "Dining", "groceries"}},
		{name: "case insensitive", allowed: []string{"dining", "  "}, want: []string{"Dining"}},
		{name: "nothing allowed matches", allowed: []string{"travel"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewCategoryFilter(tt.allowed).Apply(suggestions)
			ids := make([]string, 0, len(got))
			for _, s := range got {
				ids = append(ids, s.CategoryID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestCategoryFilter_Nil(t *testing.T) {
	var f *CategoryFilter
	assert.True(t, f.Allows("anything"))
}
