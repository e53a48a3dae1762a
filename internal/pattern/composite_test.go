package pattern

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/spice-categorizer/internal/model"
)

func TestMatcher_MatchComposite(t *testing.T) {
	saturday := time.Date(2025, 3, 15, 9, 30, 0, 0, time.UTC)
	monday := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)

	merged := int64(1)
	members := map[int64]model.Pattern{
		1:  predicate(1, model.PatternMerchant, "shell", "fuel", 1),
		2:  predicate(2, model.PatternAmountRange, "20..120", "fuel", 1),
		3:  predicate(3, model.PatternKeyword, "airport", "travel", 1),
		4:  predicate(4, model.PatternMerchant, "starbucks", "coffee", 1),
		9:  {ID: 9, Type: model.PatternMerchant, Value: "shell oil", CategoryID: "fuel", MergedInto: &merged},
		10: predicate(10, model.PatternRegex, `station`, "fuel", 1),
	}

	// only "shell" is similar to the subject
	text := func(p model.Pattern) float64 {
		switch p.Value {
		case "shell":
			return 0.9
		default:
			return 0
		}
	}

	shell := model.MatchSubject{RawMerchant: "SHELL OIL 5713", Merchant: "shell", Amount: decimal.NewFromFloat(45.10), Timestamp: saturday}

	window := model.TimeWindow{Start: 6 * 60, End: 11 * 60}

	tests := []struct {
		name      string
		subject   model.MatchSubject
		composite model.CompositePattern
		wantScore float64
		wantIDs   []int64
		want      bool
	}{
		{
			name:      "AND with every member holding",
			composite: model.CompositePattern{Operator: model.OperatorAnd, PatternIDs: []int64{1, 2}},
			subject:   shell,
			want:      true,
			wantIDs:   []int64{1, 2},
			wantScore: 0.9,
		},
		{
			name:      "AND with one member failing",
			composite: model.CompositePattern{Operator: model.OperatorAnd, PatternIDs: []int64{1, 3}},
			subject:   shell,
			want:      false,
		},
		{
			name:      "OR with one member holding",
			composite: model.CompositePattern{Operator: model.OperatorOr, PatternIDs: []int64{3, 4, 2}},
			subject:   shell,
			want:      true,
			wantIDs:   []int64{2},
			wantScore: 1,
		},
		{
			name:      "OR with nothing holding",
			composite: model.CompositePattern{Operator: model.OperatorOr, PatternIDs: []int64{3, 4, 10}},
			subject:   shell,
			want:      false,
		},
		{
			name:      "NOT with the exclusion absent",
			composite: model.CompositePattern{Operator: model.OperatorNot, PatternIDs: []int64{1, 3}},
			subject:   shell,
			want:      true,
			wantIDs:   []int64{1},
			wantScore: 0.9,
		},
		{
			name:      "NOT with the exclusion present",
			composite: model.CompositePattern{Operator: model.OperatorNot, PatternIDs: []int64{1, 2}},
			subject:   shell,
			want:      false,
		},
		{
			name:      "merged member resolves to its target",
			composite: model.CompositePattern{Operator: model.OperatorAnd, PatternIDs: []int64{9, 2}},
			subject:   shell,
			want:      true,
			wantIDs:   []int64{1, 2},
			wantScore: 0.9,
		},
		{
			name:      "missing member does not hold",
			composite: model.CompositePattern{Operator: model.OperatorAnd, PatternIDs: []int64{1, 404}},
			subject:   shell,
			want:      false,
		},
		{
			name: "composite amount predicate",
			composite: model.CompositePattern{
				Operator: model.OperatorOr, PatternIDs: []int64{1},
				Amount: model.AmountRange{Max: decimal.NewNullDecimal(decimal.NewFromInt(40))},
			},
			subject: shell,
			want:    false,
		},
		{
			name: "weekday predicate holds on saturday",
			composite: model.CompositePattern{
				Operator: model.OperatorOr, PatternIDs: []int64{1},
				Weekdays: []time.Weekday{time.Saturday, time.Sunday}, Window: &window,
			},
			subject:   shell,
			want:      true,
			wantIDs:   []int64{1},
			wantScore: 0.9,
		},
		{
			name: "weekday predicate fails on monday",
			composite: model.CompositePattern{
				Operator: model.OperatorOr, PatternIDs: []int64{1},
				Weekdays: []time.Weekday{time.Saturday, time.Sunday},
			},
			subject: func() model.MatchSubject { s := shell; s.Timestamp = monday; return s }(),
			want:    false,
		},
		{
			name: "window predicate needs a timestamp",
			composite: model.CompositePattern{
				Operator: model.OperatorOr, PatternIDs: []int64{1}, Window: &window,
			},
			subject: func() model.MatchSubject { s := shell; s.Timestamp = time.Time{}; return s }(),
			want:    false,
		},
	}

	m := NewMatcher(0.8)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.composite.Active = true
			got, ok := m.MatchComposite(tt.subject, tt.composite, members, text)
			require.Equal(t, tt.want, ok)
			if !tt.want {
				return
			}
			ids := make([]int64, len(got.Members))
			for i, p := range got.Members {
				ids[i] = p.ID
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.InDelta(t, tt.wantScore, got.Score, 1e-9)
		})
	}
}

func TestMatcher_MatchCompositeInactive(t *testing.T) {
	members := map[int64]model.Pattern{1: predicate(1, model.PatternAmountRange, "0..", "misc", 1)}
	c := model.CompositePattern{Operator: model.OperatorOr, PatternIDs: []int64{1}}

	_, ok := NewMatcher(0.8).MatchComposite(model.MatchSubject{Amount: decimal.NewFromInt(3)}, c, members, nil)
	assert.False(t, ok)
}

func TestMatcher_TextMemberBelowFloor(t *testing.T) {
	members := map[int64]model.Pattern{1: predicate(1, model.PatternMerchant, "shell", "fuel", 1)}
	c := model.CompositePattern{Operator: model.OperatorAnd, PatternIDs: []int64{1}, Active: true}
	weak := func(model.Pattern) float64 { return 0.6 }

	_, ok := NewMatcher(0.8).MatchComposite(model.MatchSubject{Merchant: "shellfish"}, c, members, weak)
	assert.False(t, ok)

	_, ok = NewMatcher(0.5).MatchComposite(model.MatchSubject{Merchant: "shellfish"}, c, members, weak)
	assert.True(t, ok)
}

func TestResolve(t *testing.T) {
	two, three := int64(2), int64(3)
	members := map[int64]model.Pattern{
		1: {ID: 1, MergedInto: &two},
		2: {ID: 2, MergedInto: &three},
		3: {ID: 3, Active: true},
	}

	p, ok := Resolve(1, members)
	require.True(t, ok)
	assert.Equal(t, int64(3), p.ID)

	_, ok = Resolve(7, members)
	assert.False(t, ok)
}
