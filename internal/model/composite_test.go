package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompositePattern_Validate(t *testing.T) {
	members := []Pattern{
		{ID: 1, Type: PatternMerchant, Value: "shell", CategoryID: "Fuel"},
		{ID: 2, Type: PatternAmountRange, Value: "20..120", CategoryID: "Fuel"},
		{ID: 3, Type: PatternKeyword, Value: "snack", CategoryID: "Groceries"},
	}

	tests := []struct {
		name      string
		errSubstr string
		composite CompositePattern
		wantErr   bool
	}{
		{
			name: "consistent category",
			composite: CompositePattern{
				Name: "fuel fill-up", Operator: OperatorAnd, CategoryID: "Fuel",
				PatternIDs: []int64{1, 2}, ConfidenceWeight: 1,
			},
		},
		{
			name: "mixed categories rejected",
			composite: CompositePattern{
				Name: "station shop", Operator: OperatorOr, CategoryID: "Fuel",
				PatternIDs: []int64{1, 3}, ConfidenceWeight: 1,
			},
			wantErr:   true,
			errSubstr: "3→Groceries",
		},
		{
			name: "mixed categories allowed when ambiguous",
			composite: CompositePattern{
				Name: "station shop", Operator: OperatorOr, CategoryID: "Fuel",
				PatternIDs: []int64{1, 3}, ConfidenceWeight: 1, Ambiguous: true,
			},
		},
		{
			name: "unknown member",
			composite: CompositePattern{
				Name: "ghost", Operator: OperatorAnd, CategoryID: "Fuel",
				PatternIDs: []int64{99}, ConfidenceWeight: 1,
			},
			wantErr:   true,
			errSubstr: "unknown pattern 99",
		},
		{
			name: "bad operator",
			composite: CompositePattern{
				Name: "xor", Operator: "XOR", CategoryID: "Fuel",
				PatternIDs: []int64{1}, ConfidenceWeight: 1,
			},
			wantErr: true,
		},
		{
			name: "NOT needs an exclusion",
			composite: CompositePattern{
				Name: "only shell", Operator: OperatorNot, CategoryID: "Fuel",
				PatternIDs: []int64{1}, ConfidenceWeight: 1,
			},
			wantErr:   true,
			errSubstr: "at least one to exclude",
		},
		{
			name: "no members",
			composite: CompositePattern{
				Name: "empty", Operator: OperatorAnd, CategoryID: "Fuel", ConfidenceWeight: 1,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.composite.Validate(members)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				if tt.errSubstr != "" {
					assert.Contains(t, err.Error(), tt.errSubstr)
				}
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCompositePattern_HasWeekday(t *testing.T) {
	c := CompositePattern{}
	assert.True(t, c.HasWeekday(time.Sunday))

	c.Weekdays = []time.Weekday{time.Saturday, time.Sunday}
	assert.True(t, c.HasWeekday(time.Sunday))
	assert.False(t, c.HasWeekday(time.Wednesday))
}
