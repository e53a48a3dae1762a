package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func suggestion(category string, value float64) CategorySuggestion {
	return CategorySuggestion{CategoryID: category, Confidence: Confidence{Value: value}}
}

func TestSuggestions_Sort(t *testing.T) {
	s := Suggestions{
		suggestion("Shopping", 0.6),
		suggestion("Dining", 0.9),
		suggestion("Coffee", 0.6),
		suggestion("Travel", 0.2),
	}

	s.Sort()

	var order []string
	for _, x := range s {
		order = append(order, x.CategoryID)
	}
	assert.Equal(t, []string{"Dining", "Coffee", "Shopping", "Travel"}, order)
}

func TestSuggestions_TopN(t *testing.T) {
	s := Suggestions{suggestion("A", 0.3), suggestion("B", 0.8), suggestion("C", 0.5)}

	top := s.TopN(2)
	require.Len(t, top, 2)
	assert.Equal(t, "B", top[0].CategoryID)
	assert.Equal(t, "C", top[1].CategoryID)

	assert.Empty(t, s.TopN(0))
	assert.Len(t, s.TopN(10), 3)
	assert.Equal(t, "B", s.Top().CategoryID)
	assert.Nil(t, Suggestions{}.Top())
}

func TestSuggestions_AboveThreshold(t *testing.T) {
	s := Suggestions{suggestion("A", 0.29), suggestion("B", 0.3), suggestion("C", 0.95)}
	above := s.AboveThreshold(0.3)
	require.Len(t, above, 2)
	assert.Equal(t, "C", above[0].CategoryID)
	assert.Equal(t, "B", above[1].CategoryID)
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		want  ConfidenceBucket
		value float64
	}{
		{BucketVeryHigh, 0.95},
		{BucketVeryHigh, 0.90},
		{BucketHigh, 0.80},
		{BucketMedium, 0.50},
		{BucketLow, 0.30},
		{BucketVeryLow, 0.29},
		{BucketVeryLow, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BucketFor(tt.value), "value %.2f", tt.value)
	}
}

func TestLearningEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		event   LearningEvent
		wantErr bool
	}{
		{name: "accept", event: LearningEvent{Action: ActionAccept, MerchantText: "uber", PredictedCategory: "Transport"}},
		{name: "accept without prediction", event: LearningEvent{Action: ActionAccept, MerchantText: "uber"}, wantErr: true},
		{name: "correct", event: LearningEvent{Action: ActionCorrect, MerchantText: "uber", CorrectCategory: "Transport"}},
		{name: "correct without category", event: LearningEvent{Action: ActionCorrect, MerchantText: "uber"}, wantErr: true},
		{name: "reject", event: LearningEvent{Action: ActionReject, DescriptionText: "ride", PredictedCategory: "Dining"}},
		{name: "no text", event: LearningEvent{Action: ActionReject, PredictedCategory: "Dining"}, wantErr: true},
		{name: "unknown action", event: LearningEvent{Action: "ignore", MerchantText: "uber"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLearningEvent_Resolved(t *testing.T) {
	e := LearningEvent{Action: ActionCorrect, PredictedCategory: "Dining", CorrectCategory: "Dining"}
	assert.Equal(t, ActionAccept, e.Resolved().Action)

	e.CorrectCategory = "Travel"
	assert.Equal(t, ActionCorrect, e.Resolved().Action)
}

func TestUserPreference_Signal(t *testing.T) {
	var none *UserPreference
	assert.InDelta(t, 0.5, none.Signal("Dining"), 1e-9)

	pref := &UserPreference{MerchantKey: "starbucks", CategoryID: "Dining"}
	assert.InDelta(t, 1.0, pref.Signal("Dining"), 1e-9)
	assert.InDelta(t, 0.0, pref.Signal("Groceries"), 1e-9)
}

func TestNewMatchSubject(t *testing.T) {
	rec := TransactionRecord{MerchantText: "Blue Bottle", DescriptionText: "blue bottle coffee"}
	subject := NewMatchSubject(rec, strings.ToLower)

	assert.Equal(t, "blue bottle", subject.Merchant)
	assert.Equal(t, "blue bottle coffee", subject.Description)
	assert.Equal(t, []string{"blue", "bottle", "coffee"}, subject.Tokens)
	assert.Equal(t, "blue bottle", subject.TextFor(PatternMerchant))
	assert.Equal(t, "blue bottle coffee", subject.TextFor(PatternDescription))
	assert.False(t, subject.Empty())

	assert.True(t, NewMatchSubject(TransactionRecord{MerchantText: "   "}, strings.TrimSpace).Empty())
}

func TestTransactionRecord_EnsureRef(t *testing.T) {
	rec := TransactionRecord{MerchantText: "Shell"}
	withRef := rec.EnsureRef()
	assert.NotEmpty(t, withRef.Ref)
	assert.Equal(t, withRef.Ref, rec.EnsureRef().Ref)

	rec.Ref = "txn-1"
	assert.Equal(t, "txn-1", rec.EnsureRef().Ref)
}
