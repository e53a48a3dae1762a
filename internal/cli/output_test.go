package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Veraticus/spice-categorizer/internal/engine"
	"github.com/Veraticus/spice-categorizer/internal/model"
)

func sampleResult() *model.RankedResult {
	return &model.RankedResult{
		Status: model.StatusMatched,
		Subject: model.MatchSubject{
			Ref:         "acct:42",
			RawMerchant: "STARBUCKS #4521",
			Merchant:    "starbucks",
		},
		Best: &model.CategorySuggestion{
			CategoryID: "coffee",
			Reason:     "Transactions from STARBUCKS #4521 matching merchant 'starbucks' (pattern #1) are usually categorized as coffee",
			Confidence: model.Confidence{
				Value: 0.9375,
				Raw:   0.82,
				Factors: []model.ConfidenceFactor{
					{Signal: model.SignalTextMatch, Value: 1, Weight: 0.4, Contribution: 0.4},
				},
			},
		},
		Alternatives: model.Suggestions{
			{CategoryID: "dining", Reason: "dining reason", Confidence: model.Confidence{Value: 0.41}},
		},
	}
}

func TestRenderResult(t *testing.T) {
	out := RenderResult(sampleResult(), false)
	assert.Contains(t, out, "STARBUCKS #4521")
	assert.Contains(t, out, "starbucks")
	assert.Contains(t, out, "coffee")
	assert.Contains(t, out, "93.8% (very_high)")
	assert.Contains(t, out, "dining")
	assert.NotContains(t, out, "contribution")
	assert.NotContains(t, out, "dining reason")

	explained := RenderResult(sampleResult(), true)
	assert.Contains(t, explained, "contribution")
	assert.Contains(t, explained, model.SignalTextMatch)
	assert.Contains(t, explained, "dining reason")
}

func TestRenderResult_Statuses(t *testing.T) {
	applied := sampleResult()
	applied.Applied = true
	assert.Contains(t, RenderResult(applied, false), "applied to acct:42")

	failed := sampleResult()
	failed.ApplyError = "ledger locked"
	assert.Contains(t, RenderResult(failed, false), "auto-apply failed: ledger locked")

	none := &model.RankedResult{Status: model.StatusNoMatch, Subject: model.MatchSubject{RawMerchant: "ZYX"}}
	assert.Contains(t, RenderResult(none, false), "no category cleared")

	invalid := &model.RankedResult{Status: model.StatusInvalidInput, Subject: model.MatchSubject{RawMerchant: "#1234"}}
	assert.Contains(t, RenderResult(invalid, false), "nothing to match")
}

func TestRenderPatterns(t *testing.T) {
	target := int64(1)
	out := RenderPatterns([]model.Pattern{
		{ID: 1, Type: model.PatternMerchant, Value: "starbucks", CategoryID: "coffee", ConfidenceWeight: 2, UsageCount: 20, SuccessCount: 18, Active: true},
		{ID: 2, Type: model.PatternMerchant, Value: "starbuck", CategoryID: "coffee", MergedInto: &target},
		{ID: 3, Type: model.PatternKeyword, Value: "an extremely long keyword value that will not fit", CategoryID: "misc"},
	})

	assert.Contains(t, out, "starbucks")
	assert.Contains(t, out, "90%")
	assert.Contains(t, out, "merged → #1")
	assert.Contains(t, out, "inactive")
	assert.Contains(t, out, "…")

	assert.Contains(t, RenderPatterns(nil), "no patterns")
}

func TestRenderSummary(t *testing.T) {
	out := RenderSummary(engine.BatchSummary{
		ByCategory: map[string]int{"coffee": 2, "dining": 1},
		Total:      5,
		Matched:    3,
		NoMatch:    1,
		Failed:     1,
	})
	assert.Contains(t, out, "3 of 5 categorized (60%)")
	assert.Contains(t, out, "coffee")
	assert.Contains(t, out, "no match")
	assert.Contains(t, out, "not processed")

	assert.Contains(t, RenderSummary(engine.BatchSummary{}), "No transactions")
}

func TestConfidenceStyle(t *testing.T) {
	for _, bucket := range []model.ConfidenceBucket{
		model.BucketVeryHigh, model.BucketHigh, model.BucketMedium, model.BucketLow, model.BucketVeryLow,
	} {
		assert.NotEmpty(t, ConfidenceStyle(bucket).Render("x"))
	}
}
