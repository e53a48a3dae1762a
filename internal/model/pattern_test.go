package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPattern_Validate(t *testing.T) {
	valid := func() Pattern {
		return Pattern{
			Type:             PatternMerchant,
			Value:            "Starbucks",
			CategoryID:       "Dining",
			ConfidenceWeight: DefaultConfidenceWeight,
		}
	}

	tests := []struct {
		mutate  func(p *Pattern)
		name    string
		wantErr bool
	}{
		{name: "valid merchant", mutate: func(*Pattern) {}},
		{name: "unknown type", mutate: func(p *Pattern) { p.Type = "vendor" }, wantErr: true},
		{name: "empty value", mutate: func(p *Pattern) { p.Value = "  " }, wantErr: true},
		{name: "missing category", mutate: func(p *Pattern) { p.CategoryID = "" }, wantErr: true},
		{name: "weight below floor", mutate: func(p *Pattern) { p.ConfidenceWeight = 0.05 }, wantErr: true},
		{name: "weight above ceiling", mutate: func(p *Pattern) { p.ConfidenceWeight = 5.5 }, wantErr: true},
		{name: "more successes than uses", mutate: func(p *Pattern) { p.UsageCount, p.SuccessCount = 2, 3 }, wantErr: true},
		{name: "valid amount range", mutate: func(p *Pattern) { p.Type, p.Value = PatternAmountRange, "5..20" }},
		{name: "bad amount range", mutate: func(p *Pattern) { p.Type, p.Value = PatternAmountRange, "cheap" }, wantErr: true},
		{name: "valid regex", mutate: func(p *Pattern) { p.Type, p.Value = PatternRegex, `^amzn\s+mktp` }},
		{name: "bad regex", mutate: func(p *Pattern) { p.Type, p.Value = PatternRegex, `([a-z` }, wantErr: true},
		{name: "valid time range", mutate: func(p *Pattern) { p.Type, p.Value = PatternTimeRange, "23:00-04:00" }},
		{name: "bad time range", mutate: func(p *Pattern) { p.Type, p.Value = PatternTimeRange, "late" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestPattern_SuccessRate(t *testing.T) {
	assert.InDelta(t, 0.0, Pattern{}.SuccessRate(), 1e-9)
	assert.InDelta(t, 0.9, Pattern{UsageCount: 10, SuccessCount: 9}.SuccessRate(), 1e-9)
	assert.InDelta(t, 1.0, Pattern{UsageCount: 1, SuccessCount: 4}.SuccessRate(), 1e-9)
}

func TestPattern_LastActivity(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	updated := created.Add(24 * time.Hour)
	used := updated.Add(24 * time.Hour)

	p := Pattern{CreatedAt: created}
	assert.Equal(t, created, p.LastActivity())

	p.UpdatedAt = updated
	assert.Equal(t, updated, p.LastActivity())

	p.LastUsedAt = &used
	assert.Equal(t, used, p.LastActivity())
}

func TestClampWeight(t *testing.T) {
	assert.InDelta(t, MinConfidenceWeight, ClampWeight(-3), 1e-9)
	assert.InDelta(t, 2.5, ClampWeight(2.5), 1e-9)
	assert.InDelta(t, MaxConfidenceWeight, ClampWeight(9), 1e-9)
}

func TestParsePatternType(t *testing.T) {
	pt, err := ParsePatternType(" Merchant ")
	require.NoError(t, err)
	assert.Equal(t, PatternMerchant, pt)
	assert.True(t, pt.IsText())

	pt, err = ParsePatternType("amount_range")
	require.NoError(t, err)
	assert.False(t, pt.IsText())

	_, err = ParsePatternType("vendor")
	assert.Error(t, err)
}
