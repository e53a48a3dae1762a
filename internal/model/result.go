package model

import (
	"fmt"
	"sort"
	"time"
)

// Confidence signal names.
const (
	SignalTextMatch         = "text_match"
	SignalHistoricalSuccess = "historical_success"
	SignalRecency           = "recency"
	SignalFrequency         = "frequency"
	SignalUserPreference    = "user_preference"
)

// AllSignals lists the confidence signals in display order.
var AllSignals = []string{
	SignalTextMatch,
	SignalHistoricalSuccess,
	SignalRecency,
	SignalFrequency,
	SignalUserPreference,
}

// ConfidenceBucket is a coarse, derived view of a confidence value.
type ConfidenceBucket string

// Confidence buckets.
const (
	BucketVeryHigh ConfidenceBucket = "very_high"
	BucketHigh     ConfidenceBucket = "high"
	BucketMedium   ConfidenceBucket = "medium"
	BucketLow      ConfidenceBucket = "low"
	BucketVeryLow  ConfidenceBucket = "very_low"
)

// BucketFor maps a confidence value to its bucket.
func BucketFor(value float64) ConfidenceBucket {
	switch {
	case value >= 0.90:
		return BucketVeryHigh
	case value >= 0.75:
		return BucketHigh
	case value >= 0.50:
		return BucketMedium
	case value >= 0.30:
		return BucketLow
	default:
		return BucketVeryLow
	}
}

// ConfidenceFactor is one signal's share of a Confidence.
type ConfidenceFactor struct {
	Signal       string  `json:"signal"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Confidence is a bounded score with the per-factor breakdown that produced it.
type Confidence struct {
	Factors []ConfidenceFactor `json:"factors"`
	Value   float64            `json:"value"`
	Raw     float64            `json:"raw"`
}

// Bucket returns the derived bucket for the confidence value.
func (c Confidence) Bucket() ConfidenceBucket {
	return BucketFor(c.Value)
}

// Factor returns the named factor, or false if the signal was not part of the combination.
func (c Confidence) Factor(signal string) (ConfidenceFactor, bool) {
	for _, f := range c.Factors {
		if f.Signal == signal {
			return f, true
		}
	}
	return ConfidenceFactor{}, false
}

// MatchCandidate is one scored pattern or composite for a single request. It is never shared across requests.
type MatchCandidate struct {
	Pattern    *Pattern           `json:"pattern,omitempty"`
	Composite  *CompositePattern  `json:"composite,omitempty"`
	Scores     map[string]float64 `json:"scores,omitempty"`
	Members    []Pattern          `json:"members,omitempty"`
	CategoryID string             `json:"category_id"`
	Confidence Confidence         `json:"confidence"`
	Similarity float64            `json:"similarity"`
}

// Ref describes the rule behind the candidate, e.g. "merchant pattern #12".
func (c MatchCandidate) Ref() string {
	switch {
	case c.Pattern != nil:
		return fmt.Sprintf("%s pattern #%d", c.Pattern.Type, c.Pattern.ID)
	case c.Composite != nil:
		return fmt.Sprintf("composite #%d (%s)", c.Composite.ID, c.Composite.Name)
	default:
		return "unknown"
	}
}

// CategorySuggestion is the best-scoring evidence for one category.
type CategorySuggestion struct {
	CategoryID  string      `json:"category_id"`
	Reason      string      `json:"reason"`
	PatternType PatternType `json:"pattern_type,omitempty"`
	Confidence  Confidence  `json:"confidence"`
	PatternID   int64       `json:"pattern_id,omitempty"`
	CompositeID int64       `json:"composite_id,omitempty"`
	Similarity  float64     `json:"similarity"`
}

// Suggestions is a slice of CategorySuggestion ordered by confidence.
type Suggestions []CategorySuggestion

// Len implements sort.Interface.
func (s Suggestions) Len() int {
	return len(s)
}

// Less implements sort.Interface. Higher confidence first, ties broken by category for stable output.
func (s Suggestions) Less(i, j int) bool {
	if s[i].Confidence.Value != s[j].Confidence.Value {
		return s[i].Confidence.Value > s[j].Confidence.Value
	}
	return s[i].CategoryID < s[j].CategoryID
}

// Swap implements sort.Interface.
func (s Suggestions) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

// Sort orders the suggestions by confidence, highest first.
func (s Suggestions) Sort() {
	sort.Sort(s)
}

// Top returns the highest-confidence suggestion, or nil if empty.
func (s Suggestions) Top() *CategorySuggestion {
	if len(s) == 0 {
		return nil
	}
	s.Sort()
	return &s[0]
}

// TopN returns a copy of the N highest-confidence suggestions.
func (s Suggestions) TopN(n int) Suggestions {
	if n <= 0 {
		return Suggestions{}
	}

	s.Sort()

	if n > len(s) {
		n = len(s)
	}

	result := make(Suggestions, n)
	copy(result, s[:n])
	return result
}

// AboveThreshold returns the suggestions whose confidence is at least threshold.
func (s Suggestions) AboveThreshold(threshold float64) Suggestions {
	s.Sort()

	var result Suggestions
	for _, suggestion := range s {
		if suggestion.Confidence.Value >= threshold {
			result = append(result, suggestion)
		}
	}
	return result
}

// MatchStatus describes how a categorization request ended.
type MatchStatus string

// Match status constants.
const (
	StatusMatched      MatchStatus = "matched"
	StatusNoMatch      MatchStatus = "no_match"
	StatusInvalidInput MatchStatus = "invalid_input"
)

// RankedResult is the outcome of one categorization request.
// No match is reported through Status, never as an error.
type RankedResult struct {
	Best         *CategorySuggestion `json:"best,omitempty"`
	ApplyError   string              `json:"apply_error,omitempty"`
	Status       MatchStatus         `json:"status"`
	Subject      MatchSubject        `json:"subject"`
	Alternatives Suggestions         `json:"alternatives"`
	Duration     time.Duration       `json:"duration"`
	Considered   int                 `json:"considered"`
	Applied      bool                `json:"applied"`
}

// Matched reports whether a category cleared the confidence floor.
func (r RankedResult) Matched() bool {
	return r.Status == StatusMatched && r.Best != nil
}

// Category returns the best category or "" when nothing matched.
func (r RankedResult) Category() string {
	if !r.Matched() {
		return ""
	}
	return r.Best.CategoryID
}
