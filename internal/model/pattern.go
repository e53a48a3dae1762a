// Package model defines the core data structures for the categorization engine.
package model

import (
	"fmt"
	"strings"
	"time"
)

// PatternType identifies what part of a transaction a pattern is matched against.
type PatternType string

// Pattern type constants.
const (
	PatternMerchant    PatternType = "merchant"
	PatternKeyword     PatternType = "keyword"
	PatternDescription PatternType = "description"
	PatternAmountRange PatternType = "amount_range"
	PatternRegex       PatternType = "regex"
	PatternTimeRange   PatternType = "time_range"
)

// AllPatternTypes lists every pattern type in evaluation order.
var AllPatternTypes = []PatternType{
	PatternMerchant,
	PatternKeyword,
	PatternDescription,
	PatternAmountRange,
	PatternRegex,
	PatternTimeRange,
}

// Confidence weight bounds.
const (
	MinConfidenceWeight     = 0.1
	MaxConfidenceWeight     = 5.0
	DefaultConfidenceWeight = 1.0
)

// Valid reports whether t is a known pattern type.
func (t PatternType) Valid() bool {
	for _, known := range AllPatternTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsText reports whether patterns of this type are scored by string similarity.
func (t PatternType) IsText() bool {
	return t == PatternMerchant || t == PatternKeyword || t == PatternDescription
}

// ParsePatternType converts user input into a PatternType.
func ParsePatternType(s string) (PatternType, error) {
	t := PatternType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown pattern type %q", s)
	}
	return t, nil
}

// Pattern is a stored rule mapping matched text to a category, with learned statistics.
// SuccessRate is always derived from the counts and never stored.
type Pattern struct {
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	LastUsedAt       *time.Time  `json:"last_used_at,omitempty"`
	LastDecayedAt    *time.Time  `json:"last_decayed_at,omitempty"`
	MergedInto       *int64      `json:"merged_into,omitempty"`
	Type             PatternType `json:"type"`
	Value            string      `json:"value"`
	NormalizedValue  string      `json:"normalized_value"`
	CategoryID       string      `json:"category_id"`
	ID               int64       `json:"id"`
	UsageCount       int         `json:"usage_count"`
	SuccessCount     int         `json:"success_count"`
	ConfidenceWeight float64     `json:"confidence_weight"`
	Active           bool        `json:"active"`
	UserCreated      bool        `json:"user_created"`
}

// SuccessRate returns success_count/usage_count, or 0 for an unused pattern.
func (p Pattern) SuccessRate() float64 {
	if p.UsageCount <= 0 {
		return 0
	}
	rate := float64(p.SuccessCount) / float64(p.UsageCount)
	if rate > 1 {
		return 1
	}
	return rate
}

// LastActivity returns when the pattern was last used, falling back to its last update.
func (p Pattern) LastActivity() time.Time {
	if p.LastUsedAt != nil && !p.LastUsedAt.IsZero() {
		return *p.LastUsedAt
	}
	if !p.UpdatedAt.IsZero() {
		return p.UpdatedAt
	}
	return p.CreatedAt
}

// MatchValue returns the value used for matching: the normalized value when present.
func (p Pattern) MatchValue() string {
	if p.NormalizedValue != "" {
		return p.NormalizedValue
	}
	return p.Value
}

// Validate checks structural invariants of a pattern.
func (p *Pattern) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: pattern cannot be nil", ErrInvalid)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, p.Type)
	}
	if strings.TrimSpace(p.Value) == "" {
		return fmt.Errorf("%w: value is required", ErrInvalid)
	}
	if strings.TrimSpace(p.CategoryID) == "" {
		return fmt.Errorf("%w: category_id is required", ErrInvalid)
	}
	if p.ConfidenceWeight < MinConfidenceWeight || p.ConfidenceWeight > MaxConfidenceWeight {
		return fmt.Errorf("%w: confidence_weight %.2f outside [%.1f, %.1f]",
			ErrInvalid, p.ConfidenceWeight, MinConfidenceWeight, MaxConfidenceWeight)
	}
	if p.UsageCount < 0 || p.SuccessCount < 0 || p.SuccessCount > p.UsageCount {
		return fmt.Errorf("%w: inconsistent counts usage=%d success=%d", ErrInvalid, p.UsageCount, p.SuccessCount)
	}

	switch p.Type {
	case PatternAmountRange:
		if _, err := ParseAmountRange(p.Value); err != nil {
			return err
		}
	case PatternTimeRange:
		if _, err := ParseTimeWindow(p.Value); err != nil {
			return err
		}
	case PatternRegex:
		if err := validateRegex(p.Value); err != nil {
			return err
		}
	}

	return nil
}

// ClampWeight bounds a confidence weight to [MinConfidenceWeight, MaxConfidenceWeight].
func ClampWeight(w float64) float64 {
	switch {
	case w < MinConfidenceWeight:
		return MinConfidenceWeight
	case w > MaxConfidenceWeight:
		return MaxConfidenceWeight
	default:
		return w
	}
}

// WarmCriteria selects which patterns are preloaded into the cache.
type WarmCriteria struct {
	ActiveWithin        time.Duration `mapstructure:"active_within"`
	MinUsage            int           `mapstructure:"min_usage"`
	MinConfidenceWeight float64       `mapstructure:"min_confidence_weight"`
	Limit               int           `mapstructure:"limit"`
}
