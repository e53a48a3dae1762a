package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// MatchSubject is the single normalized input shape the matching core works on.
// It is built once at the API boundary.
type MatchSubject struct {
	Timestamp      time.Time       `json:"timestamp"`
	Amount         decimal.Decimal `json:"amount"`
	Ref            string          `json:"ref"`
	RawMerchant    string          `json:"raw_merchant"`
	RawDescription string          `json:"raw_description"`
	Merchant       string          `json:"merchant"`
	Description    string          `json:"description"`
	Tokens         []string        `json:"tokens"`
}

// NewMatchSubject normalizes a record into a MatchSubject using normalize.
func NewMatchSubject(rec TransactionRecord, normalize func(string) string) MatchSubject {
	subject := MatchSubject{
		Timestamp:      rec.Timestamp,
		Amount:         rec.Amount,
		Ref:            rec.Ref,
		RawMerchant:    rec.MerchantText,
		RawDescription: rec.DescriptionText,
		Merchant:       normalize(rec.MerchantText),
		Description:    normalize(rec.DescriptionText),
	}

	seen := make(map[string]bool)
	for _, field := range []string{subject.Merchant, subject.Description} {
		for _, tok := range strings.Fields(field) {
			if !seen[tok] {
				seen[tok] = true
				subject.Tokens = append(subject.Tokens, tok)
			}
		}
	}

	return subject
}

// Empty reports whether there is no text to match against.
func (s MatchSubject) Empty() bool {
	return strings.TrimSpace(s.Merchant) == "" && strings.TrimSpace(s.Description) == ""
}

// Text returns the primary matching text: the merchant, or the description when no merchant is known.
func (s MatchSubject) Text() string {
	if s.Merchant != "" {
		return s.Merchant
	}
	return s.Description
}

// TextFor returns the subject text a pattern of type t is compared against.
func (s MatchSubject) TextFor(t PatternType) string {
	switch t {
	case PatternDescription:
		if s.Description != "" {
			return s.Description
		}
		return s.Merchant
	default:
		return s.Text()
	}
}

// MerchantKey identifies the merchant for preferences and correction tallies.
func (s MatchSubject) MerchantKey() string {
	return s.Text()
}

// HasTimestamp reports whether the record carried a timestamp.
func (s MatchSubject) HasTimestamp() bool {
	return !s.Timestamp.IsZero()
}
