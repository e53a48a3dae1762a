package model

import "time"

// UserPreference records that the user has chosen a category for a merchant.
type UserPreference struct {
	UpdatedAt   time.Time `json:"updated_at"`
	MerchantKey string    `json:"merchant_key"`
	CategoryID  string    `json:"category_id"`
	Count       int       `json:"count"`
}

// Signal returns the user_preference signal for candidate category:
// 1 when the preference agrees, 0 when it conflicts, 0.5 without a preference.
func (p *UserPreference) Signal(category string) float64 {
	if p == nil || p.CategoryID == "" {
		return 0.5
	}
	if p.CategoryID == category {
		return 1
	}
	return 0
}
