package model

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRecord is what the transaction provider hands the engine for one item.
// The engine never asks for fields beyond these.
type TransactionRecord struct {
	Timestamp       time.Time       `json:"timestamp"`
	Amount          decimal.Decimal `json:"amount"`
	Ref             string          `json:"ref"`
	MerchantText    string          `json:"merchant_text"`
	DescriptionText string          `json:"description_text"`
}

// Fingerprint returns a stable identifier for records that arrive without a Ref.
func (r TransactionRecord) Fingerprint() string {
	data := fmt.Sprintf("%s:%s:%s:%s",
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Amount.StringFixed(2),
		r.MerchantText,
		r.DescriptionText)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:12])
}

// EnsureRef fills Ref from the fingerprint when the provider did not supply one.
func (r TransactionRecord) EnsureRef() TransactionRecord {
	if r.Ref == "" {
		r.Ref = r.Fingerprint()
	}
	return r
}
