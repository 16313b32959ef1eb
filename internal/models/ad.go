package models

import (
	"time"
)

type AdStatus string

const (
	AdStatusPending   AdStatus = "pending"
	AdStatusCompleted AdStatus = "completed"
	AdStatusFailed    AdStatus = "failed"
)

// GeneratedAd is the business record a credit reservation is held against.
type GeneratedAd struct {
	ID                  string     `json:"id" db:"id"`
	UserID              string     `json:"user_id" db:"user_id"`
	BrandID             *string    `json:"brand_id,omitempty" db:"brand_id"`
	Name                string     `json:"name" db:"name"`
	Prompt              string     `json:"prompt" db:"prompt"`
	AdType              string     `json:"ad_type" db:"ad_type"`
	Status              AdStatus   `json:"status" db:"status"`
	CreditsUsed         int64      `json:"credits_used" db:"credits_used"`
	CreditTransactionID string     `json:"credit_transaction_id" db:"credit_transaction_id"`
	OriginalImageURLs   []string   `json:"original_image_urls" db:"original_image_urls"`
	ResultURLs          []string   `json:"result_urls" db:"result_urls"`
	ErrorMessage        string     `json:"error_message,omitempty" db:"error_message"`
	Metadata            Metadata   `json:"metadata" db:"metadata"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	CompletedAt         *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
