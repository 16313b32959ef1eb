package models

import (
	"time"
)

// PaymentTransaction records a processed provider payment; payment_id is unique.
type PaymentTransaction struct {
	PaymentID           string    `json:"payment_id" db:"payment_id"`
	UserID              string    `json:"user_id" db:"user_id"`
	Status              string    `json:"status" db:"status"`
	PlanID              string    `json:"plan_id" db:"plan_id"`
	CreditsAdded        int64     `json:"credits_added" db:"credits_added"`
	CreditTransactionID *string   `json:"credit_transaction_id,omitempty" db:"credit_transaction_id"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}
