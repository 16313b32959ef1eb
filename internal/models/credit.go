package models

import (
	"time"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionRefunded  TransactionStatus = "refunded"
)

// Ledger operation tags
const (
	OperationGenerateAd = "generate_ad"
	OperationRefund     = "refund"
	OperationPurchase   = "purchase"
	OperationManual     = "manual_addition"
)

// CreditAccount is the per-user balance row in the credits table.
type CreditAccount struct {
	UserID    string    `json:"user_id" db:"user_id"`
	Amount    int64     `json:"amount" db:"amount"` // balance in credits
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CreditTransaction is an immutable record of a balance change.
type CreditTransaction struct {
	ID          string            `json:"id" db:"id"`
	UserID      string            `json:"user_id" db:"user_id"`
	Amount      int64             `json:"amount" db:"amount"` // negative for deductions
	Operation   string            `json:"operation" db:"operation"`
	OperationID *string           `json:"operation_id,omitempty" db:"operation_id"`
	Status      TransactionStatus `json:"status" db:"status"`
	Metadata    Metadata          `json:"metadata" db:"metadata"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// PriceConfig holds the credit cost for one operation.
type PriceConfig struct {
	Operation        string           `json:"operation" db:"operation"`
	BaseCost         int64            `json:"base_cost" db:"base_cost"`
	AdditionalParams map[string]int64 `json:"additional_params" db:"additional_params"`
}
