// Package ledger keeps per-user credit balances and the transaction log that
// explains them. Every balance change goes through Debit, Credit or Refund, and
// each of those applies completely or not at all for a given user.
package ledger

import (
	"context"
	"time"

	"github.com/adforge/backend/internal/models"
)

// DebitRequest reserves credits for an operation.
type DebitRequest struct {
	UserID      string
	Amount      int64
	Operation   string
	OperationID string // optional correlation id
	Metadata    models.Metadata
}

// CreditRequest adds credits to a user, creating the account on first use.
// Deduplication is the caller's job.
type CreditRequest struct {
	UserID   string
	Amount   int64
	Source   string
	Metadata models.Metadata
}

// TransactionResult describes a committed balance change.
type TransactionResult struct {
	TransactionID string `json:"transactionId"`
	UserID        string `json:"userId"`
	Amount        int64  `json:"amount"`  // credits moved, always positive
	Balance       int64  `json:"balance"` // balance after the change
}

type Store interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	Debit(ctx context.Context, req DebitRequest) (*TransactionResult, error)
	Credit(ctx context.Context, req CreditRequest) (*TransactionResult, error)
	Refund(ctx context.Context, transactionID, reason string) (*TransactionResult, error)

	GetTransaction(ctx context.Context, transactionID string) (*models.CreditTransaction, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]models.CreditTransaction, error)

	// ListStalePending returns pending rows created before olderThan. A pending
	// row that outlives its debit means the debit crashed midway.
	ListStalePending(ctx context.Context, olderThan time.Time) ([]models.CreditTransaction, error)
	// MarkUnrefunded flags a completed deduction whose compensation failed.
	MarkUnrefunded(ctx context.Context, transactionID, reason string) error
	ListUnrefunded(ctx context.Context) ([]models.CreditTransaction, error)
}

const DefaultRefundReason = "Operation failed"

func refundMetadata(original models.Metadata, reason string) models.Metadata {
	md := original.Clone()
	md["refund_reason"] = reason
	return md
}

func unrefundedMetadata(original models.Metadata, reason string, at time.Time) models.Metadata {
	md := original.Clone()
	md["unrefunded"] = true
	md["unrefunded_reason"] = reason
	md["unrefunded_at"] = at.UTC().Format(time.RFC3339)
	return md
}

func isUnrefunded(md models.Metadata) bool {
	v, ok := md["unrefunded"].(bool)
	return ok && v
}
