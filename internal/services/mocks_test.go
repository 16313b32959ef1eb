package services

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/adforge/backend/internal/ledger"
	"github.com/adforge/backend/internal/models"
)

type MockLedgerStore struct {
	mock.Mock
}

func (m *MockLedgerStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockLedgerStore) Debit(ctx context.Context, req ledger.DebitRequest) (*ledger.TransactionResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.TransactionResult), args.Error(1)
}

func (m *MockLedgerStore) Credit(ctx context.Context, req ledger.CreditRequest) (*ledger.TransactionResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.TransactionResult), args.Error(1)
}

func (m *MockLedgerStore) Refund(ctx context.Context, transactionID, reason string) (*ledger.TransactionResult, error) {
	args := m.Called(ctx, transactionID, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.TransactionResult), args.Error(1)
}

func (m *MockLedgerStore) GetTransaction(ctx context.Context, transactionID string) (*models.CreditTransaction, error) {
	args := m.Called(ctx, transactionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CreditTransaction), args.Error(1)
}

func (m *MockLedgerStore) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]models.CreditTransaction, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CreditTransaction), args.Error(1)
}

func (m *MockLedgerStore) ListStalePending(ctx context.Context, olderThan time.Time) ([]models.CreditTransaction, error) {
	args := m.Called(ctx, olderThan)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CreditTransaction), args.Error(1)
}

func (m *MockLedgerStore) MarkUnrefunded(ctx context.Context, transactionID, reason string) error {
	args := m.Called(ctx, transactionID, reason)
	return args.Error(0)
}

func (m *MockLedgerStore) ListUnrefunded(ctx context.Context) ([]models.CreditTransaction, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.CreditTransaction), args.Error(1)
}

type MockGapRecorder struct {
	mock.Mock
}

func (m *MockGapRecorder) RecordGap(ctx context.Context, gap UnrefundedGap) error {
	args := m.Called(ctx, gap)
	return args.Error(0)
}

type MockImageGenerator struct {
	mock.Mock
}

func (m *MockImageGenerator) FormatPrompt(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

func (m *MockImageGenerator) GenerateImages(ctx context.Context, req ImageGenerationRequest) ([][]byte, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]byte), args.Error(1)
}

type MockPaymentProvider struct {
	mock.Mock
}

func (m *MockPaymentProvider) GetPayment(ctx context.Context, paymentID string) (*ProviderPayment, error) {
	args := m.Called(ctx, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ProviderPayment), args.Error(1)
}
