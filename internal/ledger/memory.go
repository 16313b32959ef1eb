package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adforge/backend/internal/models"
)

// MemoryStore is an in-process Store with the same semantics as PostgresStore.
// A single mutex makes every operation linearizable.
type MemoryStore struct {
	mu sync.Mutex

	accounts     map[string]*models.CreditAccount
	transactions map[string]*models.CreditTransaction
	order        []string

	now   func() time.Time
	newID func() string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:     make(map[string]*models.CreditAccount),
		transactions: make(map[string]*models.CreditTransaction),
		now:          time.Now,
		newID:        uuid.NewString,
	}
}

func (s *MemoryStore) GetBalance(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return 0, newError("get balance", ErrNotFound, nil)
	}
	return acct.Amount, nil
}

func (s *MemoryStore) Debit(_ context.Context, req DebitRequest) (*TransactionResult, error) {
	const op = "debit"
	if req.Amount <= 0 {
		return nil, newError(op, ErrInvalidAmount, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[req.UserID]
	if !ok {
		return nil, newError(op, ErrNoAccount, nil)
	}
	if acct.Amount < req.Amount {
		return nil, insufficientFunds(op, req.Amount, acct.Amount)
	}

	now := s.now()
	t := &models.CreditTransaction{
		ID:        s.newID(),
		UserID:    req.UserID,
		Amount:    -req.Amount,
		Operation: req.Operation,
		Status:    models.TransactionPending,
		Metadata:  req.Metadata.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.OperationID != "" {
		id := req.OperationID
		t.OperationID = &id
	}
	s.insert(t)

	acct.Amount -= req.Amount
	acct.UpdatedAt = now
	t.Status = models.TransactionCompleted

	return &TransactionResult{
		TransactionID: t.ID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Balance:       acct.Amount,
	}, nil
}

func (s *MemoryStore) Credit(_ context.Context, req CreditRequest) (*TransactionResult, error) {
	if req.Amount <= 0 {
		return nil, newError("credit", ErrInvalidAmount, nil)
	}
	source := req.Source
	if source == "" {
		source = models.OperationManual
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	acct, ok := s.accounts[req.UserID]
	if !ok {
		acct = &models.CreditAccount{UserID: req.UserID}
		s.accounts[req.UserID] = acct
	}
	acct.Amount += req.Amount
	acct.UpdatedAt = now

	t := &models.CreditTransaction{
		ID:        s.newID(),
		UserID:    req.UserID,
		Amount:    req.Amount,
		Operation: source,
		Status:    models.TransactionCompleted,
		Metadata:  req.Metadata.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.insert(t)

	return &TransactionResult{
		TransactionID: t.ID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Balance:       acct.Amount,
	}, nil
}

func (s *MemoryStore) Refund(_ context.Context, transactionID, reason string) (*TransactionResult, error) {
	const op = "refund"
	if reason == "" {
		reason = DefaultRefundReason
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orig, ok := s.transactions[transactionID]
	if !ok {
		return nil, newError(op, ErrNotFound, fmt.Errorf("transaction %s", transactionID))
	}
	if orig.Status != models.TransactionCompleted {
		return nil, newError(op, ErrInvalidState, fmt.Errorf("transaction in %s state, cannot refund", orig.Status))
	}
	if orig.Amount >= 0 {
		return nil, newError(op, ErrInvalidState, fmt.Errorf("transaction %s is not a deduction", transactionID))
	}

	acct, ok := s.accounts[orig.UserID]
	if !ok {
		return nil, newError(op, ErrNoAccount, nil)
	}

	refundAmount := -orig.Amount
	now := s.now()

	acct.Amount += refundAmount
	acct.UpdatedAt = now

	orig.Status = models.TransactionRefunded
	orig.Metadata = refundMetadata(orig.Metadata, reason)
	orig.UpdatedAt = now

	origID := orig.ID
	refund := &models.CreditTransaction{
		ID:          s.newID(),
		UserID:      orig.UserID,
		Amount:      refundAmount,
		Operation:   models.OperationRefund,
		OperationID: &origID,
		Status:      models.TransactionCompleted,
		Metadata:    models.Metadata{"original_transaction": origID, "reason": reason},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.insert(refund)

	return &TransactionResult{
		TransactionID: refund.ID,
		UserID:        orig.UserID,
		Amount:        refundAmount,
		Balance:       acct.Amount,
	}, nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, transactionID string) (*models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[transactionID]
	if !ok {
		return nil, newError("get transaction", ErrNotFound, nil)
	}
	cp := copyTransaction(t)
	return &cp, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string, limit, offset int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CreditTransaction
	skipped := 0
	// newest first
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		t := s.transactions[s.order[i]]
		if t.UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, copyTransaction(t))
	}
	return out, nil
}

func (s *MemoryStore) ListStalePending(_ context.Context, olderThan time.Time) ([]models.CreditTransaction, error) {
	return s.filter(func(t *models.CreditTransaction) bool {
		return t.Status == models.TransactionPending && t.CreatedAt.Before(olderThan)
	}), nil
}

func (s *MemoryStore) MarkUnrefunded(_ context.Context, transactionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[transactionID]
	if !ok {
		return newError("mark unrefunded", ErrNotFound, nil)
	}
	now := s.now()
	t.Metadata = unrefundedMetadata(t.Metadata, reason, now)
	t.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ListUnrefunded(_ context.Context) ([]models.CreditTransaction, error) {
	return s.filter(func(t *models.CreditTransaction) bool {
		return t.Status == models.TransactionCompleted && isUnrefunded(t.Metadata)
	}), nil
}

func (s *MemoryStore) insert(t *models.CreditTransaction) {
	s.transactions[t.ID] = t
	s.order = append(s.order, t.ID)
}

func (s *MemoryStore) filter(keep func(*models.CreditTransaction) bool) []models.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.CreditTransaction
	for _, id := range s.order {
		if t := s.transactions[id]; keep(t) {
			out = append(out, copyTransaction(t))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func copyTransaction(t *models.CreditTransaction) models.CreditTransaction {
	cp := *t
	cp.Metadata = t.Metadata.Clone()
	if t.OperationID != nil {
		id := *t.OperationID
		cp.OperationID = &id
	}
	return cp
}
