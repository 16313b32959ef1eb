package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/models"
)

const transactionColumns = `id, user_id, amount, operation, operation_id, status, metadata, created_at, updated_at`

// PostgresStore is the durable Store. Each mutating operation runs in one SQL
// transaction and locks the rows it reads with FOR UPDATE, so concurrent calls
// for the same user serialize on the credits row.
type PostgresStore struct {
	db    *sql.DB
	now   func() time.Time
	newID func() string
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:    db,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

func (s *PostgresStore) GetBalance(ctx context.Context, userID string) (int64, error) {
	var amount int64
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM credits WHERE user_id = $1`, userID).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, newError("get balance", ErrNotFound, nil)
	}
	if err != nil {
		return 0, persistenceError("get balance", err)
	}
	return amount, nil
}

func (s *PostgresStore) Debit(ctx context.Context, req DebitRequest) (*TransactionResult, error) {
	const op = "debit"
	if req.Amount <= 0 {
		return nil, newError(op, ErrInvalidAmount, nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	defer tx.Rollback()

	balance, err := s.lockAccount(ctx, tx, req.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(op, ErrNoAccount, nil)
	}
	if err != nil {
		return nil, persistenceError(op, err)
	}

	if balance < req.Amount {
		return nil, insufficientFunds(op, req.Amount, balance)
	}

	txID := s.newID()
	now := s.now()

	var operationID sql.NullString
	if req.OperationID != "" {
		operationID = sql.NullString{String: req.OperationID, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, operation, operation_id, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		txID, req.UserID, -req.Amount, req.Operation, operationID, models.TransactionPending, req.Metadata, now); err != nil {
		return nil, persistenceError(op, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credits
		SET amount = amount - $1, updated_at = $2
		WHERE user_id = $3`,
		req.Amount, now, req.UserID); err != nil {
		return nil, persistenceError(op, err)
	}

	if err := s.setStatus(ctx, tx, txID, models.TransactionPending, models.TransactionCompleted, now); err != nil {
		return nil, persistenceError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistenceError(op, err)
	}

	logrus.WithFields(logrus.Fields{
		"user_id":        req.UserID,
		"transaction_id": txID,
		"amount":         req.Amount,
		"operation":      req.Operation,
	}).Debug("[LEDGER] Debit committed")

	return &TransactionResult{
		TransactionID: txID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Balance:       balance - req.Amount,
	}, nil
}

func (s *PostgresStore) Credit(ctx context.Context, req CreditRequest) (*TransactionResult, error) {
	const op = "credit"
	if req.Amount <= 0 {
		return nil, newError(op, ErrInvalidAmount, nil)
	}

	source := req.Source
	if source == "" {
		source = models.OperationManual
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	defer tx.Rollback()

	now := s.now()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credits (user_id, amount, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET amount = credits.amount + EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		RETURNING amount`,
		req.UserID, req.Amount, now).Scan(&balance)
	if err != nil {
		return nil, persistenceError(op, err)
	}

	txID := s.newID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, operation, operation_id, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		txID, req.UserID, req.Amount, source, sql.NullString{}, models.TransactionCompleted, req.Metadata, now); err != nil {
		return nil, persistenceError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistenceError(op, err)
	}

	return &TransactionResult{
		TransactionID: txID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		Balance:       balance,
	}, nil
}

func (s *PostgresStore) Refund(ctx context.Context, transactionID, reason string) (*TransactionResult, error) {
	const op = "refund"
	if reason == "" {
		reason = DefaultRefundReason
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	defer tx.Rollback()

	var (
		userID   string
		amount   int64
		status   models.TransactionStatus
		metadata models.Metadata
	)
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, amount, status, metadata
		FROM credit_transactions
		WHERE id = $1
		FOR UPDATE`, transactionID).Scan(&userID, &amount, &status, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(op, ErrNotFound, fmt.Errorf("transaction %s", transactionID))
	}
	if err != nil {
		return nil, persistenceError(op, err)
	}

	if status != models.TransactionCompleted {
		return nil, newError(op, ErrInvalidState, fmt.Errorf("transaction in %s state, cannot refund", status))
	}
	if amount >= 0 {
		return nil, newError(op, ErrInvalidState, fmt.Errorf("transaction %s is not a deduction", transactionID))
	}

	balance, err := s.lockAccount(ctx, tx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(op, ErrNoAccount, nil)
	}
	if err != nil {
		return nil, persistenceError(op, err)
	}

	refundAmount := -amount
	now := s.now()

	if _, err := tx.ExecContext(ctx, `
		UPDATE credits
		SET amount = amount + $1, updated_at = $2
		WHERE user_id = $3`,
		refundAmount, now, userID); err != nil {
		return nil, persistenceError(op, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE credit_transactions
		SET status = $1, metadata = $2, updated_at = $3
		WHERE id = $4`,
		models.TransactionRefunded, refundMetadata(metadata, reason), now, transactionID); err != nil {
		return nil, persistenceError(op, err)
	}

	refundID := s.newID()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, user_id, amount, operation, operation_id, status, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		refundID, userID, refundAmount, models.OperationRefund, transactionID, models.TransactionCompleted,
		models.Metadata{"original_transaction": transactionID, "reason": reason}, now); err != nil {
		return nil, persistenceError(op, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, persistenceError(op, err)
	}

	return &TransactionResult{
		TransactionID: refundID,
		UserID:        userID,
		Amount:        refundAmount,
		Balance:       balance + refundAmount,
	}, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, transactionID string) (*models.CreditTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM credit_transactions WHERE id = $1`, transactionID)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError("get transaction", ErrNotFound, nil)
	}
	if err != nil {
		return nil, persistenceError("get transaction", err)
	}
	return t, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryTransactions(ctx, "list transactions", `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
}

func (s *PostgresStore) ListStalePending(ctx context.Context, olderThan time.Time) ([]models.CreditTransaction, error) {
	return s.queryTransactions(ctx, "list stale pending", `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at`, models.TransactionPending, olderThan)
}

func (s *PostgresStore) MarkUnrefunded(ctx context.Context, transactionID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_transactions
		SET metadata = COALESCE(metadata, '{}'::jsonb) || $1::jsonb, updated_at = $2
		WHERE id = $3`,
		unrefundedMetadata(nil, reason, s.now()), s.now(), transactionID)
	if err != nil {
		return persistenceError("mark unrefunded", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return persistenceError("mark unrefunded", err)
	}
	if n == 0 {
		return newError("mark unrefunded", ErrNotFound, nil)
	}
	return nil
}

func (s *PostgresStore) ListUnrefunded(ctx context.Context) ([]models.CreditTransaction, error) {
	return s.queryTransactions(ctx, "list unrefunded", `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE status = $1 AND metadata->>'unrefunded' = 'true'
		ORDER BY created_at`, models.TransactionCompleted)
}

func (s *PostgresStore) lockAccount(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	var amount int64
	err := tx.QueryRowContext(ctx, `
		SELECT amount
		FROM credits
		WHERE user_id = $1
		FOR UPDATE`, userID).Scan(&amount)
	return amount, err
}

func (s *PostgresStore) setStatus(ctx context.Context, tx *sql.Tx, txID string, from, to models.TransactionStatus, now time.Time) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE credit_transactions
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		to, now, txID, from)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("transaction %s not in %s state", txID, from)
	}

	return nil
}

func (s *PostgresStore) queryTransactions(ctx context.Context, op, query string, args ...any) ([]models.CreditTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistenceError(op, err)
	}
	defer rows.Close()

	var out []models.CreditTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, persistenceError(op, err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceError(op, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.CreditTransaction, error) {
	var (
		t           models.CreditTransaction
		operationID sql.NullString
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.Amount, &t.Operation, &operationID, &t.Status, &t.Metadata, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if operationID.Valid {
		t.OperationID = &operationID.String
	}
	return &t, nil
}
