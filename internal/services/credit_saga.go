package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/audit"
	"github.com/adforge/backend/internal/ledger"
	"github.com/adforge/backend/internal/models"
)

// SagaState is a step of the reserve / work / compensate state machine:
//
//	START -> PRICED -> RESERVED -> WORKING -> {SUCCEEDED | COMPENSATED | FAILED_UNRECOVERABLE}
type SagaState string

const (
	SagaStart               SagaState = "START"
	SagaPriced              SagaState = "PRICED"
	SagaReserved            SagaState = "RESERVED"
	SagaWorking             SagaState = "WORKING"
	SagaSucceeded           SagaState = "SUCCEEDED"
	SagaCompensated         SagaState = "COMPENSATED"
	SagaFailedUnrecoverable SagaState = "FAILED_UNRECOVERABLE"
)

// ChargeOutcome tells a caller what happened to the user's credits when a saga failed.
type ChargeOutcome string

const (
	ChargeNone         ChargeOutcome = "none"
	ChargeRefunded     ChargeOutcome = "refunded"
	ChargeRefundFailed ChargeOutcome = "refund_failed"
)

type CostEstimator interface {
	ComputeCost(ctx context.Context, operation string, params map[string]any) int64
}

// Reservation is the debit a business record is created against.
type Reservation struct {
	TransactionID string
	UserID        string
	Credits       int64
}

// RecordStore persists the business record a reservation pays for.
type RecordStore interface {
	CreateRecord(ctx context.Context, res Reservation) (string, error)
	CompleteRecord(ctx context.Context, recordID string) error
	FailRecord(ctx context.Context, recordID, message string) error
}

// GapRecorder receives completed deductions the saga could not refund.
type GapRecorder interface {
	RecordGap(ctx context.Context, gap UnrefundedGap) error
}

// SagaWork is the external unit of work. It runs after the record exists and
// receives the record id.
type SagaWork func(ctx context.Context, recordID string) (any, error)

type SagaRequest struct {
	UserID      string
	Operation   string
	OperationID string
	Params      map[string]any // cost-relevant parameters only
	Metadata    models.Metadata
}

type SagaResult struct {
	RecordID       string
	TransactionID  string
	CreditsCharged int64
	Balance        int64 // balance right after the reservation
	Output         any
}

// SagaError is returned for every failed saga. Err is the original failure;
// Outcome says whether the user was charged and, if so, whether the charge was undone.
type SagaError struct {
	State         SagaState
	Outcome       ChargeOutcome
	TransactionID string
	RecordID      string

	// Set when the reservation was refused for lack of funds.
	RequiredCredits  int64
	AvailableCredits int64

	RefundErr error
	Err       error
}

func (e *SagaError) Error() string {
	msg := fmt.Sprintf("saga %s (charge %s): %v", e.State, e.Outcome, e.Err)
	if e.RefundErr != nil {
		msg += fmt.Sprintf("; refund: %v", e.RefundErr)
	}
	return msg
}

func (e *SagaError) Unwrap() error {
	return e.Err
}

// PaymentRequired reports whether the saga stopped because the user cannot pay.
func (e *SagaError) PaymentRequired() bool {
	return errors.Is(e.Err, ledger.ErrInsufficientFunds) || errors.Is(e.Err, ledger.ErrNoAccount)
}

type CreditSaga struct {
	pricing CostEstimator
	ledger  ledger.Store
	audit   *audit.AuditLogger
	gaps    GapRecorder
}

// NewCreditSaga wires the coordinator. gaps may be nil.
func NewCreditSaga(pricing CostEstimator, store ledger.Store, auditLogger *audit.AuditLogger, gaps GapRecorder) *CreditSaga {
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger(nil)
	}
	return &CreditSaga{pricing: pricing, ledger: store, audit: auditLogger, gaps: gaps}
}

// Quote prices an operation without reserving anything.
func (s *CreditSaga) Quote(ctx context.Context, operation string, params map[string]any) int64 {
	return s.pricing.ComputeCost(ctx, operation, params)
}

// Run prices the request, reserves the credits, creates the record and runs work.
// A work failure marks the record failed and refunds the reservation; the original
// error is always returned, wrapped in a *SagaError. The saga never retries.
func (s *CreditSaga) Run(ctx context.Context, req SagaRequest, records RecordStore, work SagaWork) (*SagaResult, error) {
	log := logrus.WithFields(logrus.Fields{"user_id": req.UserID, "operation": req.Operation})

	cost := s.pricing.ComputeCost(ctx, req.Operation, req.Params)
	log.WithField("cost", cost).Debug("[SAGA] Priced")

	if cost <= 0 {
		return s.runFree(ctx, req, records, work)
	}

	debit, err := s.ledger.Debit(ctx, ledger.DebitRequest{
		UserID:      req.UserID,
		Amount:      cost,
		Operation:   req.Operation,
		OperationID: req.OperationID,
		Metadata:    req.Metadata,
	})
	if err != nil {
		sagaErr := &SagaError{State: SagaPriced, Outcome: ChargeNone, Err: err}
		if required, available, ok := ledger.RequiredCredits(err); ok {
			sagaErr.RequiredCredits = required
			sagaErr.AvailableCredits = available
		} else if errors.Is(err, ledger.ErrNoAccount) {
			sagaErr.RequiredCredits = cost
		}
		log.WithError(err).Warn("[SAGA] Reservation refused")
		return nil, sagaErr
	}
	s.audit.LogDebit(debit.TransactionID, req.UserID, cost, req.Operation)

	// Once credits are reserved the saga runs to a terminal state even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	res := Reservation{TransactionID: debit.TransactionID, UserID: req.UserID, Credits: cost}
	log = log.WithField("transaction_id", debit.TransactionID)

	recordID, err := records.CreateRecord(ctx, res)
	if err != nil {
		log.WithError(err).Error("[SAGA] Record creation failed, releasing reservation")
		s.audit.LogError(debit.TransactionID, req.UserID, fmt.Errorf("create record: %w", err))
		return nil, s.compensate(ctx, res, "", err, fmt.Sprintf("Record creation failed: %v", err))
	}

	output, err := work(ctx, recordID)
	if err != nil {
		log.WithError(err).WithField("record_id", recordID).Error("[SAGA] Work failed, compensating")
		if ferr := records.FailRecord(ctx, recordID, err.Error()); ferr != nil {
			log.WithError(ferr).Error("[SAGA] Could not mark record failed")
		}
		return nil, s.compensate(ctx, res, recordID, err, fmt.Sprintf("Processing error: %v", err))
	}

	if err := records.CompleteRecord(ctx, recordID); err != nil {
		log.WithError(err).WithField("record_id", recordID).Error("[SAGA] Could not mark record completed")
		s.audit.LogError(debit.TransactionID, req.UserID, fmt.Errorf("complete record %s: %w", recordID, err))
	}

	log.WithField("record_id", recordID).Info("[SAGA] Succeeded")
	return &SagaResult{
		RecordID:       recordID,
		TransactionID:  debit.TransactionID,
		CreditsCharged: cost,
		Balance:        debit.Balance,
		Output:         output,
	}, nil
}

// runFree runs a zero-priced operation. Nothing is reserved, so nothing is refunded:
// every failure reports ChargeNone and the record carries no transaction.
func (s *CreditSaga) runFree(ctx context.Context, req SagaRequest, records RecordStore, work SagaWork) (*SagaResult, error) {
	log := logrus.WithFields(logrus.Fields{"user_id": req.UserID, "operation": req.Operation})
	s.audit.LogDebit("", req.UserID, 0, req.Operation)

	balance, err := s.ledger.GetBalance(ctx, req.UserID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		log.WithError(err).Warn("[SAGA] Balance unavailable for free operation")
	}

	recordID, err := records.CreateRecord(ctx, Reservation{UserID: req.UserID})
	if err != nil {
		log.WithError(err).Error("[SAGA] Record creation failed")
		return nil, &SagaError{State: SagaPriced, Outcome: ChargeNone, Err: err}
	}

	output, err := work(ctx, recordID)
	if err != nil {
		log.WithError(err).WithField("record_id", recordID).Error("[SAGA] Work failed")
		if ferr := records.FailRecord(ctx, recordID, err.Error()); ferr != nil {
			log.WithError(ferr).Error("[SAGA] Could not mark record failed")
		}
		return nil, &SagaError{State: SagaCompensated, Outcome: ChargeNone, RecordID: recordID, Err: err}
	}

	if err := records.CompleteRecord(ctx, recordID); err != nil {
		log.WithError(err).WithField("record_id", recordID).Error("[SAGA] Could not mark record completed")
	}

	log.WithField("record_id", recordID).Info("[SAGA] Succeeded without charge")
	return &SagaResult{RecordID: recordID, Balance: balance, Output: output}, nil
}

func (s *CreditSaga) compensate(ctx context.Context, res Reservation, recordID string, cause error, reason string) *SagaError {
	sagaErr := &SagaError{
		State:         SagaCompensated,
		Outcome:       ChargeRefunded,
		TransactionID: res.TransactionID,
		RecordID:      recordID,
		Err:           cause,
	}

	refund, err := s.ledger.Refund(ctx, res.TransactionID, reason)
	if err != nil {
		sagaErr.State = SagaFailedUnrecoverable
		sagaErr.Outcome = ChargeRefundFailed
		sagaErr.RefundErr = err
		s.recordGap(ctx, res, reason, err)
		return sagaErr
	}

	s.audit.LogRefund(res.TransactionID, refund.TransactionID, res.UserID, refund.Amount, reason)
	return sagaErr
}

// recordGap makes an unrefunded deduction visible through every channel available.
// Each channel is best effort.
func (s *CreditSaga) recordGap(ctx context.Context, res Reservation, reason string, refundErr error) {
	log := logrus.WithFields(logrus.Fields{
		"transaction_id": res.TransactionID,
		"user_id":        res.UserID,
		"amount":         res.Credits,
	})
	log.WithError(refundErr).Error("[SAGA] Refund failed, reconciliation required")
	s.audit.LogUnrefunded(res.TransactionID, res.UserID, res.Credits, reason, refundErr)

	if err := s.ledger.MarkUnrefunded(ctx, res.TransactionID, refundErr.Error()); err != nil {
		log.WithError(err).Error("[SAGA] Could not mark transaction unrefunded")
	}

	if s.gaps == nil {
		return
	}
	gap := UnrefundedGap{
		TransactionID: res.TransactionID,
		UserID:        res.UserID,
		Amount:        res.Credits,
		Reason:        reason,
		Error:         refundErr.Error(),
		DetectedAt:    time.Now().UTC(),
	}
	if err := s.gaps.RecordGap(ctx, gap); err != nil {
		log.WithError(err).Error("[SAGA] Could not queue reconciliation gap")
	}
}
