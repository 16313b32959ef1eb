package audit

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Event types written to the audit trail.
const (
	EventDebit      = "DEBIT"
	EventCredit     = "CREDIT"
	EventRefund     = "REFUND"
	EventUnrefunded = "UNREFUNDED"
	EventError      = "ERROR"
)

type AuditEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount"`
	Status        string    `json:"status"`
	Details       any       `json:"details"`
}

type AuditLogger struct {
	log logrus.FieldLogger
}

func NewAuditLogger(log logrus.FieldLogger) *AuditLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuditLogger{log: log}
}

func (a *AuditLogger) LogDebit(transactionID, userID string, amount int64, operation string) {
	a.emit(AuditEvent{
		EventType:     EventDebit,
		TransactionID: transactionID,
		UserID:        userID,
		Amount:        amount,
		Status:        "SUCCESS",
		Details:       map[string]string{"operation": operation},
	})
}

func (a *AuditLogger) LogCredit(transactionID, userID string, amount int64, source string) {
	a.emit(AuditEvent{
		EventType:     EventCredit,
		TransactionID: transactionID,
		UserID:        userID,
		Amount:        amount,
		Status:        "SUCCESS",
		Details:       map[string]string{"source": source},
	})
}

func (a *AuditLogger) LogRefund(originalTransactionID, refundTransactionID, userID string, amount int64, reason string) {
	a.emit(AuditEvent{
		EventType:     EventRefund,
		TransactionID: originalTransactionID,
		UserID:        userID,
		Amount:        amount,
		Status:        "SUCCESS",
		Details: map[string]string{
			"refund_transaction": refundTransactionID,
			"reason":             reason,
		},
	})
}

// LogUnrefunded records a completed deduction whose refund could not be applied.
// These lines are the input of out-of-band reconciliation.
func (a *AuditLogger) LogUnrefunded(transactionID, userID string, amount int64, reason string, err error) {
	a.emit(AuditEvent{
		EventType:     EventUnrefunded,
		TransactionID: transactionID,
		UserID:        userID,
		Amount:        amount,
		Status:        "RECONCILIATION_REQUIRED",
		Details: map[string]string{
			"reason": reason,
			"error":  err.Error(),
		},
	})
}

func (a *AuditLogger) LogError(transactionID, userID string, err error) {
	a.emit(AuditEvent{
		EventType:     EventError,
		TransactionID: transactionID,
		UserID:        userID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

func (a *AuditLogger) emit(event AuditEvent) {
	event.Timestamp = time.Now()
	entry := a.log.WithFields(logrus.Fields{
		"audit":          true,
		"event_type":     event.EventType,
		"transaction_id": event.TransactionID,
		"user_id":        event.UserID,
		"amount":         event.Amount,
		"status":         event.Status,
		"details":        event.Details,
	})
	if event.EventType == EventUnrefunded || event.EventType == EventError {
		entry.Error("AUDIT")
		return
	}
	entry.Info("AUDIT")
}
