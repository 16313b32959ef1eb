package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/ledger"
	"github.com/adforge/backend/internal/models"
)

const unrefundedQueueKey = "credits:unrefunded"

// UnrefundedGap is a completed deduction whose compensation failed.
type UnrefundedGap struct {
	TransactionID string    `json:"transaction_id"`
	UserID        string    `json:"user_id"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	Error         string    `json:"error"`
	DetectedAt    time.Time `json:"detected_at"`
}

// RedisGapQueue appends gaps to a Redis list for the reconciliation sweep.
type RedisGapQueue struct {
	redis *redis.Client
}

func NewRedisGapQueue(redisClient *redis.Client) *RedisGapQueue {
	return &RedisGapQueue{redis: redisClient}
}

func (q *RedisGapQueue) RecordGap(ctx context.Context, gap UnrefundedGap) error {
	if q.redis == nil {
		return fmt.Errorf("redis unavailable")
	}
	data, err := json.Marshal(gap)
	if err != nil {
		return err
	}
	return q.redis.RPush(ctx, unrefundedQueueKey, data).Err()
}

type queueEntry struct {
	gap UnrefundedGap
	raw string
}

func (q *RedisGapQueue) entries(ctx context.Context) ([]queueEntry, error) {
	if q.redis == nil {
		return nil, nil
	}
	items, err := q.redis.LRange(ctx, unrefundedQueueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]queueEntry, 0, len(items))
	for _, item := range items {
		var gap UnrefundedGap
		if err := json.Unmarshal([]byte(item), &gap); err != nil {
			logrus.WithError(err).Warn("[RECONCILE] Skipping malformed queue entry")
			continue
		}
		entries = append(entries, queueEntry{gap: gap, raw: item})
	}
	return entries, nil
}

// Queued returns every gap on the list without removing it.
func (q *RedisGapQueue) Queued(ctx context.Context) ([]UnrefundedGap, error) {
	entries, err := q.entries(ctx)
	if err != nil {
		return nil, err
	}
	gaps := make([]UnrefundedGap, 0, len(entries))
	for _, e := range entries {
		gaps = append(gaps, e.gap)
	}
	return gaps, nil
}

// Ack drops every queued gap for transactionID and returns how many were removed.
// It is for gaps an operator settled outside the ledger; refunded gaps are
// dropped by the sweep itself.
func (q *RedisGapQueue) Ack(ctx context.Context, transactionID string) (int, error) {
	entries, err := q.entries(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.gap.TransactionID != transactionID {
			continue
		}
		n, err := q.redis.LRem(ctx, unrefundedQueueKey, 0, e.raw).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}

func (q *RedisGapQueue) remove(ctx context.Context, raw string) error {
	return q.redis.LRem(ctx, unrefundedQueueKey, 1, raw).Err()
}

// ClaimLister finds payment claims that never received their credits.
type ClaimLister interface {
	ListUncreditedClaims(ctx context.Context, olderThan time.Time) ([]models.PaymentTransaction, error)
}

type ReconciliationReport struct {
	GeneratedAt      time.Time                   `json:"generated_at"`
	StaleBefore      time.Time                   `json:"stale_before"`
	StalePending     []models.CreditTransaction  `json:"stale_pending"`
	Unrefunded       []models.CreditTransaction  `json:"unrefunded"`
	QueuedGaps       []UnrefundedGap             `json:"queued_gaps"`
	ResolvedGaps     int                         `json:"resolved_gaps"`
	UncreditedClaims []models.PaymentTransaction `json:"uncredited_claims"`
}

// Clean reports whether the sweep found nothing to reconcile.
func (r *ReconciliationReport) Clean() bool {
	return len(r.StalePending) == 0 && len(r.Unrefunded) == 0 && len(r.QueuedGaps) == 0 &&
		len(r.UncreditedClaims) == 0
}

// ReconciliationService lists ledger anomalies. It never changes balances;
// resolving an entry is an operator decision. The only write it makes is
// dropping queued gaps whose transaction has since been refunded.
type ReconciliationService struct {
	store      ledger.Store
	queue      *RedisGapQueue
	claims     ClaimLister
	staleAfter time.Duration
	now        func() time.Time
}

// NewReconciliationService builds the sweep. queue and claims may be nil.
func NewReconciliationService(store ledger.Store, queue *RedisGapQueue, claims ClaimLister, staleAfter time.Duration) *ReconciliationService {
	return &ReconciliationService{store: store, queue: queue, claims: claims, staleAfter: staleAfter, now: time.Now}
}

func (s *ReconciliationService) Report(ctx context.Context) (*ReconciliationReport, error) {
	now := s.now().UTC()
	report := &ReconciliationReport{
		GeneratedAt: now,
		StaleBefore: now.Add(-s.staleAfter),
	}

	stale, err := s.store.ListStalePending(ctx, report.StaleBefore)
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	report.StalePending = stale

	unrefunded, err := s.store.ListUnrefunded(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unrefunded: %w", err)
	}
	report.Unrefunded = unrefunded

	if s.claims != nil {
		claims, err := s.claims.ListUncreditedClaims(ctx, report.StaleBefore)
		if err != nil {
			return nil, fmt.Errorf("list uncredited claims: %w", err)
		}
		report.UncreditedClaims = claims
	}

	if s.queue != nil {
		s.sweepQueue(ctx, report)
	}

	logrus.WithFields(logrus.Fields{
		"stale_pending":     len(report.StalePending),
		"unrefunded":        len(report.Unrefunded),
		"queued_gaps":       len(report.QueuedGaps),
		"resolved_gaps":     report.ResolvedGaps,
		"uncredited_claims": len(report.UncreditedClaims),
	}).Info("[RECONCILE] Sweep finished")
	return report, nil
}

func (s *ReconciliationService) sweepQueue(ctx context.Context, report *ReconciliationReport) {
	entries, err := s.queue.entries(ctx)
	if err != nil {
		logrus.WithError(err).Warn("[RECONCILE] Could not read gap queue")
		return
	}

	for _, e := range entries {
		if !s.gapResolved(ctx, e.gap) {
			report.QueuedGaps = append(report.QueuedGaps, e.gap)
			continue
		}
		if err := s.queue.remove(ctx, e.raw); err != nil {
			logrus.WithError(err).WithField("transaction_id", e.gap.TransactionID).Warn("[RECONCILE] Could not drop resolved gap")
			report.QueuedGaps = append(report.QueuedGaps, e.gap)
			continue
		}
		report.ResolvedGaps++
	}
}

// gapResolved reports whether the gap's deduction is no longer completed, i.e.
// it was refunded after the gap was queued. Unknown transactions stay queued.
func (s *ReconciliationService) gapResolved(ctx context.Context, gap UnrefundedGap) bool {
	tx, err := s.store.GetTransaction(ctx, gap.TransactionID)
	if err != nil {
		return false
	}
	return tx.Status != models.TransactionCompleted
}
