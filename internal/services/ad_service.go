package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/models"
)

var (
	ErrAdNotFound  = errors.New("ad not found")
	ErrAdForbidden = errors.New("ad belongs to another user")
)

const adColumns = `id, user_id, brand_id, name, prompt, ad_type, status, credits_used, credit_transaction_id,
	original_image_urls, result_urls, error_message, metadata, created_at, completed_at`

// AdService stores generated_ads rows, the business records credits are reserved against.
type AdService struct {
	db      *sql.DB
	storage ImageStore
	now     func() time.Time
	newID   func() string
}

func NewAdService(db *sql.DB, storage ImageStore) *AdService {
	return &AdService{db: db, storage: storage, now: time.Now, newID: uuid.NewString}
}

func (s *AdService) CreateAd(ctx context.Context, ad *models.GeneratedAd) error {
	if ad.ID == "" {
		ad.ID = s.newID()
	}
	if ad.Status == "" {
		ad.Status = models.AdStatusPending
	}
	ad.CreatedAt = s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generated_ads (`+adColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL, $12, $13, NULL)`,
		ad.ID, ad.UserID, ad.BrandID, ad.Name, ad.Prompt, ad.AdType, string(ad.Status), ad.CreditsUsed,
		sql.NullString{String: ad.CreditTransactionID, Valid: ad.CreditTransactionID != ""}, pq.Array(ad.OriginalImageURLs), pq.Array(ad.ResultURLs), ad.Metadata, ad.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert generated ad: %w", err)
	}
	return nil
}

func (s *AdService) SetOriginalImages(ctx context.Context, adID string, urls []string) error {
	return s.exec(ctx, "set original images", `
		UPDATE generated_ads SET original_image_urls = $1 WHERE id = $2`, pq.Array(urls), adID)
}

func (s *AdService) SetResultURLs(ctx context.Context, adID string, urls []string) error {
	return s.exec(ctx, "set result urls", `
		UPDATE generated_ads SET result_urls = $1 WHERE id = $2`, pq.Array(urls), adID)
}

func (s *AdService) CompleteAd(ctx context.Context, adID string) error {
	return s.exec(ctx, "complete ad", `
		UPDATE generated_ads SET status = $1, completed_at = $2 WHERE id = $3`,
		string(models.AdStatusCompleted), s.now(), adID)
}

func (s *AdService) FailAd(ctx context.Context, adID, message string) error {
	return s.exec(ctx, "fail ad", `
		UPDATE generated_ads SET status = $1, error_message = $2 WHERE id = $3`,
		string(models.AdStatusFailed), message, adID)
}

func (s *AdService) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s: %w", op, ErrAdNotFound)
	}
	return nil
}

func (s *AdService) GetAd(ctx context.Context, adID string) (*models.GeneratedAd, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+adColumns+` FROM generated_ads WHERE id = $1`, adID)
	ad, err := scanAd(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAdNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get generated ad: %w", err)
	}
	return ad, nil
}

func (s *AdService) ListAds(ctx context.Context, userID string, limit, offset int) ([]models.GeneratedAd, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+adColumns+`
		FROM generated_ads
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list generated ads: %w", err)
	}
	defer rows.Close()

	ads := []models.GeneratedAd{}
	for rows.Next() {
		ad, err := scanAd(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generated ad: %w", err)
		}
		ads = append(ads, *ad)
	}
	return ads, rows.Err()
}

// DeleteAd removes an ad owned by userID along with its stored images. Credits are not touched.
func (s *AdService) DeleteAd(ctx context.Context, userID, adID string) error {
	ad, err := s.GetAd(ctx, adID)
	if err != nil {
		return err
	}
	if ad.UserID != userID {
		return ErrAdForbidden
	}

	if s.storage != nil {
		for _, url := range append(append([]string{}, ad.OriginalImageURLs...), ad.ResultURLs...) {
			if err := s.storage.Delete(ctx, url); err != nil {
				logrus.WithError(err).WithFields(logrus.Fields{"ad_id": adID, "url": url}).Warn("[ADS] Failed to delete stored image")
			}
		}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM generated_ads WHERE id = $1 AND user_id = $2`, adID, userID); err != nil {
		return fmt.Errorf("delete generated ad: %w", err)
	}
	logrus.WithFields(logrus.Fields{"ad_id": adID, "user_id": userID}).Info("[ADS] Ad deleted")
	return nil
}

// Records returns a RecordStore that creates ads from draft when a reservation is made.
func (s *AdService) Records(draft models.GeneratedAd) RecordStore {
	return &adRecords{ads: s, draft: draft}
}

type adRecords struct {
	ads   *AdService
	draft models.GeneratedAd
}

func (r *adRecords) CreateRecord(ctx context.Context, res Reservation) (string, error) {
	ad := r.draft
	ad.UserID = res.UserID
	ad.Status = models.AdStatusPending
	ad.CreditsUsed = res.Credits
	ad.CreditTransactionID = res.TransactionID
	if err := r.ads.CreateAd(ctx, &ad); err != nil {
		return "", err
	}
	return ad.ID, nil
}

func (r *adRecords) CompleteRecord(ctx context.Context, recordID string) error {
	return r.ads.CompleteAd(ctx, recordID)
}

func (r *adRecords) FailRecord(ctx context.Context, recordID, message string) error {
	return r.ads.FailAd(ctx, recordID, message)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAd(row rowScanner) (*models.GeneratedAd, error) {
	var (
		ad          models.GeneratedAd
		brandID     sql.NullString
		errMsg      sql.NullString
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(&ad.ID, &ad.UserID, &brandID, &ad.Name, &ad.Prompt, &ad.AdType, &status, &ad.CreditsUsed,
		&ad.CreditTransactionID, pq.Array(&ad.OriginalImageURLs), pq.Array(&ad.ResultURLs), &errMsg,
		&ad.Metadata, &ad.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	ad.Status = models.AdStatus(status)
	if brandID.Valid {
		ad.BrandID = &brandID.String
	}
	ad.ErrorMessage = errMsg.String
	if completedAt.Valid {
		ad.CompletedAt = &completedAt.Time
	}
	return &ad, nil
}
