package services

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/adforge/backend/internal/models"
)

type MockImageStore struct {
	mock.Mock
}

func (m *MockImageStore) Save(ctx context.Context, path string, data []byte) (string, error) {
	args := m.Called(ctx, path, data)
	return args.String(0), args.Error(1)
}

func (m *MockImageStore) Delete(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

var adRowColumns = []string{
	"id", "user_id", "brand_id", "name", "prompt", "ad_type", "status", "credits_used", "credit_transaction_id",
	"original_image_urls", "result_urls", "error_message", "metadata", "created_at", "completed_at",
}

func adRow(id, userID string) *sqlmock.Rows {
	return sqlmock.NewRows(adRowColumns).AddRow(
		id, userID, nil, "Iced coffee", "Summer banner", "banner", "completed", 6, "tx-1",
		"{http://cdn/in_0.png}", "{http://cdn/out_0.png,http://cdn/out_1.png}", nil,
		[]byte(`{"quality":"high"}`), time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), nil,
	)
}

func TestAdService_GetAd(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAdService(db, nil)

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM generated_ads WHERE id = \\$1").
			WithArgs("ad-1").
			WillReturnRows(adRow("ad-1", "user-1"))

		ad, err := service.GetAd(context.Background(), "ad-1")

		require.NoError(t, err)
		assert.Equal(t, models.AdStatusCompleted, ad.Status)
		assert.Nil(t, ad.BrandID)
		assert.Equal(t, []string{"http://cdn/out_0.png", "http://cdn/out_1.png"}, ad.ResultURLs)
		assert.Equal(t, "high", ad.Metadata["quality"])
		assert.Nil(t, ad.CompletedAt)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM generated_ads WHERE id = \\$1").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := service.GetAd(context.Background(), "missing")

		assert.ErrorIs(t, err, ErrAdNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdService_DeleteAd(t *testing.T) {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	storage := &MockImageStore{}
	service := NewAdService(db, storage)

	t.Run("owner deletes ad and images", func(t *testing.T) {
		sqlMock.ExpectQuery("SELECT (.+) FROM generated_ads WHERE id = \\$1").
			WithArgs("ad-1").
			WillReturnRows(adRow("ad-1", "user-1"))
		storage.On("Delete", mock.Anything, "http://cdn/in_0.png").Return(nil).Once()
		storage.On("Delete", mock.Anything, "http://cdn/out_0.png").Return(nil).Once()
		storage.On("Delete", mock.Anything, "http://cdn/out_1.png").Return(ErrInvalidImagePath).Once()
		sqlMock.ExpectExec("DELETE FROM generated_ads WHERE id = \\$1 AND user_id = \\$2").
			WithArgs("ad-1", "user-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := service.DeleteAd(context.Background(), "user-1", "ad-1")

		assert.NoError(t, err, "storage failures do not block the delete")
		storage.AssertExpectations(t)
	})

	t.Run("other user is forbidden", func(t *testing.T) {
		sqlMock.ExpectQuery("SELECT (.+) FROM generated_ads WHERE id = \\$1").
			WithArgs("ad-2").
			WillReturnRows(adRow("ad-2", "someone-else"))

		err := service.DeleteAd(context.Background(), "user-1", "ad-2")

		assert.ErrorIs(t, err, ErrAdForbidden)
	})

	t.Run("missing ad", func(t *testing.T) {
		sqlMock.ExpectQuery("SELECT (.+) FROM generated_ads WHERE id = \\$1").
			WithArgs("ad-3").
			WillReturnError(sql.ErrNoRows)

		err := service.DeleteAd(context.Background(), "user-1", "ad-3")

		assert.ErrorIs(t, err, ErrAdNotFound)
	})

	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestAdService_ListAds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM generated_ads WHERE user_id = \\$1 ORDER BY created_at DESC LIMIT \\$2 OFFSET \\$3").
		WithArgs("user-1", 20, 0).
		WillReturnRows(adRow("ad-1", "user-1"))

	ads, err := NewAdService(db, nil).ListAds(context.Background(), "user-1", 0, -5)

	require.NoError(t, err)
	require.Len(t, ads, 1)
	assert.Equal(t, "ad-1", ads[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdService_Records(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	service := NewAdService(db, nil)
	service.newID = func() string { return "ad-9" }
	records := service.Records(models.GeneratedAd{Name: "Iced coffee", Prompt: "Summer banner"})

	mock.ExpectExec("INSERT INTO generated_ads").
		WithArgs("ad-9", "user-1", nil, "Iced coffee", "Summer banner", "", "pending", 6, "tx-1",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE generated_ads SET status").
		WithArgs("failed", "boom", "ad-9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := records.CreateRecord(context.Background(), Reservation{TransactionID: "tx-1", UserID: "user-1", Credits: 6})
	require.NoError(t, err)
	assert.Equal(t, "ad-9", id)

	err = records.FailRecord(context.Background(), "ad-9", "boom")
	assert.ErrorIs(t, err, ErrAdNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}
