package services

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/adforge/backend/internal/config"
	"github.com/adforge/backend/internal/ledger"
	"github.com/adforge/backend/internal/models"
)

var fixedDay = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type generationFixture struct {
	service   *GenerationService
	store     *ledger.MemoryStore
	sqlMock   sqlmock.Sqlmock
	redisMock redismock.ClientMock
	generator *MockImageGenerator
}

func newGenerationFixture(t *testing.T, balance int64, devMode bool) *generationFixture {
	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	redisClient, redisMock := redismock.NewClientMock()

	store := ledger.NewMemoryStore()
	if balance > 0 {
		_, err := store.Credit(context.Background(), ledger.CreditRequest{UserID: "user-1", Amount: balance, Source: models.OperationPurchase})
		require.NoError(t, err)
	}

	cfg := &config.GenerationConfig{
		DevMode:           devMode,
		MaxImageSize:      16,
		MaxImages:         2,
		MaxSamples:        5,
		MaxRequestsPerDay: 3,
		DefaultQuality:    "medium",
	}
	storage := NewLocalImageStore(t.TempDir(), "http://cdn/ads")
	limiter := NewRateLimiter(redisClient, "generate_ad", cfg.MaxRequestsPerDay)
	limiter.now = func() time.Time { return fixedDay }
	generator := &MockImageGenerator{}

	saga := newTestSaga(store, nil)
	service := NewGenerationService(saga, NewAdService(db, storage), generator, storage, limiter, cfg)

	return &generationFixture{service: service, store: store, sqlMock: sqlMock, redisMock: redisMock, generator: generator}
}

func validAdRequest() GenerateAdRequest {
	return GenerateAdRequest{
		Prompt:     "Summer sale banner for iced coffee",
		Name:       "Iced coffee",
		Quality:    "high",
		NumSamples: 3,
		Images:     []InputImage{{Filename: "cup.png", Data: []byte("cup")}},
	}
}

const rateKey = "ratelimit:generate_ad:user-1:2026-03-14"

func TestGenerationService_GenerateAd_Success(t *testing.T) {
	f := newGenerationFixture(t, 10, false)

	f.redisMock.ExpectGet(rateKey).RedisNil()
	f.sqlMock.ExpectExec("INSERT INTO generated_ads").WillReturnResult(sqlmock.NewResult(0, 1))
	f.sqlMock.ExpectExec("UPDATE generated_ads SET original_image_urls").WillReturnResult(sqlmock.NewResult(0, 1))
	f.generator.On("FormatPrompt", mock.Anything, "Summer sale banner for iced coffee").Return("Bright summer banner", nil)
	f.generator.On("GenerateImages", mock.Anything, mock.MatchedBy(func(req ImageGenerationRequest) bool {
		return req.Prompt == "Bright summer banner" && req.Quality == "high" && req.NumSamples == 3
	})).Return([][]byte{[]byte("a"), []byte("b"), []byte("c")}, nil)
	f.sqlMock.ExpectExec("UPDATE generated_ads SET result_urls").WillReturnResult(sqlmock.NewResult(0, 1))
	f.sqlMock.ExpectExec("UPDATE generated_ads SET status").
		WithArgs("completed", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.redisMock.ExpectIncr(rateKey).SetVal(1)
	f.redisMock.ExpectExpire(rateKey, 24*time.Hour).SetVal(true)

	result, err := f.service.GenerateAd(context.Background(), "user-1", validAdRequest())

	require.NoError(t, err)
	assert.Equal(t, int64(6), result.CreditsUsed)
	assert.Equal(t, int64(4), result.Balance)
	require.Len(t, result.Images, 3)
	assert.Equal(t, "http://cdn/ads/user-ad-generation/user-1/result/result_"+result.AdID+"_0.png", result.Images[0])

	balance, err := f.store.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)

	assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	assert.NoError(t, f.redisMock.ExpectationsWereMet())
	f.generator.AssertExpectations(t)
}

func TestGenerationService_GenerateAd_GenerationFailureRefunds(t *testing.T) {
	f := newGenerationFixture(t, 10, false)

	f.redisMock.ExpectGet(rateKey).SetVal("1")
	f.sqlMock.ExpectExec("INSERT INTO generated_ads").WillReturnResult(sqlmock.NewResult(0, 1))
	f.sqlMock.ExpectExec("UPDATE generated_ads SET original_image_urls").WillReturnResult(sqlmock.NewResult(0, 1))
	f.generator.On("FormatPrompt", mock.Anything, mock.Anything).Return("", errors.New("prompt service down"))
	f.generator.On("GenerateImages", mock.Anything, mock.MatchedBy(func(req ImageGenerationRequest) bool {
		return req.Prompt == "Summer sale banner for iced coffee"
	})).Return(nil, errors.New("image API returned status 500"))
	f.sqlMock.ExpectExec("UPDATE generated_ads SET status").
		WithArgs("failed", "generate images: image API returned status 500", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := f.service.GenerateAd(context.Background(), "user-1", validAdRequest())

	var sagaErr *SagaError
	require.True(t, errors.As(err, &sagaErr))
	assert.Equal(t, ChargeRefunded, sagaErr.Outcome)

	balance, err := f.store.GetBalance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	assert.NoError(t, f.sqlMock.ExpectationsWereMet())
	assert.NoError(t, f.redisMock.ExpectationsWereMet())
}

func TestGenerationService_GenerateAd_InsufficientCredits(t *testing.T) {
	f := newGenerationFixture(t, 2, false)
	f.redisMock.ExpectGet(rateKey).RedisNil()

	_, err := f.service.GenerateAd(context.Background(), "user-1", validAdRequest())

	var sagaErr *SagaError
	require.True(t, errors.As(err, &sagaErr))
	assert.True(t, sagaErr.PaymentRequired())
	assert.Equal(t, int64(6), sagaErr.RequiredCredits)
	assert.NoError(t, f.sqlMock.ExpectationsWereMet(), "no ad record is created")
	f.generator.AssertNotCalled(t, "GenerateImages", mock.Anything, mock.Anything)
}

func TestGenerationService_GenerateAd_RateLimited(t *testing.T) {
	f := newGenerationFixture(t, 10, false)
	f.redisMock.ExpectGet(rateKey).SetVal("3")

	_, err := f.service.GenerateAd(context.Background(), "user-1", validAdRequest())

	assert.ErrorIs(t, err, ErrRateLimited)
	balance, _ := f.store.GetBalance(context.Background(), "user-1")
	assert.Equal(t, int64(10), balance)
}

func TestGenerationService_GenerateAd_DevMode(t *testing.T) {
	f := newGenerationFixture(t, 10, true)

	f.sqlMock.ExpectExec("INSERT INTO generated_ads").WillReturnResult(sqlmock.NewResult(0, 1))
	f.sqlMock.ExpectExec("UPDATE generated_ads SET original_image_urls").WillReturnResult(sqlmock.NewResult(0, 1))
	f.generator.On("FormatPrompt", mock.Anything, mock.Anything).Return("p", nil)
	f.generator.On("GenerateImages", mock.Anything, mock.MatchedBy(func(req ImageGenerationRequest) bool {
		return req.Quality == "low"
	})).Return([][]byte{[]byte("a")}, nil)
	f.sqlMock.ExpectExec("UPDATE generated_ads SET result_urls").WillReturnResult(sqlmock.NewResult(0, 1))
	f.sqlMock.ExpectExec("UPDATE generated_ads SET status").WillReturnResult(sqlmock.NewResult(0, 1))

	req := validAdRequest()
	req.NumSamples = 1
	result, err := f.service.GenerateAd(context.Background(), "user-1", req)

	require.NoError(t, err)
	assert.Equal(t, int64(4), result.CreditsUsed, "billing still follows the requested quality")
	assert.NoError(t, f.redisMock.ExpectationsWereMet())
	f.generator.AssertExpectations(t)
}

func TestGenerationService_GenerateAd_Validation(t *testing.T) {
	f := newGenerationFixture(t, 10, false)

	tests := []struct {
		name   string
		modify func(*GenerateAdRequest)
	}{
		{"missing prompt", func(r *GenerateAdRequest) { r.Prompt = "" }},
		{"no images", func(r *GenerateAdRequest) { r.Images = nil }},
		{"image too large", func(r *GenerateAdRequest) { r.Images[0].Data = bytes.Repeat([]byte("x"), 17) }},
		{"too many images", func(r *GenerateAdRequest) {
			r.Images = append(r.Images, InputImage{Data: []byte("a")}, InputImage{Data: []byte("b")})
		}},
		{"bad quality", func(r *GenerateAdRequest) { r.Quality = "ultra" }},
		{"too many samples", func(r *GenerateAdRequest) { r.NumSamples = 6 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validAdRequest()
			tt.modify(&req)

			_, err := f.service.GenerateAd(context.Background(), "user-1", req)

			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	t.Run("field details are kept", func(t *testing.T) {
		req := validAdRequest()
		req.Prompt = ""
		_, err := f.service.GenerateAd(context.Background(), "user-1", req)

		var fieldErrs validator.ValidationErrors
		require.True(t, errors.As(err, &fieldErrs))
		assert.Equal(t, "Prompt", fieldErrs[0].Field())
	})
}

func TestGenerationService_QuoteAd(t *testing.T) {
	f := newGenerationFixture(t, 0, false)

	assert.Equal(t, int64(6), f.service.QuoteAd(context.Background(), "high", 3))
	assert.Equal(t, int64(3), f.service.QuoteAd(context.Background(), "", 0))
}
