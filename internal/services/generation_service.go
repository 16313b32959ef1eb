package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/config"
	"github.com/adforge/backend/internal/models"
)

var (
	ErrInvalidRequest = errors.New("invalid generation request")
	ErrRateLimited    = errors.New("daily generation limit reached")
)

const devModeQuality = "low"

type GenerateAdRequest struct {
	Prompt     string       `validate:"required,max=4000"`
	Name       string       `validate:"max=200"`
	AdType     string       `validate:"max=50"`
	BrandID    string       `validate:"omitempty,max=100"`
	Quality    string       `validate:"omitempty,oneof=high medium low auto"`
	NumSamples int          `validate:"gte=0"`
	Images     []InputImage `validate:"required,min=1,dive"`
}

type GenerateAdResult struct {
	AdID        string   `json:"ad_id"`
	Images      []string `json:"images"`
	CreditsUsed int64    `json:"credits_used"`
	Balance     int64    `json:"balance"`
}

// GenerationService runs ad generation inside a credit saga. The saga owns
// billing; this service owns validation, rate limiting and the pipeline steps.
type GenerationService struct {
	saga      *CreditSaga
	ads       *AdService
	generator ImageGenerator
	storage   ImageStore
	limiter   *RateLimiter
	validator *ValidationHelper
	cfg       *config.GenerationConfig
}

func NewGenerationService(saga *CreditSaga, ads *AdService, generator ImageGenerator, storage ImageStore, limiter *RateLimiter, cfg *config.GenerationConfig) *GenerationService {
	vh := NewValidationHelper()
	if err := vh.RegisterMaxBytes("maximagesize", cfg.MaxImageSize); err != nil {
		logrus.WithError(err).Fatal("[GENERATION] Failed to register image size validation")
	}
	if cfg.DevMode {
		logrus.Warn("[GENERATION] Dev mode: rate limit disabled, generation quality forced to low")
	}
	return &GenerationService{
		saga:      saga,
		ads:       ads,
		generator: generator,
		storage:   storage,
		limiter:   limiter,
		validator: vh,
		cfg:       cfg,
	}
}

func (s *GenerationService) normalize(req *GenerateAdRequest) {
	if req.Quality == "" {
		req.Quality = s.cfg.DefaultQuality
	}
	if req.NumSamples == 0 {
		req.NumSamples = 1
	}
	if req.Name == "" {
		req.Name = "Untitled ad"
	}
}

func (s *GenerationService) validate(req *GenerateAdRequest) error {
	if err := s.validator.ValidateStruct(req); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.NumSamples > s.cfg.MaxSamples {
		return fmt.Errorf("%w: numSamples must be between 1 and %d", ErrInvalidRequest, s.cfg.MaxSamples)
	}
	if len(req.Images) > s.cfg.MaxImages {
		return fmt.Errorf("%w: at most %d images allowed", ErrInvalidRequest, s.cfg.MaxImages)
	}
	return nil
}

// CostParams are the request fields the pricing engine bills on.
func CostParams(quality string, numSamples int) map[string]any {
	return map[string]any{"quality": quality, "numSamples": numSamples}
}

// QuoteAd prices a generation request without charging for it.
func (s *GenerationService) QuoteAd(ctx context.Context, quality string, numSamples int) int64 {
	req := GenerateAdRequest{Quality: quality, NumSamples: numSamples}
	s.normalize(&req)
	return s.saga.Quote(ctx, models.OperationGenerateAd, CostParams(req.Quality, req.NumSamples))
}

func (s *GenerationService) GenerateAd(ctx context.Context, userID string, req GenerateAdRequest) (*GenerateAdResult, error) {
	s.normalize(&req)
	if err := s.validate(&req); err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{"user_id": userID, "quality": req.Quality, "samples": req.NumSamples})

	generationQuality := req.Quality
	if s.cfg.DevMode {
		generationQuality = devModeQuality
	} else if _, ok := s.limiter.Allow(ctx, userID); !ok {
		log.Warn("[GENERATION] Rate limit exceeded")
		return nil, ErrRateLimited
	}

	draft := models.GeneratedAd{
		ID:     uuid.NewString(),
		Name:   req.Name,
		Prompt: req.Prompt,
		AdType: req.AdType,
		Metadata: models.Metadata{
			"quality":     req.Quality,
			"num_samples": req.NumSamples,
			"image_count": len(req.Images),
		},
	}
	if req.BrandID != "" {
		brandID := req.BrandID
		draft.BrandID = &brandID
	}

	sagaReq := SagaRequest{
		UserID:      userID,
		Operation:   models.OperationGenerateAd,
		OperationID: draft.ID,
		Params:      CostParams(req.Quality, req.NumSamples),
		Metadata:    models.Metadata{"ad_id": draft.ID, "quality": req.Quality, "num_samples": req.NumSamples},
	}

	result, err := s.saga.Run(ctx, sagaReq, s.ads.Records(draft), func(ctx context.Context, adID string) (any, error) {
		return s.runPipeline(ctx, userID, adID, req, generationQuality)
	})
	if err != nil {
		return nil, err
	}

	if !s.cfg.DevMode {
		s.limiter.Record(ctx, userID)
	}

	urls, _ := result.Output.([]string)
	log.WithFields(logrus.Fields{"ad_id": result.RecordID, "credits": result.CreditsCharged}).Info("[GENERATION] Ad generated")
	return &GenerateAdResult{
		AdID:        result.RecordID,
		Images:      urls,
		CreditsUsed: result.CreditsCharged,
		Balance:     result.Balance,
	}, nil
}

// runPipeline stores the inputs, generates the images and stores the results.
// Any error fails the ad and triggers the refund.
func (s *GenerationService) runPipeline(ctx context.Context, userID, adID string, req GenerateAdRequest, quality string) ([]string, error) {
	inputURLs := make([]string, 0, len(req.Images))
	for i, img := range req.Images {
		url, err := s.storage.Save(ctx, InputImagePath(userID, adID, i), img.Data)
		if err != nil {
			return nil, fmt.Errorf("store input image %d: %w", i, err)
		}
		inputURLs = append(inputURLs, url)
	}
	if err := s.ads.SetOriginalImages(ctx, adID, inputURLs); err != nil {
		return nil, err
	}

	prompt, err := s.generator.FormatPrompt(ctx, req.Prompt)
	if err != nil {
		logrus.WithError(err).WithField("ad_id", adID).Warn("[GENERATION] Prompt formatting failed, using original prompt")
		prompt = req.Prompt
	}

	images, err := s.generator.GenerateImages(ctx, ImageGenerationRequest{
		Prompt:     prompt,
		Images:     req.Images,
		Quality:    quality,
		NumSamples: req.NumSamples,
	})
	if err != nil {
		return nil, fmt.Errorf("generate images: %w", err)
	}

	resultURLs := make([]string, 0, len(images))
	for i, data := range images {
		url, err := s.storage.Save(ctx, ResultImagePath(userID, adID, i), data)
		if err != nil {
			return nil, fmt.Errorf("store result image %d: %w", i, err)
		}
		resultURLs = append(resultURLs, url)
	}
	if err := s.ads.SetResultURLs(ctx, adID, resultURLs); err != nil {
		return nil, err
	}
	return resultURLs, nil
}
