package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/ledger"
	mW "github.com/adforge/backend/internal/middleware"
	"github.com/adforge/backend/internal/models"
	"github.com/adforge/backend/internal/services"
)

const multipartMemory = 32 << 20

type AdGenerator interface {
	GenerateAd(ctx context.Context, userID string, req services.GenerateAdRequest) (*services.GenerateAdResult, error)
	QuoteAd(ctx context.Context, quality string, numSamples int) int64
}

type AdRepository interface {
	GetAd(ctx context.Context, adID string) (*models.GeneratedAd, error)
	ListAds(ctx context.Context, userID string, limit, offset int) ([]models.GeneratedAd, error)
	DeleteAd(ctx context.Context, userID, adID string) error
}

type AdHandler struct {
	generator    AdGenerator
	ads          AdRepository
	maxImageSize int64
}

func NewAdHandler(generator AdGenerator, ads AdRepository, maxImageSize int64) *AdHandler {
	return &AdHandler{generator: generator, ads: ads, maxImageSize: maxImageSize}
}

func (h *AdHandler) Routes(r chi.Router) {
	r.Post("/ads/generate", h.GenerateAd)
	r.Get("/ads", h.ListAds)
	r.Get("/ads/{adId}", h.GetAd)
	r.Delete("/ads/{adId}", h.DeleteAd)
}

// GenerateAd charges credits and generates ad images
// @Summary Generate ad
// @Description Multipart form: prompt, name, adType, brandId, numSamples, quality, images
// @Tags Ads
// @Accept multipart/form-data
// @Produce json
// @Security BearerAuth
// @Success 200 {object} services.GenerateAdResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 402 {object} object{error=string,requiredCredits=int64}
// @Failure 429 {object} services.ErrorResponse
// @Router /ads/generate [post]
func (h *AdHandler) GenerateAd(w http.ResponseWriter, r *http.Request) {
	userID, ok := mW.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		services.SendErrorResponse(w, "Invalid multipart form", http.StatusBadRequest, err)
		return
	}

	req, err := h.readGenerateForm(r.MultipartForm)
	if err != nil {
		services.SendErrorResponse(w, "Invalid request", http.StatusBadRequest, err)
		return
	}

	result, err := h.generator.GenerateAd(r.Context(), userID, req)
	if err != nil {
		h.writeGenerateError(w, userID, err)
		return
	}

	services.SendJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"ad_id":        result.AdID,
		"images":       result.Images,
		"credits_used": result.CreditsUsed,
		"balance":      result.Balance,
	})
}

func (h *AdHandler) readGenerateForm(form *multipart.Form) (services.GenerateAdRequest, error) {
	value := func(key string) string {
		if v := form.Value[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	req := services.GenerateAdRequest{
		Prompt:  value("prompt"),
		Name:    value("name"),
		AdType:  value("adType"),
		BrandID: value("brandId"),
		Quality: value("quality"),
	}
	if raw := value("numSamples"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("numSamples must be an integer")
		}
		req.NumSamples = n
	}

	files := append(form.File["images"], form.File["images[]"]...)
	for _, fh := range files {
		if h.maxImageSize > 0 && fh.Size > h.maxImageSize {
			return req, fmt.Errorf("image %s exceeds %d bytes", fh.Filename, h.maxImageSize)
		}
		data, err := readFormFile(fh)
		if err != nil {
			return req, fmt.Errorf("read image %s: %w", fh.Filename, err)
		}
		req.Images = append(req.Images, services.InputImage{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return req, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (h *AdHandler) writeGenerateError(w http.ResponseWriter, userID string, err error) {
	log := logrus.WithError(err).WithField("user_id", userID)

	if errors.Is(err, services.ErrInvalidRequest) {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}
	if errors.Is(err, services.ErrRateLimited) {
		services.SendErrorResponse(w, "Daily generation limit reached", http.StatusTooManyRequests, nil)
		return
	}

	var sagaErr *services.SagaError
	if !errors.As(err, &sagaErr) {
		log.Error("[ADS] Generation failed")
		services.SendErrorResponse(w, "Failed to generate ad", http.StatusInternalServerError, err)
		return
	}

	if sagaErr.PaymentRequired() {
		msg := "Insufficient credits"
		if errors.Is(sagaErr, ledger.ErrNoAccount) {
			msg = "No credit account found. Purchase credits to get started."
		}
		services.SendJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":            msg,
			"requiredCredits":  sagaErr.RequiredCredits,
			"availableCredits": sagaErr.AvailableCredits,
		})
		return
	}

	if sagaErr.Outcome == services.ChargeRefundFailed {
		log.WithField("transaction_id", sagaErr.TransactionID).Error("[ADS] Generation failed and refund did not complete")
	} else {
		log.WithField("charge", sagaErr.Outcome).Warn("[ADS] Generation failed")
	}
	services.SendJSON(w, http.StatusInternalServerError, map[string]any{
		"error":   "Failed to generate ad",
		"details": sagaErr.Err.Error(),
		"charge":  sagaErr.Outcome,
	})
}

func (h *AdHandler) GetAd(w http.ResponseWriter, r *http.Request) {
	userID, ok := mW.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	ad, err := h.ads.GetAd(r.Context(), chi.URLParam(r, "adId"))
	if errors.Is(err, services.ErrAdNotFound) || (err == nil && ad.UserID != userID) {
		services.SendErrorResponse(w, "Ad not found or access denied", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		services.SendErrorResponse(w, "Failed to fetch ad", http.StatusInternalServerError, err)
		return
	}
	services.SendJSON(w, http.StatusOK, ad)
}

func (h *AdHandler) ListAds(w http.ResponseWriter, r *http.Request) {
	userID, ok := mW.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, offset := pagination(r)
	ads, err := h.ads.ListAds(r.Context(), userID, limit, offset)
	if err != nil {
		services.SendErrorResponse(w, "Failed to list ads", http.StatusInternalServerError, err)
		return
	}
	if ads == nil {
		ads = []models.GeneratedAd{}
	}
	services.SendJSON(w, http.StatusOK, map[string]any{"ads": ads, "limit": limit, "offset": offset})
}

// DeleteAd removes an ad and its stored images. Credits are not returned.
func (h *AdHandler) DeleteAd(w http.ResponseWriter, r *http.Request) {
	userID, ok := mW.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	adID := chi.URLParam(r, "adId")
	if adID == "" {
		services.SendErrorResponse(w, "Ad ID is required", http.StatusBadRequest, nil)
		return
	}

	switch err := h.ads.DeleteAd(r.Context(), userID, adID); {
	case err == nil:
		services.SendJSON(w, http.StatusOK, map[string]bool{"success": true})
	case errors.Is(err, services.ErrAdNotFound):
		services.SendErrorResponse(w, "Ad not found or access denied", http.StatusNotFound, nil)
	case errors.Is(err, services.ErrAdForbidden):
		services.SendErrorResponse(w, "You don't have permission to delete this ad", http.StatusForbidden, nil)
	default:
		logrus.WithError(err).WithField("ad_id", adID).Error("[ADS] Delete failed")
		services.SendErrorResponse(w, "Failed to delete ad", http.StatusInternalServerError, err)
	}
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
