package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	mW "github.com/adforge/backend/internal/middleware"
	"github.com/adforge/backend/internal/models"
	"github.com/adforge/backend/internal/services"
)

const maxWebhookBody = 1_048_576

type PaymentProcessor interface {
	ProcessWebhook(ctx context.Context, headers http.Header, body []byte) (*services.PaymentResult, error)
	ValidatePayment(ctx context.Context, userID, paymentID string) (*services.PaymentResult, error)
	ListPayments(ctx context.Context, userID string, limit, offset int) ([]models.PaymentTransaction, error)
}

type PaymentHandler struct {
	payments PaymentProcessor
}

func NewPaymentHandler(payments PaymentProcessor) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

func (h *PaymentHandler) Routes(r chi.Router) {
	r.Post("/payments/validate", h.ValidatePayment)
	r.Get("/payments", h.ListPayments)
}

func (h *PaymentHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := mW.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, offset := pagination(r)
	payments, err := h.payments.ListPayments(r.Context(), userID, limit, offset)
	if err != nil {
		services.SendErrorResponse(w, "Failed to list payments", http.StatusInternalServerError, err)
		return
	}
	if payments == nil {
		payments = []models.PaymentTransaction{}
	}
	services.SendJSON(w, http.StatusOK, map[string]any{"payments": payments, "limit": limit, "offset": offset})
}

// ValidatePayment serves both provider webhooks (webhook-id header present)
// and direct validation by a signed-in user. Webhooks that can never succeed
// answer 200 so the provider stops retrying; a bad signature answers 422 and a
// storage failure 500, which the provider retries.
// @Summary Validate payment and add credits
// @Tags Payments
// @Accept json
// @Produce json
// @Param request body object{payment_id=string,payment_status=string} false "Direct validation request"
// @Success 200 {object} services.PaymentResult
// @Failure 422 {object} services.ErrorResponse
// @Router /payments/validate [post]
func (h *PaymentHandler) ValidatePayment(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("webhook-id") != "" {
		h.handleWebhook(w, r)
		return
	}

	userID, ok := mW.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "No authorization header provided", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		PaymentID     string `json:"payment_id"`
		PaymentStatus string `json:"payment_status"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid JSON body", http.StatusBadRequest, nil)
		return
	}

	result, err := h.payments.ValidatePayment(r.Context(), userID, req.PaymentID)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"user_id": userID, "payment_id": req.PaymentID}).Warn("[PAYMENTS] Validation failed")
		services.SendErrorResponse(w, paymentErrorMessage(err), http.StatusUnprocessableEntity, err)
		return
	}
	writePaymentResult(w, result)
}

func (h *PaymentHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		services.SendErrorResponse(w, "Invalid JSON body", http.StatusBadRequest, nil)
		return
	}

	result, err := h.payments.ProcessWebhook(r.Context(), r.Header, body)
	if errors.Is(err, services.ErrInvalidSignature) {
		services.SendErrorResponse(w, "Webhook validation failed", http.StatusUnprocessableEntity, nil)
		return
	}
	if err != nil {
		status := http.StatusOK
		if !settledPaymentError(err) {
			logrus.WithError(err).WithField("webhook_id", r.Header.Get("webhook-id")).Error("[PAYMENTS] Webhook failed, asking provider to retry")
			status = http.StatusInternalServerError
		}
		services.SendErrorResponse(w, paymentErrorMessage(err), status, err)
		return
	}
	writePaymentResult(w, result)
}

// settledPaymentError reports whether a redelivery of the same webhook would
// fail the same way.
func settledPaymentError(err error) bool {
	for _, target := range []error{
		services.ErrPaymentAlreadyProcessed,
		services.ErrUnsupportedEvent,
		services.ErrPaymentInvalid,
		services.ErrPaymentNotSucceeded,
		services.ErrUnknownPlan,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writePaymentResult(w http.ResponseWriter, result *services.PaymentResult) {
	services.SendJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"message":           "Payment validated and credits added successfully.",
		"payment_id":        result.PaymentID,
		"credits_added":     result.CreditsAdded,
		"new_total_credits": result.NewTotalCredits,
	})
}

func paymentErrorMessage(err error) string {
	switch {
	case errors.Is(err, services.ErrPaymentAlreadyProcessed):
		return "This payment has already been processed."
	case errors.Is(err, services.ErrUnsupportedEvent):
		return "Currently only payment.succeeded webhooks are supported."
	case errors.Is(err, services.ErrPaymentInvalid):
		return "payment_id and payment_status are required."
	case errors.Is(err, services.ErrPaymentNotSucceeded):
		return "Payment has not succeeded."
	case errors.Is(err, services.ErrUnknownPlan):
		return "Unknown plan."
	default:
		return "Failed to process payment validation."
	}
}
