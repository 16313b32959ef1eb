package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/adforge/backend/internal/ledger"
	mW "github.com/adforge/backend/internal/middleware"
	"github.com/adforge/backend/internal/models"
	"github.com/adforge/backend/internal/services"
)

type CreditReader interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]models.CreditTransaction, error)
}

type CostQuoter interface {
	Quote(ctx context.Context, operation string, params map[string]any) int64
}

type CreditsHandler struct {
	ledger CreditReader
	quoter CostQuoter
	ads    AdGenerator
}

func NewCreditsHandler(store CreditReader, quoter CostQuoter, ads AdGenerator) *CreditsHandler {
	return &CreditsHandler{ledger: store, quoter: quoter, ads: ads}
}

func (h *CreditsHandler) Routes(r chi.Router) {
	r.Get("/credits/balance", h.GetBalance)
	r.Get("/credits/transactions", h.ListTransactions)
	r.Get("/credits/cost", h.GetCost)
}

// GetBalance returns the caller's balance. Users without an account have 0.
// @Summary Credit balance
// @Tags Credits
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balance=int64}
// @Router /credits/balance [get]
func (h *CreditsHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := mW.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		services.SendErrorResponse(w, "Failed to fetch balance", http.StatusInternalServerError, err)
		return
	}
	services.SendJSON(w, http.StatusOK, map[string]any{"user_id": userID, "balance": balance})
}

func (h *CreditsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := mW.UserID(r.Context())
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit, offset := pagination(r)
	txs, err := h.ledger.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		services.SendErrorResponse(w, "Failed to list transactions", http.StatusInternalServerError, err)
		return
	}
	if txs == nil {
		txs = []models.CreditTransaction{}
	}
	services.SendJSON(w, http.StatusOK, map[string]any{"transactions": txs, "limit": limit, "offset": offset})
}

// GetCost quotes an operation without charging. Query parameters other than
// "operation" are passed to the pricing engine; integers are sent as numbers.
func (h *CreditsHandler) GetCost(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	operation := query.Get("operation")
	if operation == "" {
		operation = models.OperationGenerateAd
	}

	var cost int64
	if operation == models.OperationGenerateAd {
		numSamples, _ := strconv.Atoi(query.Get("numSamples"))
		cost = h.ads.QuoteAd(r.Context(), query.Get("quality"), numSamples)
	} else {
		params := make(map[string]any, len(query))
		for key, values := range query {
			if key == "operation" || len(values) == 0 {
				continue
			}
			if n, err := strconv.ParseInt(values[0], 10, 64); err == nil {
				params[key] = n
			} else {
				params[key] = values[0]
			}
		}
		cost = h.quoter.Quote(r.Context(), operation, params)
	}

	services.SendJSON(w, http.StatusOK, map[string]any{"operation": operation, "cost": cost})
}
