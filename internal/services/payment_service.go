package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/adforge/backend/internal/audit"
	"github.com/adforge/backend/internal/config"
	"github.com/adforge/backend/internal/ledger"
	"github.com/adforge/backend/internal/models"
)

var (
	ErrPaymentAlreadyProcessed = errors.New("payment already processed")
	ErrPaymentNotSucceeded     = errors.New("payment has not succeeded")
	ErrPaymentInvalid          = errors.New("payment_id and payment_status are required")
	ErrUnknownPlan             = errors.New("unknown plan")
	ErrUnsupportedEvent        = errors.New("only payment.succeeded webhooks are supported")
	ErrInvalidSignature        = errors.New("webhook signature verification failed")
)

const (
	paymentSucceeded      = "succeeded"
	eventPaymentSucceeded = "payment.succeeded"
)

type ProviderPayment struct {
	PaymentID    string            `json:"payment_id"`
	Status       string            `json:"status"`
	ErrorMessage string            `json:"error_message"`
	Metadata     map[string]string `json:"metadata"`
	ProductCart  []struct {
		ProductID string `json:"product_id"`
		Quantity  int    `json:"quantity"`
	} `json:"product_cart"`
}

// PlanID is the first product in the cart.
func (p *ProviderPayment) PlanID() string {
	if len(p.ProductCart) == 0 {
		return ""
	}
	return p.ProductCart[0].ProductID
}

type PaymentProvider interface {
	GetPayment(ctx context.Context, paymentID string) (*ProviderPayment, error)
}

// DodoClient reads payments from the Dodo Payments REST API.
type DodoClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewDodoClient(cfg *config.PaymentsConfig) *DodoClient {
	return &DodoClient{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *DodoClient) GetPayment(ctx context.Context, paymentID string) (*ProviderPayment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/"+paymentID, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logrus.WithError(err).WithField("payment_id", paymentID).Error("[PAYMENTS] Provider request failed")
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logrus.WithFields(logrus.Fields{"payment_id": paymentID, "status": resp.StatusCode}).Error("[PAYMENTS] Provider returned non-OK status")
		return nil, fmt.Errorf("payment provider returned status %d", resp.StatusCode)
	}

	var payment ProviderPayment
	if err := json.NewDecoder(resp.Body).Decode(&payment); err != nil {
		return nil, fmt.Errorf("decode payment: %w", err)
	}
	return &payment, nil
}

// WebhookVerifier checks Standard Webhooks signatures: base64 HMAC-SHA256 of
// "<webhook-id>.<webhook-timestamp>.<body>" in the webhook-signature header.
type WebhookVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewWebhookVerifier accepts the secret with or without its "whsec_" prefix.
func NewWebhookVerifier(secret string, tolerance time.Duration) (*WebhookVerifier, error) {
	key := []byte(secret)
	if encoded, ok := strings.CutPrefix(secret, "whsec_"); ok {
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode webhook secret: %w", err)
		}
		key = decoded
	}
	return &WebhookVerifier{secret: key, tolerance: tolerance, now: time.Now}, nil
}

func (v *WebhookVerifier) Sign(id string, timestamp time.Time, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s.%d.", id, timestamp.Unix())
	mac.Write(body)
	return "v1," + base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (v *WebhookVerifier) Verify(headers http.Header, body []byte) error {
	id := headers.Get("webhook-id")
	rawTS := headers.Get("webhook-timestamp")
	signatures := headers.Get("webhook-signature")
	if id == "" || rawTS == "" || signatures == "" {
		return fmt.Errorf("%w: missing headers", ErrInvalidSignature)
	}

	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	sent := time.Unix(ts, 0)
	if d := v.now().Sub(sent); d > v.tolerance || d < -v.tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	expected := v.Sign(id, sent, body)
	for _, sig := range strings.Fields(signatures) {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type WebhookEvent struct {
	Type string          `json:"type"`
	Data ProviderPayment `json:"data"`
}

type PaymentResult struct {
	PaymentID       string `json:"payment_id"`
	CreditsAdded    int64  `json:"credits_added"`
	NewTotalCredits int64  `json:"new_total_credits"`
	TransactionID   string `json:"transaction_id"`
}

// PaymentService turns provider payments into ledger credits, once per payment id.
type PaymentService struct {
	db       *sql.DB
	ledger   ledger.Store
	provider PaymentProvider
	verifier *WebhookVerifier
	plans    map[string]int64
	audit    *audit.AuditLogger
	now      func() time.Time
}

func NewPaymentService(db *sql.DB, store ledger.Store, provider PaymentProvider, verifier *WebhookVerifier, plans map[string]int64, auditLogger *audit.AuditLogger) *PaymentService {
	if auditLogger == nil {
		auditLogger = audit.NewAuditLogger(nil)
	}
	return &PaymentService{
		db:       db,
		ledger:   store,
		provider: provider,
		verifier: verifier,
		plans:    plans,
		audit:    auditLogger,
		now:      time.Now,
	}
}

// ProcessWebhook verifies and applies a provider webhook. The user comes from
// data.metadata.user_id.
func (s *PaymentService) ProcessWebhook(ctx context.Context, headers http.Header, body []byte) (*PaymentResult, error) {
	if s.verifier == nil {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	}
	if err := s.verifier.Verify(headers, body); err != nil {
		logrus.WithError(err).WithField("webhook_id", headers.Get("webhook-id")).Warn("[PAYMENTS] Webhook rejected")
		return nil, err
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentInvalid, err)
	}
	if event.Type != eventPaymentSucceeded {
		return nil, ErrUnsupportedEvent
	}

	userID := event.Data.Metadata["user_id"]
	if userID == "" || event.Data.PaymentID == "" || event.Data.Status == "" {
		return nil, ErrPaymentInvalid
	}
	if event.Data.Status != paymentSucceeded {
		return nil, fmt.Errorf("%w: status is %s", ErrPaymentNotSucceeded, event.Data.Status)
	}
	return s.apply(ctx, userID, &event.Data)
}

// ValidatePayment checks a payment with the provider on behalf of an authenticated user.
func (s *PaymentService) ValidatePayment(ctx context.Context, userID, paymentID string) (*PaymentResult, error) {
	if paymentID == "" {
		return nil, ErrPaymentInvalid
	}

	payment, err := s.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("validate payment: %w", err)
	}
	if payment.Status != paymentSucceeded {
		msg := payment.ErrorMessage
		if msg == "" {
			msg = "status is " + payment.Status
		}
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotSucceeded, msg)
	}
	if payment.PaymentID == "" {
		payment.PaymentID = paymentID
	}
	return s.apply(ctx, userID, payment)
}

func (s *PaymentService) apply(ctx context.Context, userID string, payment *ProviderPayment) (*PaymentResult, error) {
	planID := payment.PlanID()
	credits, ok := s.plans[planID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}

	log := logrus.WithFields(logrus.Fields{"payment_id": payment.PaymentID, "user_id": userID, "plan_id": planID})

	// Claim the payment id first so concurrent deliveries credit at most once.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (payment_id, user_id, status, plan_id, credits_added, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_id) DO NOTHING`,
		payment.PaymentID, userID, payment.Status, planID, credits, s.now())
	if err != nil {
		return nil, fmt.Errorf("claim payment: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		log.Info("[PAYMENTS] Payment already processed")
		return nil, ErrPaymentAlreadyProcessed
	}

	credit, err := s.ledger.Credit(ctx, ledger.CreditRequest{
		UserID:   userID,
		Amount:   credits,
		Source:   models.OperationPurchase,
		Metadata: models.Metadata{"payment_id": payment.PaymentID, "plan_id": planID},
	})
	if err != nil {
		log.WithError(err).Error("[PAYMENTS] Credit failed, releasing payment claim")
		if _, rerr := s.db.ExecContext(context.WithoutCancel(ctx), `DELETE FROM payment_transactions WHERE payment_id = $1`, payment.PaymentID); rerr != nil {
			log.WithError(rerr).Error("[PAYMENTS] Failed to release payment claim")
		}
		return nil, fmt.Errorf("add credits: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions SET credit_transaction_id = $1 WHERE payment_id = $2`,
		credit.TransactionID, payment.PaymentID); err != nil {
		log.WithError(err).Warn("[PAYMENTS] Failed to link credit transaction")
	}

	s.audit.LogCredit(credit.TransactionID, userID, credits, models.OperationPurchase)
	log.WithField("credits", credits).Info("[PAYMENTS] Credits added")

	return &PaymentResult{
		PaymentID:       payment.PaymentID,
		CreditsAdded:    credits,
		NewTotalCredits: credit.Balance,
		TransactionID:   credit.TransactionID,
	}, nil
}

// ListPayments returns the user's processed payments, newest first.
func (s *PaymentService) ListPayments(ctx context.Context, userID string, limit, offset int) ([]models.PaymentTransaction, error) {
	return s.queryPayments(ctx, "list payments", `
		SELECT `+paymentColumns+`
		FROM payment_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
}

// ListUncreditedClaims returns payments claimed before olderThan that never got
// a credit transaction linked. A crash between the claim and the credit leaves
// such a row, and every redelivery is then refused as already processed.
func (s *PaymentService) ListUncreditedClaims(ctx context.Context, olderThan time.Time) ([]models.PaymentTransaction, error) {
	return s.queryPayments(ctx, "list uncredited claims", `
		SELECT `+paymentColumns+`
		FROM payment_transactions
		WHERE credit_transaction_id IS NULL AND created_at < $1
		ORDER BY created_at`, olderThan)
}

const paymentColumns = "payment_id, user_id, status, plan_id, credits_added, credit_transaction_id, created_at"

func (s *PaymentService) queryPayments(ctx context.Context, op, query string, args ...any) ([]models.PaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var payments []models.PaymentTransaction
	for rows.Next() {
		var p models.PaymentTransaction
		var creditTxID sql.NullString
		if err := rows.Scan(&p.PaymentID, &p.UserID, &p.Status, &p.PlanID, &p.CreditsAdded, &creditTxID, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("%s: scan payment: %w", op, err)
		}
		if creditTxID.Valid {
			p.CreditTransactionID = &creditTxID.String
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}
