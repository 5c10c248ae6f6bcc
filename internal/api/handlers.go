/**
 * @description
 * This file contains the HTTP handler functions for the payment-service. Handlers parse the
 * request, call the application services and translate error kinds into status codes. Raw
 * provider and database messages never reach the client.
 */
package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"

	"github.com/clementdevtech/cardirectory/internal/app"
	"github.com/clementdevtech/cardirectory/internal/domain"
)

const (
	webhookSignatureHeader = "X-Webhook-Signature"
	webhookDedupeWindow    = 5 * time.Minute
	maxBodyBytes           = 1 << 20
	providerFailureMessage = "payment failed, please retry"
)

// PaymentService is the part of app.Reconciler the handlers use.
type PaymentService interface {
	CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error)
	PollStatus(ctx context.Context, merchantReference, ownerID string) (*domain.PaymentStatusView, error)
	Reconcile(ctx context.Context, trigger app.Trigger) (app.Outcome, error)
}

// ListingQuota gates listing creation.
type ListingQuota interface {
	TryConsumeListingSlot(ctx context.Context, subjectID string) (bool, error)
}

// TrialActivator starts one-shot trials.
type TrialActivator interface {
	Activate(ctx context.Context, subjectID string) (*domain.Subscription, error)
}

// SubscriptionReader serves subscription summaries and admin overrides.
type SubscriptionReader interface {
	Summary(ctx context.Context, subjectID string) (*domain.SubscriptionSummary, error)
	SetAdminOverride(ctx context.Context, subjectID string, override bool) error
}

// Handler holds the application services that handlers interact with.
type Handler struct {
	payments      PaymentService
	quota         ListingQuota
	trials        TrialActivator
	subscriptions SubscriptionReader
	limiter       RateLimiter
	webhookSecret []byte
	seen          *cache.Cache
	logger        *slog.Logger
}

// NewHandler creates a Handler. limiter may be nil to disable checkout rate limiting.
func NewHandler(payments PaymentService, quota ListingQuota, trials TrialActivator, subscriptions SubscriptionReader,
	limiter RateLimiter, webhookSecret string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		payments:      payments,
		quota:         quota,
		trials:        trials,
		subscriptions: subscriptions,
		limiter:       limiter,
		webhookSecret: []byte(strings.TrimSpace(webhookSecret)),
		seen:          cache.New(webhookDedupeWindow, 2*webhookDedupeWindow),
		logger:        logger,
	}
}

// handleCreatePayment starts a provider checkout for a paid plan.
func (h *Handler) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	callerID, ok := SubjectFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req domain.CheckoutRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.SubjectID == "" {
		req.SubjectID = callerID
	}
	if req.SubjectID != callerID && !IsAdmin(r.Context()) {
		writeError(w, http.StatusForbidden, "Cannot create a payment for another user")
		return
	}

	if h.limiter != nil {
		allowed, retryAfter, err := h.limiter.Allow(r.Context(), callerID)
		if err != nil {
			h.logger.Warn("checkout rate limiter failed; allowing request", "subject_id", callerID, "error", err)
		} else if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "Too many checkout attempts, please wait")
			return
		}
	}

	result, err := h.payments.CreateCheckout(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, "create_checkout", err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handlePaymentStatus returns the public status of an attempt, asking the provider when still pending.
// Callers only see their own attempts unless they are admins.
func (h *Handler) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := SubjectFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	ref := strings.TrimSpace(chi.URLParam(r, "merchantReference"))
	if ref == "" {
		writeError(w, http.StatusBadRequest, "merchant_reference is required")
		return
	}

	ownerID := subjectID
	if IsAdmin(r.Context()) {
		ownerID = ""
	}
	view, err := h.payments.PollStatus(r.Context(), ref, ownerID)
	if err != nil {
		h.writeServiceError(w, "poll_status", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type webhookPayload struct {
	OrderTrackingID        string `json:"OrderTrackingId"`
	OrderMerchantReference string `json:"OrderMerchantReference"`
	OrderNotificationType  string `json:"OrderNotificationType"`

	MerchantReference string `json:"merchant_reference"`
	TrackingID        string `json:"order_tracking_id"`
	Status            string `json:"status"`
}

func (p webhookPayload) trigger() app.Trigger {
	ref := strings.TrimSpace(p.OrderMerchantReference)
	if ref == "" {
		ref = strings.TrimSpace(p.MerchantReference)
	}
	trk := strings.TrimSpace(p.OrderTrackingID)
	if trk == "" {
		trk = strings.TrimSpace(p.TrackingID)
	}
	return app.Trigger{MerchantReference: ref, TrackingID: trk, ProviderStatus: strings.TrimSpace(p.Status), Source: app.SourceWebhook}
}

type webhookAck struct {
	OrderNotificationType  string `json:"orderNotificationType"`
	OrderTrackingID        string `json:"orderTrackingId"`
	OrderMerchantReference string `json:"orderMerchantReference"`
	Status                 int    `json:"status"`
}

// handleWebhook accepts provider notifications as a JSON POST or as the IPN query-string GET.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var (
		payload webhookPayload
		signed  []byte
	)
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		payload = webhookPayload{
			OrderTrackingID:        q.Get("OrderTrackingId"),
			OrderMerchantReference: q.Get("OrderMerchantReference"),
			OrderNotificationType:  q.Get("OrderNotificationType"),
			Status:                 q.Get("status"),
		}
		signed = []byte(r.URL.RawQuery)
	} else {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			h.logger.Warn("webhook: malformed payload", "error", err)
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		signed = body
	}

	if !h.verifySignature(r.Header.Get(webhookSignatureHeader), signed) {
		h.logger.Warn("webhook: signature mismatch")
		writeError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	trigger := payload.trigger()
	if trigger.MerchantReference == "" && trigger.TrackingID == "" {
		writeError(w, http.StatusBadRequest, "OrderMerchantReference or OrderTrackingId is required")
		return
	}
	if len(h.webhookSecret) == 0 {
		// Without a shared secret the carried status is unauthenticated; ask the provider instead.
		trigger.ProviderStatus = ""
	}

	notificationType := payload.OrderNotificationType
	if notificationType == "" {
		notificationType = "IPNCHANGE"
	}
	ack := webhookAck{
		OrderNotificationType:  notificationType,
		OrderTrackingID:        trigger.TrackingID,
		OrderMerchantReference: trigger.MerchantReference,
		Status:                 http.StatusOK,
	}

	dedupeKey := trigger.MerchantReference + "|" + trigger.TrackingID + "|" + strings.ToUpper(trigger.ProviderStatus)
	if _, dup := h.seen.Get(dedupeKey); dup {
		writeJSON(w, http.StatusOK, ack)
		return
	}

	outcome, err := h.payments.Reconcile(r.Context(), trigger)
	switch {
	case err == nil:
		if outcome.Status.IsTerminal() {
			h.seen.SetDefault(dedupeKey, struct{}{})
		}
	case domain.IsKind(err, domain.KindNotFound):
		h.logger.Info("webhook: unknown reference", "merchant_reference", trigger.MerchantReference,
			"tracking_id", trigger.TrackingID)
	default:
		// The provider re-sends the IPN when the acknowledged status is not 200.
		h.logger.Error("webhook: reconcile failed", "merchant_reference", trigger.MerchantReference, "error", err)
		ack.Status = http.StatusInternalServerError
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) verifySignature(header string, body []byte) bool {
	if len(h.webhookSecret) == 0 {
		return true
	}
	provided, err := hex.DecodeString(strings.TrimSpace(header))
	if err != nil || len(provided) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, h.webhookSecret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// handleMySubscription returns the caller's subscription summary.
func (h *Handler) handleMySubscription(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := SubjectFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	summary, err := h.subscriptions.Summary(r.Context(), subjectID)
	if err != nil {
		h.writeServiceError(w, "subscription_summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleActivateTrial starts the caller's one-shot trial.
func (h *Handler) handleActivateTrial(w http.ResponseWriter, r *http.Request) {
	subjectID, ok := SubjectFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sub, err := h.trials.Activate(r.Context(), subjectID)
	if err != nil {
		h.writeServiceError(w, "activate_trial", err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

// handleConsumeListingSlot is called by the listings service before a listing is created.
func (h *Handler) handleConsumeListingSlot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SubjectID string `json:"subject_id"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || strings.TrimSpace(req.SubjectID) == "" {
		writeError(w, http.StatusBadRequest, "subject_id is required")
		return
	}

	allowed, err := h.quota.TryConsumeListingSlot(r.Context(), strings.TrimSpace(req.SubjectID))
	if err != nil {
		h.writeServiceError(w, "consume_listing_slot", err)
		return
	}
	if !allowed {
		writeJSON(w, http.StatusPaymentRequired, map[string]string{
			"error":    "subscription_required",
			"message":  "An active subscription with available listing slots is required.",
			"redirect": "/pricing",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": true})
}

// handleSetOverride toggles the admin override for a subject.
func (h *Handler) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	subjectID := strings.TrimSpace(chi.URLParam(r, "subjectID"))
	var req struct {
		AdminOverride *bool `json:"admin_override"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil || req.AdminOverride == nil || subjectID == "" {
		writeError(w, http.StatusBadRequest, "admin_override is required")
		return
	}

	if err := h.subscriptions.SetAdminOverride(r.Context(), subjectID, *req.AdminOverride); err != nil {
		h.writeServiceError(w, "set_admin_override", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subject_id": subjectID, "admin_override": *req.AdminOverride})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	status, message := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "op", op, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

// statusForError maps an error kind onto an HTTP status and a client-safe message.
func statusForError(err error) (int, string) {
	switch domain.KindOf(err) {
	case domain.KindInvalid:
		var derr *domain.Error
		if errors.As(err, &derr) && derr.Err != nil {
			return http.StatusBadRequest, derr.Err.Error()
		}
		return http.StatusBadRequest, "invalid request"
	case domain.KindNotFound:
		return http.StatusNotFound, "not found"
	case domain.KindConflict:
		return http.StatusConflict, "an active subscription already exists"
	case domain.KindTrialUsed:
		return http.StatusConflict, "trial already used"
	case domain.KindQuotaExceeded:
		return http.StatusPaymentRequired, "subscription_required"
	case domain.KindProvider, domain.KindAuth:
		return http.StatusBadGateway, providerFailureMessage
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
