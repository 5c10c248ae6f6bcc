/**
 * @description
 * This file contains the Reconciler, the single code path through which every payment
 * signal (provider webhook, client status poll, relayed queue event, scheduler sweep)
 * moves a PaymentAttempt to its terminal state. Duplicate and out-of-order deliveries are
 * absorbed by two guards: an early return when the stored attempt is already terminal, and
 * a compare-and-set in the store that lets exactly one concurrent caller win the transition.
 * Only that winner runs the side effects (subscription upsert, role promotion, notification).
 *
 * @dependencies
 * - github.com/google/uuid: Merchant reference generation.
 * - pkg/pesapal: Provider gateway types.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/metrics"
	"github.com/clementdevtech/cardirectory/internal/store"
	"github.com/clementdevtech/cardirectory/pkg/pesapal"
)

// ProviderGateway is the payment provider as seen by the reconciler.
type ProviderGateway interface {
	CreateOrder(ctx context.Context, order pesapal.OrderRequest) (*pesapal.OrderResponse, error)
	GetStatus(ctx context.Context, trackingID string) (*pesapal.TransactionStatus, error)
}

// Notifier delivers a templated message to a subject. Delivery is best-effort.
type Notifier interface {
	Send(ctx context.Context, contact domain.Contact, template domain.TemplateKind, data map[string]any) error
}

// RolePromoter changes a subject's marketplace role.
type RolePromoter interface {
	PromoteRole(ctx context.Context, subjectID, role string) error
}

// TriggerSource names where a reconciliation signal came from.
type TriggerSource string

const (
	SourceWebhook TriggerSource = "webhook"
	SourcePoll    TriggerSource = "poll"
	SourceQueue   TriggerSource = "queue"
	SourceSweep   TriggerSource = "sweep"
)

// Trigger is one payment signal. Either reference may be empty, not both.
// An empty ProviderStatus makes the reconciler ask the provider.
type Trigger struct {
	MerchantReference string
	TrackingID        string
	ProviderStatus    string
	Source            TriggerSource
}

// Outcome reports what a Reconcile call did.
type Outcome struct {
	MerchantReference string
	Status            domain.PaymentStatus
	// Applied is true only for the caller that performed the terminal transition.
	Applied bool
}

// ReconcilerConfig carries provider order settings.
type ReconcilerConfig struct {
	Currency       string
	CallbackURL    string
	NotificationID string
	Plans          domain.PlanCatalog
}

const sideEffectTimeout = 15 * time.Second

// Reconciler owns payment attempt status and the subscription upsert that follows a success.
type Reconciler struct {
	repo     store.Repository
	gateway  ProviderGateway
	notifier Notifier
	promoter RolePromoter
	clock    clock.Clock
	cfg      ReconcilerConfig
	logger   *slog.Logger
	metrics  *metrics.Billing
}

// NewReconciler wires the reconciler. metrics may be nil.
func NewReconciler(
	repo store.Repository,
	gateway ProviderGateway,
	notifier Notifier,
	promoter RolePromoter,
	clk clock.Clock,
	cfg ReconcilerConfig,
	logger *slog.Logger,
	m *metrics.Billing,
) *Reconciler {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Currency == "" {
		cfg.Currency = "KES"
	}
	return &Reconciler{
		repo:     repo,
		gateway:  gateway,
		notifier: notifier,
		promoter: promoter,
		clock:    clk,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// NormalizeProviderStatus maps a provider status string onto a terminal status.
// ok is false for anything indeterminate (pending, processing, unknown).
func NormalizeProviderStatus(raw string) (status domain.PaymentStatus, ok bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED", "SUCCESS", "SUCCESSFUL", "PAID":
		return domain.PaymentSuccess, true
	case "FAILED", "CANCELLED", "CANCELED", "REVERSED", "INVALID":
		return domain.PaymentFailed, true
	default:
		return domain.PaymentPending, false
	}
}

// PublicStatus is the client-facing status of an attempt.
func PublicStatus(attempt *domain.PaymentAttempt) string {
	if attempt.Status == domain.PaymentFailed && attempt.ProviderStatus != nil {
		switch strings.ToUpper(strings.TrimSpace(*attempt.ProviderStatus)) {
		case "CANCELLED", "CANCELED", "REVERSED":
			return "cancelled"
		}
	}
	return string(attempt.Status)
}

// Reconcile applies a payment signal to the ledger.
func (r *Reconciler) Reconcile(ctx context.Context, trigger Trigger) (Outcome, error) {
	const op = "reconcile"
	outcome, err := r.reconcile(ctx, trigger)

	switch {
	case err == nil && outcome.Applied:
		r.metrics.ReconcileOutcome(string(trigger.Source), "applied")
	case err == nil && outcome.Status.IsTerminal():
		r.metrics.ReconcileOutcome(string(trigger.Source), "duplicate")
	case err == nil:
		r.metrics.ReconcileOutcome(string(trigger.Source), "indeterminate")
	case domain.IsKind(err, domain.KindNotFound):
		r.metrics.ReconcileOutcome(string(trigger.Source), "not_found")
	default:
		r.metrics.ReconcileOutcome(string(trigger.Source), "error")
		r.logger.Error("reconcile failed", "op", op, "merchant_reference", trigger.MerchantReference,
			"tracking_id", trigger.TrackingID, "source", trigger.Source, "error", err)
	}
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, trigger Trigger) (Outcome, error) {
	const op = "reconcile"

	attempt, err := r.lookupAttempt(ctx, trigger)
	if err != nil {
		return Outcome{MerchantReference: trigger.MerchantReference}, err
	}
	outcome := Outcome{MerchantReference: attempt.MerchantReference, Status: attempt.Status}

	if attempt.Status.IsTerminal() {
		return outcome, nil
	}

	trackingID := strings.TrimSpace(trigger.TrackingID)
	if trackingID != "" && attempt.TrackingID() == "" {
		if err := r.repo.SetProviderTrackingID(ctx, attempt.MerchantReference, trackingID, r.clock.Now()); err != nil {
			r.logger.Warn("failed to record tracking id", "merchant_reference", attempt.MerchantReference, "error", err)
		}
	}
	if trackingID == "" {
		trackingID = attempt.TrackingID()
	}

	providerStatus := strings.TrimSpace(trigger.ProviderStatus)
	if providerStatus == "" {
		if trackingID == "" {
			return outcome, nil
		}
		status, err := r.gateway.GetStatus(ctx, trackingID)
		if err != nil {
			return outcome, wrapProviderError(op, err)
		}
		if ref := strings.TrimSpace(status.MerchantReference); ref != "" && !strings.EqualFold(ref, attempt.MerchantReference) {
			r.logger.Warn("provider status belongs to another order; ignoring", "merchant_reference", attempt.MerchantReference,
				"tracking_id", trackingID, "provider_reference", ref)
			return outcome, nil
		}
		providerStatus = status.StatusText()
	}

	target, ok := NormalizeProviderStatus(providerStatus)
	if !ok {
		return outcome, nil
	}

	err = r.repo.CompletePaymentAttempt(ctx, attempt.MerchantReference, target, strings.ToUpper(providerStatus), r.clock.Now())
	if errors.Is(err, domain.ErrConflict) {
		// Another trigger won the transition; report what it stored.
		current, findErr := r.repo.FindPaymentAttempt(ctx, attempt.MerchantReference)
		if findErr == nil {
			outcome.Status = current.Status
		}
		return outcome, nil
	}
	if err != nil {
		return outcome, domain.E(domain.KindInternal, op, err)
	}

	outcome.Status = target
	outcome.Applied = true
	r.logger.Info("payment attempt completed", "merchant_reference", attempt.MerchantReference,
		"subject_id", attempt.SubjectID, "status", target, "provider_status", providerStatus, "source", trigger.Source)

	effectsCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if target == domain.PaymentSuccess {
		r.onSuccess(effectsCtx, attempt)
	} else {
		r.onFailure(effectsCtx, attempt)
	}
	return outcome, nil
}

func (r *Reconciler) lookupAttempt(ctx context.Context, trigger Trigger) (*domain.PaymentAttempt, error) {
	const op = "lookup_attempt"
	ref := strings.TrimSpace(trigger.MerchantReference)
	trackingID := strings.TrimSpace(trigger.TrackingID)

	var (
		attempt *domain.PaymentAttempt
		err     error
	)
	switch {
	case ref != "":
		attempt, err = r.repo.FindPaymentAttempt(ctx, ref)
		if errors.Is(err, domain.ErrNotFound) && trackingID != "" {
			attempt, err = r.repo.FindPaymentAttemptByTrackingID(ctx, trackingID)
		}
	case trackingID != "":
		attempt, err = r.repo.FindPaymentAttemptByTrackingID(ctx, trackingID)
	default:
		return nil, domain.E(domain.KindInvalid, op, errors.New("trigger carries no reference"))
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.E(domain.KindNotFound, op, err)
		}
		return nil, domain.E(domain.KindInternal, op, err)
	}
	return attempt, nil
}

// ApplyPayment upserts the subscription for a successful attempt unless it was already applied.
func (r *Reconciler) ApplyPayment(ctx context.Context, attempt *domain.PaymentAttempt) (bool, error) {
	plan, ok := r.cfg.Plans.Lookup(attempt.PlanName)
	if !ok {
		return false, domain.E(domain.KindInvalid, "apply_payment", fmt.Errorf("%w: %s", domain.ErrInvalidPlan, attempt.PlanName))
	}
	applied, err := r.repo.ApplySuccessfulPayment(ctx, attempt.MerchantReference, plan, r.clock.Now())
	if err != nil {
		return false, domain.E(domain.KindInternal, "apply_payment", err)
	}
	return applied, nil
}

func (r *Reconciler) onSuccess(ctx context.Context, attempt *domain.PaymentAttempt) {
	if _, err := r.ApplyPayment(ctx, attempt); err != nil {
		// Left for the repair sweep, which keys on subscription_applied_at.
		r.metrics.SideEffectFailed("apply_subscription")
		r.logger.Error("failed to apply subscription", "merchant_reference", attempt.MerchantReference,
			"subject_id", attempt.SubjectID, "error", err)
	}

	if r.promoter != nil {
		if err := r.promoter.PromoteRole(ctx, attempt.SubjectID, domain.RoleDealer); err != nil {
			r.metrics.SideEffectFailed("promote_role")
			r.logger.Error("failed to promote subject", "subject_id", attempt.SubjectID, "error", err)
		}
	}

	r.notify(ctx, attempt, domain.TemplatePaymentSucceeded)
}

func (r *Reconciler) onFailure(ctx context.Context, attempt *domain.PaymentAttempt) {
	r.notify(ctx, attempt, domain.TemplatePaymentFailed)
}

func (r *Reconciler) notify(ctx context.Context, attempt *domain.PaymentAttempt, template domain.TemplateKind) {
	if r.notifier == nil {
		return
	}
	contact := domain.Contact{SubjectID: attempt.SubjectID, Phone: attempt.Phone}
	if subject, err := r.repo.FindSubject(ctx, attempt.SubjectID); err == nil {
		contact = subject.Contact()
		if contact.Phone == "" {
			contact.Phone = attempt.Phone
		}
	}
	data := map[string]any{
		"merchant_reference": attempt.MerchantReference,
		"plan":               attempt.PlanName,
		"amount":             attempt.Amount,
		"currency":           attempt.Currency,
	}
	if err := r.notifier.Send(ctx, contact, template, data); err != nil {
		r.metrics.SideEffectFailed("notify")
		r.logger.Warn("failed to enqueue notification", "template", template,
			"merchant_reference", attempt.MerchantReference, "error", err)
	}
}

// CreateCheckout records a pending attempt and opens a hosted checkout session for it.
func (r *Reconciler) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	const op = "create_checkout"

	subjectID := strings.TrimSpace(req.SubjectID)
	if subjectID == "" {
		return nil, domain.E(domain.KindInvalid, op, errors.New("subject_id is required"))
	}
	plan, ok := r.cfg.Plans.Lookup(req.Plan)
	if !ok || plan.Name == domain.TrialPlanName {
		return nil, domain.E(domain.KindInvalid, op, domain.ErrInvalidPlan)
	}
	if req.Amount != 0 && req.Amount != plan.Price {
		return nil, domain.E(domain.KindInvalid, op, fmt.Errorf("amount %d does not match %s plan price", req.Amount, plan.Name))
	}

	now := r.clock.Now()
	attempt := &domain.PaymentAttempt{
		MerchantReference: "ORD-" + uuid.NewString(),
		SubjectID:         subjectID,
		PlanName:          plan.Name,
		Amount:            plan.Price,
		Currency:          r.cfg.Currency,
		Method:            "pesapal",
		Phone:             strings.TrimSpace(req.Phone),
		Status:            domain.PaymentPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := r.repo.CreatePaymentAttempt(ctx, attempt); err != nil {
		r.metrics.Checkout("error")
		return nil, domain.E(domain.KindInternal, op, err)
	}

	order, err := r.gateway.CreateOrder(ctx, pesapal.OrderRequest{
		Reference:      attempt.MerchantReference,
		Amount:         attempt.Amount,
		Currency:       attempt.Currency,
		Description:    fmt.Sprintf("%s dealer plan", plan.Name),
		CallbackURL:    r.cfg.CallbackURL,
		NotificationID: r.cfg.NotificationID,
		Phone:          attempt.Phone,
		Email:          strings.TrimSpace(req.Email),
	})
	if err != nil {
		// The attempt stays pending; the provider may still have created the order.
		r.metrics.Checkout("provider_error")
		r.logger.Warn("checkout provider call failed", "merchant_reference", attempt.MerchantReference,
			"subject_id", subjectID, "error", err)
		return nil, wrapProviderError(op, err)
	}

	if err := r.repo.SetProviderTrackingID(ctx, attempt.MerchantReference, order.TrackingID, r.clock.Now()); err != nil {
		r.logger.Warn("failed to record tracking id", "merchant_reference", attempt.MerchantReference, "error", err)
	}

	r.metrics.Checkout("created")
	r.logger.Info("checkout created", "merchant_reference", attempt.MerchantReference, "subject_id", subjectID, "plan", plan.Name)
	return &domain.CheckoutResult{CheckoutURL: order.RedirectURL, MerchantReference: attempt.MerchantReference}, nil
}

// PollStatus returns the attempt status, asking the provider when it is still pending.
// A non-empty ownerID restricts the lookup to that subject's attempts; other
// subjects' references report not found. Provider failures fall back to the stored status.
func (r *Reconciler) PollStatus(ctx context.Context, merchantReference, ownerID string) (*domain.PaymentStatusView, error) {
	const op = "poll_status"

	attempt, err := r.repo.FindPaymentAttempt(ctx, strings.TrimSpace(merchantReference))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.E(domain.KindNotFound, op, err)
		}
		return nil, domain.E(domain.KindInternal, op, err)
	}
	if ownerID != "" && attempt.SubjectID != ownerID {
		return nil, domain.E(domain.KindNotFound, op, domain.ErrNotFound)
	}
	if attempt.Status.IsTerminal() || attempt.TrackingID() == "" {
		return &domain.PaymentStatusView{MerchantReference: attempt.MerchantReference, Status: PublicStatus(attempt)}, nil
	}

	status, err := r.gateway.GetStatus(ctx, attempt.TrackingID())
	if err != nil {
		r.logger.Warn("status poll failed; returning stored status", "merchant_reference", attempt.MerchantReference, "error", err)
		return &domain.PaymentStatusView{MerchantReference: attempt.MerchantReference, Status: PublicStatus(attempt)}, nil
	}

	if _, err := r.Reconcile(ctx, Trigger{
		MerchantReference: attempt.MerchantReference,
		TrackingID:        attempt.TrackingID(),
		ProviderStatus:    status.StatusText(),
		Source:            SourcePoll,
	}); err != nil {
		return &domain.PaymentStatusView{MerchantReference: attempt.MerchantReference, Status: PublicStatus(attempt)}, nil
	}

	current, err := r.repo.FindPaymentAttempt(ctx, attempt.MerchantReference)
	if err != nil {
		current = attempt
	}
	return &domain.PaymentStatusView{MerchantReference: current.MerchantReference, Status: PublicStatus(current)}, nil
}

func wrapProviderError(op string, err error) error {
	var authErr *pesapal.AuthError
	if errors.As(err, &authErr) {
		return domain.E(domain.KindAuth, op, err)
	}
	return domain.E(domain.KindProvider, op, err)
}
