package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/clementdevtech/cardirectory/internal/app"
	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/config"
	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/metrics"
	"github.com/clementdevtech/cardirectory/internal/store/storetest"
	"github.com/clementdevtech/cardirectory/pkg/pesapal"
)

var jobsNow = time.Date(2026, 6, 1, 2, 0, 0, 0, time.UTC)

type statusGatewayStub struct {
	statuses map[string]string
}

func (g *statusGatewayStub) CreateOrder(ctx context.Context, order pesapal.OrderRequest) (*pesapal.OrderResponse, error) {
	return nil, errors.New("not used")
}

func (g *statusGatewayStub) GetStatus(ctx context.Context, trackingID string) (*pesapal.TransactionStatus, error) {
	return &pesapal.TransactionStatus{StatusDescription: g.statuses[trackingID]}, nil
}

type jobsFixture struct {
	repo    *storetest.MemoryRepository
	gateway *statusGatewayStub
	clock   *clock.Fixed
	jobs    *Jobs
}

func newJobsFixture(t *testing.T) *jobsFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := storetest.NewMemoryRepository()
	gateway := &statusGatewayStub{statuses: map[string]string{}}
	clk := clock.NewFixed(jobsNow)
	notifier := app.NewOutboxNotifier(repo, "notification_events", clk)
	reconciler := app.NewReconciler(repo, gateway, notifier, app.NewStoreRolePromoter(repo), clk,
		app.ReconcilerConfig{Plans: domain.DefaultPlanCatalog()}, logger, nil)
	cfg := config.Config{GracePeriodDays: 7, ReminderLookaheadHours: 72, StalePendingMinutes: 15}

	return &jobsFixture{
		repo:    repo,
		gateway: gateway,
		clock:   clk,
		jobs:    NewJobs(repo, reconciler, notifier, clk, logger, nil, cfg),
	}
}

func limit(n int) *int { return &n }

func subscription(subjectID string, status domain.SubscriptionStatus, end time.Time) domain.Subscription {
	return domain.Subscription{
		SubjectID:       subjectID,
		PlanName:        "basic",
		ListingsAllowed: limit(10),
		StartDate:       end.Add(-30 * 24 * time.Hour),
		EndDate:         end,
		Status:          status,
	}
}

func TestAgeSubscriptions_MovesThroughGraceAndIsIdempotent(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	pastGrace := jobsNow.Add(-time.Hour)

	lapsed := subscription("lapsed", domain.SubscriptionActive, jobsNow.Add(-time.Minute))
	inGrace := subscription("in-grace", domain.SubscriptionExpired, jobsNow.Add(-8*24*time.Hour))
	inGrace.GraceUntil = &pastGrace
	trial := subscription("trialist", domain.SubscriptionTrial, jobsNow.Add(-time.Minute))
	current := subscription("current", domain.SubscriptionActive, jobsNow.Add(24*time.Hour))
	for _, s := range []domain.Subscription{lapsed, inGrace, trial, current} {
		f.repo.PutSubscription(s)
		f.repo.PutSubject(domain.Subject{ID: s.SubjectID, Email: s.SubjectID + "@example.com"})
	}

	if err := f.jobs.AgeSubscriptions(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]domain.SubscriptionStatus{
		"lapsed":   domain.SubscriptionExpired,
		"in-grace": domain.SubscriptionExpired,
		"trialist": domain.SubscriptionExpired,
		"current":  domain.SubscriptionActive,
	}
	for subjectID, status := range want {
		sub, _ := f.repo.FindSubscriptionBySubjectID(ctx, subjectID)
		if sub.Status != status {
			t.Fatalf("%s: expected %s, got %s", subjectID, status, sub.Status)
		}
	}
	moved, _ := f.repo.FindSubscriptionBySubjectID(ctx, "lapsed")
	if moved.GraceUntil == nil || !moved.GraceUntil.Equal(jobsNow.Add(7*24*time.Hour)) {
		t.Fatalf("expected grace_until seven days out, got %v", moved.GraceUntil)
	}
	if !moved.Usable(jobsNow.Add(time.Hour)) {
		t.Fatal("subscription in grace should still grant access")
	}
	if moved.Usable(jobsNow.Add(8 * 24 * time.Hour)) {
		t.Fatal("access must end with the grace window")
	}
	closed, _ := f.repo.FindSubscriptionBySubjectID(ctx, "in-grace")
	if closed.GraceUntil != nil || closed.Usable(jobsNow) {
		t.Fatalf("expected finished grace window cleared, got %v", closed.GraceUntil)
	}
	if got := f.repo.CountNotifications("notification.subscription_grace"); got != 1 {
		t.Fatalf("expected one grace notification, got %d", got)
	}

	if err := f.jobs.AgeSubscriptions(ctx); err != nil {
		t.Fatalf("unexpected error on second run: %v", err)
	}
	if got := f.repo.CountNotifications("notification.subscription_grace"); got != 1 {
		t.Fatalf("second run must be a no-op, got %d grace notifications", got)
	}
	again, _ := f.repo.FindSubscriptionBySubjectID(ctx, "lapsed")
	if !again.GraceUntil.Equal(*moved.GraceUntil) {
		t.Fatal("second run must not extend grace")
	}
}

func TestAgeTrials_RevertsOnlyUnpaidDealers(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	ended := jobsNow.Add(-time.Hour)

	f.repo.PutSubject(domain.Subject{ID: "trial-only", Role: domain.RoleDealer, TrialEnd: &ended, TrialUsed: true})
	f.repo.PutSubject(domain.Subject{ID: "converted", Role: domain.RoleDealer, TrialEnd: &ended, TrialUsed: true})
	f.repo.PutSubscription(subscription("converted", domain.SubscriptionActive, jobsNow.Add(20*24*time.Hour)))

	if err := f.jobs.AgeTrials(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reverted, _ := f.repo.FindSubject(ctx, "trial-only")
	if reverted.Role != domain.RoleUser || reverted.TrialEnd != nil || !reverted.TrialUsed {
		t.Fatalf("expected trial-only dealer reverted, got %+v", reverted)
	}
	kept, _ := f.repo.FindSubject(ctx, "converted")
	if kept.Role != domain.RoleDealer {
		t.Fatalf("paying dealer must keep role, got %s", kept.Role)
	}
}

func TestSendReminders_OncePerRecord(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	trialEnd := jobsNow.Add(24 * time.Hour)

	f.repo.PutSubject(domain.Subject{ID: "soon", Email: "soon@example.com"})
	f.repo.PutSubscription(subscription("soon", domain.SubscriptionActive, jobsNow.Add(48*time.Hour)))
	f.repo.PutSubject(domain.Subject{ID: "later", Email: "later@example.com"})
	f.repo.PutSubscription(subscription("later", domain.SubscriptionActive, jobsNow.Add(10*24*time.Hour)))
	f.repo.PutSubject(domain.Subject{ID: "trialist", Role: domain.RoleDealer, TrialEnd: &trialEnd, TrialUsed: true})

	for i := 0; i < 2; i++ {
		if err := f.jobs.SendReminders(ctx); err != nil {
			t.Fatalf("run %d: unexpected error: %v", i, err)
		}
	}

	if got := f.repo.CountNotifications("notification.subscription_expiring"); got != 1 {
		t.Fatalf("expected one subscription reminder, got %d", got)
	}
	if got := f.repo.CountNotifications("notification.trial_expiring"); got != 1 {
		t.Fatalf("expected one trial reminder, got %d", got)
	}
}

func TestRepairUnappliedPayments_AppliesOnce(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.repo.PutSubject(domain.Subject{ID: "dealer-r"})
	f.repo.PutAttempt(domain.PaymentAttempt{
		MerchantReference: "ORD-repair",
		SubjectID:         "dealer-r",
		PlanName:          "basic",
		Amount:            500,
		Currency:          "KES",
		Status:            domain.PaymentSuccess,
		CreatedAt:         jobsNow.Add(-time.Hour),
		UpdatedAt:         jobsNow.Add(-time.Hour),
	})

	if err := f.jobs.RepairUnappliedPayments(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sub, err := f.repo.FindSubscriptionBySubjectID(ctx, "dealer-r")
	if err != nil {
		t.Fatalf("expected subscription to be applied: %v", err)
	}
	if sub.Status != domain.SubscriptionActive || !sub.StartDate.Equal(jobsNow) {
		t.Fatalf("unexpected subscription %+v", sub)
	}

	f.clock.Advance(time.Hour)
	if err := f.jobs.RepairUnappliedPayments(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, _ := f.repo.FindSubscriptionBySubjectID(ctx, "dealer-r")
	if !again.StartDate.Equal(jobsNow) {
		t.Fatal("repair must not re-apply an applied payment")
	}
}

func TestReconcileStalePending_SettlesThroughReconciler(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	stale, fresh := "trk-stale", "trk-fresh"
	f.repo.PutSubject(domain.Subject{ID: "dealer-s"})
	f.repo.PutAttempt(domain.PaymentAttempt{
		MerchantReference:  "ORD-stale",
		ProviderTrackingID: &stale,
		SubjectID:          "dealer-s",
		PlanName:           "basic",
		Status:             domain.PaymentPending,
		CreatedAt:          jobsNow.Add(-time.Hour),
	})
	f.repo.PutAttempt(domain.PaymentAttempt{
		MerchantReference:  "ORD-fresh",
		ProviderTrackingID: &fresh,
		SubjectID:          "dealer-s",
		PlanName:           "basic",
		Status:             domain.PaymentPending,
		CreatedAt:          jobsNow.Add(-time.Minute),
	})
	f.gateway.statuses[stale] = "COMPLETED"
	f.gateway.statuses[fresh] = "COMPLETED"

	if err := f.jobs.ReconcileStalePending(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	settled, _ := f.repo.FindPaymentAttempt(ctx, "ORD-stale")
	if settled.Status != domain.PaymentSuccess {
		t.Fatalf("expected stale attempt settled, got %s", settled.Status)
	}
	untouched, _ := f.repo.FindPaymentAttempt(ctx, "ORD-fresh")
	if untouched.Status != domain.PaymentPending {
		t.Fatalf("fresh attempt must wait for its notification, got %s", untouched.Status)
	}
	subject, _ := f.repo.FindSubject(ctx, "dealer-s")
	if subject.Role != domain.RoleDealer {
		t.Fatalf("expected promotion to dealer, got %s", subject.Role)
	}
}

type failingGraceRepo struct {
	*storetest.MemoryRepository
}

func (r failingGraceRepo) MoveEndedToGrace(ctx context.Context, now, graceUntil time.Time) ([]string, error) {
	return nil, errors.New("connection reset")
}

func TestRunDaily_StepsAreIndependent(t *testing.T) {
	f := newJobsFixture(t)
	ctx := context.Background()
	f.repo.PutSubject(domain.Subject{ID: "soon", Email: "soon@example.com"})
	f.repo.PutSubscription(subscription("soon", domain.SubscriptionActive, jobsNow.Add(48*time.Hour)))
	f.repo.PutSubscription(subscription("trialist", domain.SubscriptionTrial, jobsNow.Add(-time.Minute)))

	jobs := NewJobs(failingGraceRepo{f.repo}, f.jobs.reconciler, f.jobs.notifier, f.clock, f.jobs.logger, nil, f.jobs.config)
	if err := jobs.RunDaily(ctx); err == nil {
		t.Fatal("expected the grace failure to be reported")
	}

	trial, _ := f.repo.FindSubscriptionBySubjectID(ctx, "trialist")
	if trial.Status != domain.SubscriptionExpired {
		t.Fatalf("trial expiry should still run, got %s", trial.Status)
	}
	if got := f.repo.CountNotifications("notification.subscription_expiring"); got != 1 {
		t.Fatalf("reminders should still run, got %d", got)
	}
}

func TestAgeSubscriptions_RecordsSweepMetrics(t *testing.T) {
	f := newJobsFixture(t)
	registry := prometheus.NewRegistry()
	jobs := NewJobs(f.repo, f.jobs.reconciler, f.jobs.notifier, f.clock, f.jobs.logger,
		metrics.New(registry, "scheduler-service"), f.jobs.config)
	f.repo.PutSubscription(subscription("lapsed", domain.SubscriptionActive, jobsNow.Add(-time.Minute)))

	if err := jobs.AgeSubscriptions(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := testutil.GatherAndCount(registry, "billing_sweep_rows_total")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if n == 0 {
		t.Fatal("expected sweep rows to be exported")
	}
}
