/**
 * @description
 * Scheduled job implementations for the scheduler-service. Every job is a plain method driven by
 * the injected clock so it can be run synchronously from tests; the cron wrappers at the bottom
 * only add logging. All row changes go through single WHERE-guarded statements in the store, so
 * running a job twice in a row changes nothing the second time.
 */
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/clementdevtech/cardirectory/internal/app"
	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/config"
	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/metrics"
	"github.com/clementdevtech/cardirectory/internal/store"
)

const (
	sweepBatchSize = 100
	repairAfter    = 5 * time.Minute
	jobTimeout     = 5 * time.Minute
)

// Repository defines database operations needed by the jobs.
type Repository interface {
	MoveEndedToGrace(ctx context.Context, now, graceUntil time.Time) ([]string, error)
	ExpireGracePeriods(ctx context.Context, now time.Time) (int64, error)
	ExpireTrialSubscriptions(ctx context.Context, now time.Time) (int64, error)
	ClaimSubscriptionReminders(ctx context.Context, now, until time.Time) ([]store.ReminderTarget, error)
	RevertExpiredTrials(ctx context.Context, now time.Time) ([]string, error)
	ClaimTrialReminders(ctx context.Context, now, until time.Time) ([]store.ReminderTarget, error)
	ListUnappliedSuccessfulPayments(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PaymentAttempt, error)
	ListStalePendingAttempts(ctx context.Context, createdBefore time.Time, limit int) ([]domain.PaymentAttempt, error)
	FindSubject(ctx context.Context, subjectID string) (*domain.Subject, error)
}

// PaymentReconciler is the part of app.Reconciler the sweeps drive.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, trigger app.Trigger) (app.Outcome, error)
	ApplyPayment(ctx context.Context, attempt *domain.PaymentAttempt) (bool, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	repo       Repository
	reconciler PaymentReconciler
	notifier   app.Notifier
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *metrics.Billing
	config     config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(repo Repository, reconciler PaymentReconciler, notifier app.Notifier, clk clock.Clock, logger *slog.Logger, m *metrics.Billing, cfg config.Config) *Jobs {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Jobs{
		repo:       repo,
		reconciler: reconciler,
		notifier:   notifier,
		clock:      clk,
		logger:     logger,
		metrics:    m,
		config:     cfg,
	}
}

// AgeSubscriptions moves lapsed paid plans into grace, ends finished grace periods and expires
// finished trials. Each step runs even if an earlier one failed.
func (j *Jobs) AgeSubscriptions(ctx context.Context) error {
	now := j.clock.Now()
	var errs []error

	graceUntil := now.Add(j.config.GracePeriod())
	moved, err := j.repo.MoveEndedToGrace(ctx, now, graceUntil)
	if err != nil {
		errs = append(errs, fmt.Errorf("move ended subscriptions to grace: %w", err))
	} else {
		j.metrics.SweepRows("subscription_grace", int64(len(moved)))
		for _, subjectID := range moved {
			j.notify(ctx, subjectID, domain.TemplateSubscriptionGrace, map[string]any{"grace_until": graceUntil})
		}
	}

	expired, err := j.repo.ExpireGracePeriods(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire grace periods: %w", err))
	} else {
		j.metrics.SweepRows("subscription_expired", expired)
	}

	trials, err := j.repo.ExpireTrialSubscriptions(ctx, now)
	if err != nil {
		errs = append(errs, fmt.Errorf("expire trial subscriptions: %w", err))
	} else {
		j.metrics.SweepRows("trial_subscription_expired", trials)
	}

	j.logger.Info("subscription aging finished", "moved_to_grace", len(moved), "grace_expired", expired, "trials_expired", trials)
	return errors.Join(errs...)
}

// AgeTrials demotes dealers whose trial ended and who never bought a plan.
func (j *Jobs) AgeTrials(ctx context.Context) error {
	reverted, err := j.repo.RevertExpiredTrials(ctx, j.clock.Now())
	if err != nil {
		return fmt.Errorf("revert expired trials: %w", err)
	}
	j.metrics.SweepRows("trial_reverted", int64(len(reverted)))
	if len(reverted) > 0 {
		j.logger.Info("reverted expired trials", "count", len(reverted))
	}
	return nil
}

// SendReminders notifies subjects whose plan or trial ends within the lookahead window.
// The store flips the reminder flag in the statement that returns the rows.
func (j *Jobs) SendReminders(ctx context.Context) error {
	now := j.clock.Now()
	until := now.Add(j.config.ReminderLookahead())
	var errs []error

	subs, err := j.repo.ClaimSubscriptionReminders(ctx, now, until)
	if err != nil {
		errs = append(errs, fmt.Errorf("claim subscription reminders: %w", err))
	}
	for _, target := range subs {
		j.send(ctx, target.Contact, domain.TemplateSubscriptionEnding, map[string]any{
			"plan":    target.PlanName,
			"ends_at": target.EndsAt,
		})
	}
	j.metrics.SweepRows("subscription_reminder", int64(len(subs)))

	trials, err := j.repo.ClaimTrialReminders(ctx, now, until)
	if err != nil {
		errs = append(errs, fmt.Errorf("claim trial reminders: %w", err))
	}
	for _, target := range trials {
		j.send(ctx, target.Contact, domain.TemplateTrialEnding, map[string]any{"ends_at": target.EndsAt})
	}
	j.metrics.SweepRows("trial_reminder", int64(len(trials)))

	return errors.Join(errs...)
}

// RepairUnappliedPayments applies subscriptions for successful attempts whose side effect failed.
func (j *Jobs) RepairUnappliedPayments(ctx context.Context) error {
	attempts, err := j.repo.ListUnappliedSuccessfulPayments(ctx, j.clock.Now().Add(-repairAfter), sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list unapplied payments: %w", err)
	}

	var repaired int64
	for i := range attempts {
		attempt := &attempts[i]
		applied, err := j.reconciler.ApplyPayment(ctx, attempt)
		if err != nil {
			j.logger.Error("failed to repair payment", "merchant_reference", attempt.MerchantReference, "error", err)
			continue
		}
		if applied {
			repaired++
			j.logger.Info("applied subscription for repaired payment", "merchant_reference", attempt.MerchantReference,
				"subject_id", attempt.SubjectID)
		}
	}
	j.metrics.SweepRows("payment_repaired", repaired)
	return nil
}

// ReconcileStalePending polls the provider for attempts that never received a notification.
func (j *Jobs) ReconcileStalePending(ctx context.Context) error {
	attempts, err := j.repo.ListStalePendingAttempts(ctx, j.clock.Now().Add(-j.config.StalePendingAfter()), sweepBatchSize)
	if err != nil {
		return fmt.Errorf("list stale pending attempts: %w", err)
	}

	var settled int64
	for _, attempt := range attempts {
		outcome, err := j.reconciler.Reconcile(ctx, app.Trigger{
			MerchantReference: attempt.MerchantReference,
			TrackingID:        attempt.TrackingID(),
			Source:            app.SourceSweep,
		})
		if err != nil {
			j.logger.Warn("stale attempt still unresolved", "merchant_reference", attempt.MerchantReference, "error", err)
			continue
		}
		if outcome.Applied {
			settled++
		}
	}
	j.metrics.SweepRows("pending_reconciled", settled)
	return nil
}

// RunDaily runs aging before reminders so nothing already lapsed is reminded.
func (j *Jobs) RunDaily(ctx context.Context) error {
	return errors.Join(
		j.AgeSubscriptions(ctx),
		j.AgeTrials(ctx),
		j.SendReminders(ctx),
	)
}

func (j *Jobs) notify(ctx context.Context, subjectID string, template domain.TemplateKind, data map[string]any) {
	contact := domain.Contact{SubjectID: subjectID}
	if subject, err := j.repo.FindSubject(ctx, subjectID); err == nil {
		contact = subject.Contact()
	}
	j.send(ctx, contact, template, data)
}

func (j *Jobs) send(ctx context.Context, contact domain.Contact, template domain.TemplateKind, data map[string]any) {
	if j.notifier == nil {
		return
	}
	if err := j.notifier.Send(ctx, contact, template, data); err != nil {
		j.metrics.SideEffectFailed("notify_" + string(template))
		j.logger.Warn("failed to enqueue notification", "subject_id", contact.SubjectID, "template", template, "error", err)
	}
}

// ProcessExpiry is the cron entry for the aging jobs.
func (j *Jobs) ProcessExpiry() {
	j.run("expiry", func(ctx context.Context) error {
		return errors.Join(j.AgeSubscriptions(ctx), j.AgeTrials(ctx))
	})
}

// ProcessReminders is the cron entry for reminder delivery.
func (j *Jobs) ProcessReminders() {
	j.run("reminders", j.SendReminders)
}

// ProcessReconciliation is the cron entry for the payment repair sweeps.
func (j *Jobs) ProcessReconciliation() {
	j.run("reconciliation", func(ctx context.Context) error {
		return errors.Join(j.RepairUnappliedPayments(ctx), j.ReconcileStalePending(ctx))
	})
}

func (j *Jobs) run(name string, job func(context.Context) error) {
	j.logger.Info("starting job", "job", name)
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := job(ctx); err != nil {
		j.logger.Error("job finished with errors", "job", name, "error", err)
		return
	}
	j.logger.Info("job finished", "job", name)
}
