/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for payment attempts, subscriptions, subjects and the
 * notification outbox. State transitions are expressed as conditional updates whose
 * WHERE clause encodes the precondition; the affected row count tells the caller
 * whether it won the race.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clementdevtech/cardirectory/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const paymentAttemptColumns = `merchant_reference, provider_tracking_id, subject_id, plan_name, amount, currency,
	method, COALESCE(phone, ''), status, provider_status, subscription_applied_at, created_at, updated_at`

func scanPaymentAttempt(row pgx.Row) (*domain.PaymentAttempt, error) {
	var (
		a      domain.PaymentAttempt
		status string
	)
	err := row.Scan(
		&a.MerchantReference,
		&a.ProviderTrackingID,
		&a.SubjectID,
		&a.PlanName,
		&a.Amount,
		&a.Currency,
		&a.Method,
		&a.Phone,
		&status,
		&a.ProviderStatus,
		&a.SubscriptionAppliedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Status = domain.PaymentStatus(status)
	return &a, nil
}

// CreatePaymentAttempt records a new pending attempt.
func (r *PostgresRepository) CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	query := `
		INSERT INTO payment_attempts (merchant_reference, subject_id, plan_name, amount, currency, method, phone, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), 'pending', $8, $8)
	`
	_, err := r.db.Exec(ctx, query,
		attempt.MerchantReference,
		attempt.SubjectID,
		attempt.PlanName,
		attempt.Amount,
		attempt.Currency,
		attempt.Method,
		attempt.Phone,
		attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment attempt: %w", err)
	}
	return nil
}

// SetProviderTrackingID stores the provider's id for an attempt once.
func (r *PostgresRepository) SetProviderTrackingID(ctx context.Context, merchantReference, trackingID string, now time.Time) error {
	query := `
		UPDATE payment_attempts
		SET provider_tracking_id = $2, updated_at = $3
		WHERE merchant_reference = $1 AND provider_tracking_id IS NULL
	`
	_, err := r.db.Exec(ctx, query, merchantReference, trackingID, now)
	return err
}

// FindPaymentAttempt retrieves an attempt by merchant reference.
func (r *PostgresRepository) FindPaymentAttempt(ctx context.Context, merchantReference string) (*domain.PaymentAttempt, error) {
	query := `SELECT ` + paymentAttemptColumns + ` FROM payment_attempts WHERE merchant_reference = $1`
	attempt, err := scanPaymentAttempt(r.db.QueryRow(ctx, query, merchantReference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// FindPaymentAttemptByTrackingID retrieves an attempt by provider tracking id.
func (r *PostgresRepository) FindPaymentAttemptByTrackingID(ctx context.Context, trackingID string) (*domain.PaymentAttempt, error) {
	query := `SELECT ` + paymentAttemptColumns + ` FROM payment_attempts WHERE provider_tracking_id = $1`
	attempt, err := scanPaymentAttempt(r.db.QueryRow(ctx, query, trackingID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return attempt, nil
}

// CompletePaymentAttempt performs the single pending-to-terminal transition.
func (r *PostgresRepository) CompletePaymentAttempt(ctx context.Context, merchantReference string, status domain.PaymentStatus, providerStatus string, now time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("complete payment attempt: %q is not terminal", status)
	}
	query := `
		UPDATE payment_attempts
		SET status = $2, provider_status = NULLIF($3, ''), updated_at = $4
		WHERE merchant_reference = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, merchantReference, string(status), providerStatus, now)
	if err != nil {
		return fmt.Errorf("complete payment attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ApplySuccessfulPayment claims the attempt's subscription_applied_at marker and upserts the
// subject's subscription in the same transaction. It returns false when the payment was
// already applied or is not successful.
func (r *PostgresRepository) ApplySuccessfulPayment(ctx context.Context, merchantReference string, plan domain.Plan, now time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var subjectID string
	err = tx.QueryRow(ctx, `
		UPDATE payment_attempts
		SET subscription_applied_at = $2, updated_at = $2
		WHERE merchant_reference = $1 AND status = 'success' AND subscription_applied_at IS NULL
		RETURNING subject_id
	`, merchantReference, now).Scan(&subjectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("claim payment application: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (subject_id, plan_name, listings_allowed, listings_used, start_date, end_date, status, reminder_sent, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, 'active', FALSE, $4, $4)
		ON CONFLICT (subject_id) DO UPDATE SET
			plan_name = EXCLUDED.plan_name,
			listings_allowed = EXCLUDED.listings_allowed,
			listings_used = 0,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			grace_until = NULL,
			status = 'active',
			reminder_sent = FALSE,
			updated_at = EXCLUDED.updated_at
	`, subjectID, plan.Name, plan.ListingsAllowed, now, now.Add(plan.Duration))
	if err != nil {
		return false, fmt.Errorf("upsert subscription: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ListUnappliedSuccessfulPayments finds successful attempts whose subscription was never applied.
func (r *PostgresRepository) ListUnappliedSuccessfulPayments(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PaymentAttempt, error) {
	query := `SELECT ` + paymentAttemptColumns + `
		FROM payment_attempts
		WHERE status = 'success' AND subscription_applied_at IS NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`
	return r.listPaymentAttempts(ctx, query, updatedBefore, normalizeLimit(limit))
}

// ListStalePendingAttempts finds pending attempts old enough to be polled.
func (r *PostgresRepository) ListStalePendingAttempts(ctx context.Context, createdBefore time.Time, limit int) ([]domain.PaymentAttempt, error) {
	query := `SELECT ` + paymentAttemptColumns + `
		FROM payment_attempts
		WHERE status = 'pending' AND provider_tracking_id IS NOT NULL AND created_at < $1
		ORDER BY created_at
		LIMIT $2`
	return r.listPaymentAttempts(ctx, query, createdBefore, normalizeLimit(limit))
}

func (r *PostgresRepository) listPaymentAttempts(ctx context.Context, query string, args ...any) ([]domain.PaymentAttempt, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.PaymentAttempt
	for rows.Next() {
		attempt, err := scanPaymentAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

// FindSubscriptionBySubjectID retrieves the subscription row of a subject.
func (r *PostgresRepository) FindSubscriptionBySubjectID(ctx context.Context, subjectID string) (*domain.Subscription, error) {
	query := `
		SELECT id::text, subject_id, plan_name, listings_allowed, listings_used, start_date, end_date,
			grace_until, status, admin_override, reminder_sent, created_at, updated_at
		FROM subscriptions
		WHERE subject_id = $1
	`
	var (
		sub    domain.Subscription
		status string
	)
	err := r.db.QueryRow(ctx, query, subjectID).Scan(
		&sub.ID,
		&sub.SubjectID,
		&sub.PlanName,
		&sub.ListingsAllowed,
		&sub.ListingsUsed,
		&sub.StartDate,
		&sub.EndDate,
		&sub.GraceUntil,
		&status,
		&sub.AdminOverride,
		&sub.ReminderSent,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	sub.Status = domain.SubscriptionStatus(status)
	return &sub, nil
}

// IncrementListingsUsed consumes one listing slot if the row still has capacity and is usable at now.
func (r *PostgresRepository) IncrementListingsUsed(ctx context.Context, subjectID string, now time.Time) (bool, error) {
	query := `
		UPDATE subscriptions
		SET listings_used = listings_used + 1, updated_at = $2
		WHERE subject_id = $1
			AND listings_allowed IS NOT NULL
			AND listings_used < listings_allowed
			AND start_date <= $2
			AND (
				(status IN ('active', 'trial') AND end_date >= $2)
				OR (status = 'expired' AND grace_until IS NOT NULL AND grace_until >= $2)
			)
	`
	tag, err := r.db.Exec(ctx, query, subjectID, now)
	if err != nil {
		return false, fmt.Errorf("increment listings used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetAdminOverride flags a subject for unconditional listing access, creating a placeholder row if needed.
func (r *PostgresRepository) SetAdminOverride(ctx context.Context, subjectID string, override bool, now time.Time) error {
	query := `
		INSERT INTO subscriptions (subject_id, plan_name, listings_allowed, listings_used, start_date, end_date, status, admin_override, created_at, updated_at)
		VALUES ($1, 'override', 0, 0, $3, $3, 'expired', $2, $3, $3)
		ON CONFLICT (subject_id) DO UPDATE SET admin_override = EXCLUDED.admin_override, updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Exec(ctx, query, subjectID, override, now)
	return err
}

// MoveEndedToGrace expires active subscriptions past their end date and opens their grace window.
func (r *PostgresRepository) MoveEndedToGrace(ctx context.Context, now, graceUntil time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE subscriptions
		SET status = 'expired', grace_until = $2, updated_at = $1
		WHERE status = 'active' AND end_date < $1
		RETURNING subject_id
	`, now, graceUntil)
	if err != nil {
		return nil, fmt.Errorf("move ended subscriptions to grace: %w", err)
	}
	return collectStrings(rows)
}

// ExpireGracePeriods closes grace windows that are over, leaving the rows plainly expired.
func (r *PostgresRepository) ExpireGracePeriods(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE subscriptions
		SET grace_until = NULL, updated_at = $1
		WHERE status = 'expired' AND grace_until IS NOT NULL AND grace_until < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire grace periods: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireTrialSubscriptions expires trial subscriptions past their end date.
func (r *PostgresRepository) ExpireTrialSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = 'expired', updated_at = $1
		WHERE status = 'trial' AND end_date < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire trial subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimSubscriptionReminders flags and returns active subscriptions ending in (now, until].
func (r *PostgresRepository) ClaimSubscriptionReminders(ctx context.Context, now, until time.Time) ([]ReminderTarget, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE subscriptions AS s
		SET reminder_sent = TRUE, updated_at = $1
		FROM users AS u
		WHERE u.id = s.subject_id
			AND s.status = 'active'
			AND s.reminder_sent = FALSE
			AND s.end_date > $1
			AND s.end_date <= $2
		RETURNING s.subject_id, COALESCE(u.email, ''), COALESCE(u.phone, ''), s.plan_name, s.end_date
	`, now, until)
	if err != nil {
		return nil, fmt.Errorf("claim subscription reminders: %w", err)
	}
	return collectReminderTargets(rows)
}

// FindSubject retrieves contact and trial state for a subject.
func (r *PostgresRepository) FindSubject(ctx context.Context, subjectID string) (*domain.Subject, error) {
	query := `
		SELECT id, COALESCE(email, ''), COALESCE(phone, ''), role, trial_start, trial_end, trial_used
		FROM users
		WHERE id = $1
	`
	var s domain.Subject
	err := r.db.QueryRow(ctx, query, subjectID).Scan(&s.ID, &s.Email, &s.Phone, &s.Role, &s.TrialStart, &s.TrialEnd, &s.TrialUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// UpdateSubjectRole sets a subject's role. Admins are never demoted and repeated calls are no-ops.
func (r *PostgresRepository) UpdateSubjectRole(ctx context.Context, subjectID, role string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE users SET role = $2
		WHERE id = $1 AND role <> 'admin' AND role <> $2
	`, subjectID, role)
	return err
}

// ActivateTrial consumes a subject's one-shot trial and opens a trial subscription.
func (r *PostgresRepository) ActivateTrial(ctx context.Context, subjectID string, now, trialEnd time.Time, listings int) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE users
		SET trial_used = TRUE,
			trial_start = $2,
			trial_end = $3,
			trial_reminder_sent = FALSE,
			role = CASE WHEN role = 'admin' THEN role ELSE 'dealer' END
		WHERE id = $1 AND trial_used = FALSE
	`, subjectID, now, trialEnd)
	if err != nil {
		return fmt.Errorf("claim trial: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, subjectID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrTrialAlreadyUsed
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (subject_id, plan_name, listings_allowed, listings_used, start_date, end_date, status, reminder_sent, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $5, 'trial', FALSE, $4, $4)
		ON CONFLICT (subject_id) DO UPDATE SET
			plan_name = EXCLUDED.plan_name,
			listings_allowed = EXCLUDED.listings_allowed,
			listings_used = 0,
			start_date = EXCLUDED.start_date,
			end_date = EXCLUDED.end_date,
			grace_until = NULL,
			status = 'trial',
			reminder_sent = FALSE,
			updated_at = EXCLUDED.updated_at
	`, subjectID, domain.TrialPlanName, listings, now, trialEnd)
	if err != nil {
		return fmt.Errorf("open trial subscription: %w", err)
	}

	return tx.Commit(ctx)
}

// RevertExpiredTrials demotes dealers whose trial ended and who hold no live paid subscription.
func (r *PostgresRepository) RevertExpiredTrials(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE users AS u
		SET role = 'user', trial_start = NULL, trial_end = NULL, trial_used = TRUE
		WHERE u.role = 'dealer'
			AND u.trial_end IS NOT NULL
			AND u.trial_end < $1
			AND NOT EXISTS (
				SELECT 1 FROM subscriptions s
				WHERE s.subject_id = u.id
					AND (
						(s.status = 'active' AND s.end_date >= $1)
						OR (s.status = 'expired' AND s.grace_until IS NOT NULL AND s.grace_until >= $1)
					)
			)
		RETURNING u.id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("revert expired trials: %w", err)
	}
	return collectStrings(rows)
}

// ClaimTrialReminders flags and returns dealers whose trial ends in (now, until].
func (r *PostgresRepository) ClaimTrialReminders(ctx context.Context, now, until time.Time) ([]ReminderTarget, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE users
		SET trial_reminder_sent = TRUE
		WHERE role = 'dealer'
			AND trial_reminder_sent = FALSE
			AND trial_end > $1
			AND trial_end <= $2
		RETURNING id, COALESCE(email, ''), COALESCE(phone, ''), 'trial', trial_end
	`, now, until)
	if err != nil {
		return nil, fmt.Errorf("claim trial reminders: %w", err)
	}
	return collectReminderTargets(rows)
}

// EnqueueNotification stores an event for the outbox dispatcher.
func (r *PostgresRepository) EnqueueNotification(ctx context.Context, exchange, routingKey string, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO notification_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, strings.TrimSpace(exchange), strings.TrimSpace(routingKey), string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}
	return nil
}

// ClaimOutboxMessages marks up to limit due messages as processing and returns them.
// Messages stuck in processing longer than staleAfterSeconds are reclaimed.
func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	query := `
		WITH candidates AS (
			SELECT id
			FROM notification_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE notification_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`

	rows, err := r.db.Query(ctx, query, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkOutboxPublished records a successful publish.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

// MarkOutboxFailed returns a message to pending with a backoff.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	if len(reason) > 2000 {
		reason = reason[:2000]
	}
	_, err := r.db.Exec(ctx, `
		UPDATE notification_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, reason)
	return err
}

func collectStrings(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func collectReminderTargets(rows pgx.Rows) ([]ReminderTarget, error) {
	defer rows.Close()
	var out []ReminderTarget
	for rows.Next() {
		var t ReminderTarget
		if err := rows.Scan(&t.Contact.SubjectID, &t.Contact.Email, &t.Contact.Phone, &t.PlanName, &t.EndsAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
