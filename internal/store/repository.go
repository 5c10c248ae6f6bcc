/**
 * @description
 * This file defines the `Repository` interface, the contract for every data access
 * operation the billing services need. Every state change it exposes is a single
 * WHERE-guarded statement (or one transaction), so concurrent webhook deliveries,
 * polls and scheduler sweeps can race safely without application-level locks.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: Row and transaction types shared with pgxmock in tests.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clementdevtech/cardirectory/internal/domain"
)

// DB is the subset of *pgxpool.Pool used by PostgresRepository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Payment attempt methods
	CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error
	SetProviderTrackingID(ctx context.Context, merchantReference, trackingID string, now time.Time) error
	FindPaymentAttempt(ctx context.Context, merchantReference string) (*domain.PaymentAttempt, error)
	FindPaymentAttemptByTrackingID(ctx context.Context, trackingID string) (*domain.PaymentAttempt, error)
	// CompletePaymentAttempt moves a pending attempt to a terminal status. ErrConflict when it was not pending.
	CompletePaymentAttempt(ctx context.Context, merchantReference string, status domain.PaymentStatus, providerStatus string, now time.Time) error
	// ApplySuccessfulPayment upserts the subscription for a successful attempt at most once.
	ApplySuccessfulPayment(ctx context.Context, merchantReference string, plan domain.Plan, now time.Time) (bool, error)
	ListUnappliedSuccessfulPayments(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PaymentAttempt, error)
	ListStalePendingAttempts(ctx context.Context, createdBefore time.Time, limit int) ([]domain.PaymentAttempt, error)

	// Subscription methods
	FindSubscriptionBySubjectID(ctx context.Context, subjectID string) (*domain.Subscription, error)
	IncrementListingsUsed(ctx context.Context, subjectID string, now time.Time) (bool, error)
	SetAdminOverride(ctx context.Context, subjectID string, override bool, now time.Time) error
	MoveEndedToGrace(ctx context.Context, now, graceUntil time.Time) ([]string, error)
	ExpireGracePeriods(ctx context.Context, now time.Time) (int64, error)
	ExpireTrialSubscriptions(ctx context.Context, now time.Time) (int64, error)
	ClaimSubscriptionReminders(ctx context.Context, now, until time.Time) ([]ReminderTarget, error)

	// Subject and trial methods
	FindSubject(ctx context.Context, subjectID string) (*domain.Subject, error)
	UpdateSubjectRole(ctx context.Context, subjectID, role string) error
	ActivateTrial(ctx context.Context, subjectID string, now, trialEnd time.Time, listings int) error
	RevertExpiredTrials(ctx context.Context, now time.Time) ([]string, error)
	ClaimTrialReminders(ctx context.Context, now, until time.Time) ([]ReminderTarget, error)

	// Notification outbox methods
	EnqueueNotification(ctx context.Context, exchange, routingKey string, payload any) error
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// ReminderTarget is a row whose reminder flag was just claimed.
type ReminderTarget struct {
	Contact  domain.Contact
	PlanName string
	EndsAt   time.Time
}

// OutboxMessage is a claimed notification awaiting publication.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}
