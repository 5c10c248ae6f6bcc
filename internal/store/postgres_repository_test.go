package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/clementdevtech/cardirectory/internal/domain"
)

func newMockRepo(t *testing.T) (*PostgresRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgresRepository(mock), mock
}

func TestCompletePaymentAttempt_LosingRaceReturnsConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE payment_attempts").
		WithArgs("ORD-1", "success", "COMPLETED", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.CompletePaymentAttempt(context.Background(), "ORD-1", domain.PaymentSuccess, "COMPLETED", now)
	require.ErrorIs(t, err, domain.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletePaymentAttempt_Winner(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE payment_attempts").
		WithArgs("ORD-1", "failed", "FAILED", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := repo.CompletePaymentAttempt(context.Background(), "ORD-1", domain.PaymentFailed, "FAILED", now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompletePaymentAttempt_RejectsPendingTarget(t *testing.T) {
	repo, mock := newMockRepo(t)

	err := repo.CompletePaymentAttempt(context.Background(), "ORD-1", domain.PaymentPending, "", time.Now())
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySuccessfulPayment_UpsertsSubscriptionOnce(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	plan, _ := domain.DefaultPlanCatalog().Lookup("basic")

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payment_attempts").
		WithArgs("ORD-1", now).
		WillReturnRows(pgxmock.NewRows([]string{"subject_id"}).AddRow("subj-1"))
	mock.ExpectExec("INSERT INTO subscriptions").
		WithArgs("subj-1", "basic", pgxmock.AnyArg(), now, now.Add(30*24*time.Hour)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	applied, err := repo.ApplySuccessfulPayment(context.Background(), "ORD-1", plan, now)
	require.NoError(t, err)
	require.True(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySuccessfulPayment_AlreadyApplied(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	plan, _ := domain.DefaultPlanCatalog().Lookup("basic")

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payment_attempts").
		WithArgs("ORD-1", now).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	applied, err := repo.ApplySuccessfulPayment(context.Background(), "ORD-1", plan, now)
	require.NoError(t, err)
	require.False(t, applied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementListingsUsed_NoCapacity(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE subscriptions").
		WithArgs("subj-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.IncrementListingsUsed(context.Background(), "subj-1", now)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateTrial_SecondActivationRejected(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := now.Add(14 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users").
		WithArgs("subj-1", now, end).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("subj-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := repo.ActivateTrial(context.Background(), "subj-1", now, end, 5)
	require.ErrorIs(t, err, domain.ErrTrialAlreadyUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateTrial_UnknownSubject(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := now.Add(14 * 24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE users").
		WithArgs("ghost", now, end).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := repo.ActivateTrial(context.Background(), "ghost", now, end, 5)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindPaymentAttempt_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("FROM payment_attempts WHERE merchant_reference").
		WithArgs("ORD-missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.FindPaymentAttempt(context.Background(), "ORD-missing")
	require.True(t, errors.Is(err, domain.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func TestMoveEndedToGrace_ReturnsSubjects(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	grace := now.Add(7 * 24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SET status = 'expired', grace_until = $2")).
		WithArgs(now, grace).
		WillReturnRows(pgxmock.NewRows([]string{"subject_id"}).AddRow("a").AddRow("b"))

	subjects, err := repo.MoveEndedToGrace(context.Background(), now, grace)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, subjects)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireGracePeriods_ClearsFinishedWindows(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("SET grace_until = NULL, updated_at = $1") + `\s+WHERE status = 'expired' AND grace_until IS NOT NULL AND grace_until < \$1`).
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	n, err := repo.ExpireGracePeriods(context.Background(), now)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkOutboxFailed_ClampsRetryAndReason(t *testing.T) {
	repo, mock := newMockRepo(t)
	long := make([]byte, 2500)
	for i := range long {
		long[i] = 'x'
	}

	mock.ExpectExec("UPDATE notification_outbox").
		WithArgs(int64(7), 1, string(long[:2000])).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkOutboxFailed(context.Background(), 7, 0, string(long)))
	require.NoError(t, mock.ExpectationsWereMet())
}
