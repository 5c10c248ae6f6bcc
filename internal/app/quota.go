package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/metrics"
	"github.com/clementdevtech/cardirectory/internal/store"
)

// QuotaService gates listing creation on the subject's subscription.
type QuotaService struct {
	repo    store.Repository
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Billing
}

func NewQuotaService(repo store.Repository, clk clock.Clock, logger *slog.Logger, m *metrics.Billing) *QuotaService {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaService{repo: repo, clock: clk, logger: logger, metrics: m}
}

// TryConsumeListingSlot reports whether the subject may create one more listing and, for
// metered plans, consumes the slot. It fails closed when no usable subscription exists.
func (s *QuotaService) TryConsumeListingSlot(ctx context.Context, subjectID string) (bool, error) {
	allowed, err := s.tryConsume(ctx, subjectID)
	if err == nil {
		s.metrics.ListingSlot(allowed)
	}
	return allowed, err
}

func (s *QuotaService) tryConsume(ctx context.Context, subjectID string) (bool, error) {
	const op = "consume_listing_slot"

	sub, err := s.repo.FindSubscriptionBySubjectID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, domain.E(domain.KindInternal, op, err)
	}

	if sub.AdminOverride {
		return true, nil
	}
	now := s.clock.Now()
	if !sub.Usable(now) {
		return false, nil
	}
	if sub.ListingsAllowed == nil {
		return true, nil
	}

	ok, err := s.repo.IncrementListingsUsed(ctx, subjectID, now)
	if err != nil {
		return false, domain.E(domain.KindInternal, op, err)
	}
	if ok {
		return true, nil
	}

	// The row may have moved to an unlimited plan or gained an override since it was read.
	current, err := s.repo.FindSubscriptionBySubjectID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, domain.E(domain.KindInternal, op, err)
	}
	if current.AdminOverride || (current.ListingsAllowed == nil && current.Usable(now)) {
		return true, nil
	}
	return false, nil
}

// ConsumeListingSlot is TryConsumeListingSlot with a denial reported as ErrQuotaExceeded.
func (s *QuotaService) ConsumeListingSlot(ctx context.Context, subjectID string) error {
	ok, err := s.TryConsumeListingSlot(ctx, subjectID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.E(domain.KindQuotaExceeded, "consume_listing_slot", domain.ErrQuotaExceeded)
	}
	return nil
}
