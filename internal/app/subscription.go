package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/store"
)

// SubscriptionService answers subscription questions for dealers and admins.
type SubscriptionService struct {
	repo   store.Repository
	clock  clock.Clock
	logger *slog.Logger
}

func NewSubscriptionService(repo store.Repository, clk clock.Clock, logger *slog.Logger) *SubscriptionService {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionService{repo: repo, clock: clk, logger: logger}
}

// Summary returns the subject's current plan and remaining listings.
func (s *SubscriptionService) Summary(ctx context.Context, subjectID string) (*domain.SubscriptionSummary, error) {
	sub, err := s.repo.FindSubscriptionBySubjectID(ctx, subjectID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &domain.SubscriptionSummary{Status: domain.SubscriptionNone}, nil
		}
		return nil, domain.E(domain.KindInternal, "subscription_summary", err)
	}

	summary := &domain.SubscriptionSummary{
		PlanName:        sub.PlanName,
		Status:          sub.Status,
		IsActive:        sub.AdminOverride || sub.Usable(s.clock.Now()),
		EndDate:         &sub.EndDate,
		GraceUntil:      sub.GraceUntil,
		ListingsAllowed: sub.ListingsAllowed,
		ListingsUsed:    sub.ListingsUsed,
	}
	switch {
	case sub.AdminOverride || sub.ListingsAllowed == nil:
		summary.ListingsRemaining = -1
	case *sub.ListingsAllowed > sub.ListingsUsed:
		summary.ListingsRemaining = *sub.ListingsAllowed - sub.ListingsUsed
	}
	return summary, nil
}

// SetAdminOverride grants or revokes unconditional listing access.
func (s *SubscriptionService) SetAdminOverride(ctx context.Context, subjectID string, override bool) error {
	if err := s.repo.SetAdminOverride(ctx, subjectID, override, s.clock.Now()); err != nil {
		return domain.E(domain.KindInternal, "set_admin_override", err)
	}
	s.logger.Info("admin override updated", "subject_id", subjectID, "admin_override", override)
	return nil
}
