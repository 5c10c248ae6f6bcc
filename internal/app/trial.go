package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/store"
)

// TrialService grants the one-shot dealer trial.
type TrialService struct {
	repo     store.Repository
	notifier Notifier
	clock    clock.Clock
	duration time.Duration
	listings int
	logger   *slog.Logger
}

func NewTrialService(repo store.Repository, notifier Notifier, clk clock.Clock, duration time.Duration, listings int, logger *slog.Logger) *TrialService {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TrialService{repo: repo, notifier: notifier, clock: clk, duration: duration, listings: listings, logger: logger}
}

// Activate starts the subject's trial. A subject gets at most one trial, ever.
func (s *TrialService) Activate(ctx context.Context, subjectID string) (*domain.Subscription, error) {
	const op = "activate_trial"
	now := s.clock.Now()

	existing, err := s.repo.FindSubscriptionBySubjectID(ctx, subjectID)
	switch {
	case err == nil:
		if existing.Status != domain.SubscriptionTrial && existing.Usable(now) {
			return nil, domain.E(domain.KindConflict, op, errors.New("subject already has a paid subscription"))
		}
	case !errors.Is(err, domain.ErrNotFound):
		return nil, domain.E(domain.KindInternal, op, err)
	}

	trialEnd := now.Add(s.duration)
	if err := s.repo.ActivateTrial(ctx, subjectID, now, trialEnd, s.listings); err != nil {
		switch {
		case errors.Is(err, domain.ErrTrialAlreadyUsed):
			return nil, domain.E(domain.KindTrialUsed, op, err)
		case errors.Is(err, domain.ErrNotFound):
			return nil, domain.E(domain.KindNotFound, op, err)
		}
		return nil, domain.E(domain.KindInternal, op, err)
	}
	s.logger.Info("trial activated", "subject_id", subjectID, "trial_end", trialEnd)

	if s.notifier != nil {
		contact := domain.Contact{SubjectID: subjectID}
		if subject, err := s.repo.FindSubject(ctx, subjectID); err == nil {
			contact = subject.Contact()
		}
		if err := s.notifier.Send(ctx, contact, domain.TemplateTrialStarted, map[string]any{
			"trial_end": trialEnd,
			"listings":  s.listings,
		}); err != nil {
			s.logger.Warn("failed to enqueue trial notification", "subject_id", subjectID, "error", err)
		}
	}

	sub, err := s.repo.FindSubscriptionBySubjectID(ctx, subjectID)
	if err != nil {
		return nil, domain.E(domain.KindInternal, op, err)
	}
	return sub, nil
}
