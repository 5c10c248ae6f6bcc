package app

import (
	"context"
	"testing"
	"time"

	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/store/storetest"
)

func newTrialService(repo *storetest.MemoryRepository) *TrialService {
	clk := clock.NewFixed(testNow)
	return NewTrialService(repo, NewOutboxNotifier(repo, "notification_events", clk), clk, 14*24*time.Hour, 5, discardLogger())
}

func TestActivateTrial_OneShot(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	repo.PutSubject(domain.Subject{ID: "u-1", Email: "u1@example.com"})
	trials := newTrialService(repo)
	ctx := context.Background()

	sub, err := trials.Activate(ctx, "u-1")
	if err != nil {
		t.Fatalf("first activation: %v", err)
	}
	if sub.Status != domain.SubscriptionTrial || sub.ListingsAllowed == nil || *sub.ListingsAllowed != 5 {
		t.Fatalf("unexpected trial subscription %+v", sub)
	}
	subject, _ := repo.FindSubject(ctx, "u-1")
	if subject.Role != domain.RoleDealer || !subject.TrialUsed {
		t.Fatalf("expected dealer with trial used, got %+v", subject)
	}

	_, err = trials.Activate(ctx, "u-1")
	if !domain.IsKind(err, domain.KindTrialUsed) {
		t.Fatalf("expected trial-used error on second activation, got %v", err)
	}
	if got := repo.CountNotifications("notification.trial_started"); got != 1 {
		t.Fatalf("expected one trial notification, got %d", got)
	}
}

func TestActivateTrial_RejectsPaidSubscriber(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	repo.PutSubject(domain.Subject{ID: "u-2"})
	repo.PutSubscription(activeSubscription("u-2", intPtr(10), 0))

	_, err := newTrialService(repo).Activate(context.Background(), "u-2")
	if !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestActivateTrial_UnknownSubject(t *testing.T) {
	repo := storetest.NewMemoryRepository()

	_, err := newTrialService(repo).Activate(context.Background(), "ghost")
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
