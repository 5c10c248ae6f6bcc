package app

import (
	"context"
	"testing"

	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/store/storetest"
)

func TestSummary(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	repo.PutSubscription(activeSubscription("d-1", intPtr(10), 4))
	repo.PutSubscription(activeSubscription("d-2", nil, 4))
	svc := NewSubscriptionService(repo, clock.NewFixed(testNow), discardLogger())
	ctx := context.Background()

	metered, err := svc.Summary(ctx, "d-1")
	if err != nil {
		t.Fatal(err)
	}
	if !metered.IsActive || metered.ListingsRemaining != 6 {
		t.Fatalf("unexpected metered summary %+v", metered)
	}

	unlimited, _ := svc.Summary(ctx, "d-2")
	if unlimited.ListingsRemaining != -1 {
		t.Fatalf("expected unlimited marker, got %d", unlimited.ListingsRemaining)
	}

	none, _ := svc.Summary(ctx, "d-3")
	if none.Status != domain.SubscriptionNone || none.IsActive {
		t.Fatalf("unexpected empty summary %+v", none)
	}
}

func TestSetAdminOverride_GrantsAccessWithoutSubscription(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	clk := clock.NewFixed(testNow)
	svc := NewSubscriptionService(repo, clk, discardLogger())
	quota := NewQuotaService(repo, clk, discardLogger(), nil)
	ctx := context.Background()

	if err := svc.SetAdminOverride(ctx, "vip", true); err != nil {
		t.Fatal(err)
	}
	ok, err := quota.TryConsumeListingSlot(ctx, "vip")
	if err != nil || !ok {
		t.Fatalf("expected override to allow listing, got %t %v", ok, err)
	}
}
