package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/store/storetest"
)

func intPtr(v int) *int { return &v }

func activeSubscription(subjectID string, allowed *int, used int) domain.Subscription {
	return domain.Subscription{
		SubjectID:       subjectID,
		PlanName:        "basic",
		ListingsAllowed: allowed,
		ListingsUsed:    used,
		StartDate:       testNow.Add(-24 * time.Hour),
		EndDate:         testNow.Add(24 * time.Hour),
		Status:          domain.SubscriptionActive,
	}
}

func TestTryConsumeListingSlot_ConcurrentRequestsRespectQuota(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	repo.PutSubscription(activeSubscription("dealer-q", intPtr(3), 0))
	quota := NewQuotaService(repo, clock.NewFixed(testNow), discardLogger(), nil)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := quota.TryConsumeListingSlot(context.Background(), "dealer-q")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != 3 {
		t.Fatalf("expected exactly 3 slots granted, got %d", got)
	}
	sub, _ := repo.FindSubscriptionBySubjectID(context.Background(), "dealer-q")
	if sub.ListingsUsed != 3 {
		t.Fatalf("expected listings_used=3, got %d", sub.ListingsUsed)
	}
}

func TestTryConsumeListingSlot_LastSlotGoesToOneCaller(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	repo.PutSubscription(activeSubscription("dealer-last", intPtr(1), 0))
	quota := NewQuotaService(repo, clock.NewFixed(testNow), discardLogger(), nil)

	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		allowed atomic.Int32
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := quota.TryConsumeListingSlot(context.Background(), "dealer-last")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				allowed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := allowed.Load(); got != 1 {
		t.Fatalf("expected exactly one caller to get the last slot, got %d", got)
	}
	sub, _ := repo.FindSubscriptionBySubjectID(context.Background(), "dealer-last")
	if sub.ListingsUsed != 1 {
		t.Fatalf("expected listings_used=1, got %d", sub.ListingsUsed)
	}
}

// upgradingRepository switches the subject to an unlimited plan between the quota read and the increment.
type upgradingRepository struct {
	*storetest.MemoryRepository
	upgraded domain.Subscription
}

func (u *upgradingRepository) IncrementListingsUsed(ctx context.Context, subjectID string, now time.Time) (bool, error) {
	u.PutSubscription(u.upgraded)
	return u.MemoryRepository.IncrementListingsUsed(ctx, subjectID, now)
}

func TestTryConsumeListingSlot_UpgradeToUnlimitedDuringCheck(t *testing.T) {
	mem := storetest.NewMemoryRepository()
	mem.PutSubscription(activeSubscription("dealer-up", intPtr(5), 5))
	premium := activeSubscription("dealer-up", nil, 5)
	premium.PlanName = "premium"
	repo := &upgradingRepository{MemoryRepository: mem, upgraded: premium}
	quota := NewQuotaService(repo, clock.NewFixed(testNow), discardLogger(), nil)

	ok, err := quota.TryConsumeListingSlot(context.Background(), "dealer-up")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected slot granted once the plan is unlimited")
	}
}

func TestTryConsumeListingSlot_Decisions(t *testing.T) {
	tests := []struct {
		name     string
		sub      *domain.Subscription
		want     bool
		wantUsed int
	}{
		{name: "no subscription", sub: nil, want: false},
		{name: "admin override on expired row", sub: func() *domain.Subscription {
			s := activeSubscription("s", intPtr(0), 0)
			s.Status = domain.SubscriptionExpired
			s.AdminOverride = true
			return &s
		}(), want: true, wantUsed: 0},
		{name: "unlimited", sub: func() *domain.Subscription {
			s := activeSubscription("s", nil, 40)
			return &s
		}(), want: true, wantUsed: 40},
		{name: "expired", sub: func() *domain.Subscription {
			s := activeSubscription("s", intPtr(10), 0)
			s.Status = domain.SubscriptionExpired
			return &s
		}(), want: false},
		{name: "past end date not yet swept", sub: func() *domain.Subscription {
			s := activeSubscription("s", intPtr(10), 0)
			s.EndDate = testNow.Add(-time.Hour)
			return &s
		}(), want: false},
		{name: "grace still tolerated", sub: func() *domain.Subscription {
			s := activeSubscription("s", intPtr(10), 2)
			s.Status = domain.SubscriptionExpired
			s.EndDate = testNow.Add(-time.Hour)
			g := testNow.Add(6 * 24 * time.Hour)
			s.GraceUntil = &g
			return &s
		}(), want: true, wantUsed: 3},
		{name: "grace window over", sub: func() *domain.Subscription {
			s := activeSubscription("s", intPtr(10), 2)
			s.Status = domain.SubscriptionExpired
			s.EndDate = testNow.Add(-8 * 24 * time.Hour)
			g := testNow.Add(-time.Hour)
			s.GraceUntil = &g
			return &s
		}(), want: false, wantUsed: 2},
		{name: "quota exhausted", sub: func() *domain.Subscription {
			s := activeSubscription("s", intPtr(10), 10)
			return &s
		}(), want: false, wantUsed: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := storetest.NewMemoryRepository()
			if tt.sub != nil {
				repo.PutSubscription(*tt.sub)
			}
			quota := NewQuotaService(repo, clock.NewFixed(testNow), discardLogger(), nil)

			got, err := quota.TryConsumeListingSlot(context.Background(), "s")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
			if tt.sub != nil {
				sub, _ := repo.FindSubscriptionBySubjectID(context.Background(), "s")
				if sub.ListingsUsed != tt.wantUsed {
					t.Fatalf("expected listings_used=%d, got %d", tt.wantUsed, sub.ListingsUsed)
				}
			}
		})
	}
}

func TestConsumeListingSlot_ReportsQuotaExceeded(t *testing.T) {
	repo := storetest.NewMemoryRepository()
	quota := NewQuotaService(repo, clock.NewFixed(testNow), discardLogger(), nil)

	err := quota.ConsumeListingSlot(context.Background(), "nobody")
	if !domain.IsKind(err, domain.KindQuotaExceeded) {
		t.Fatalf("expected quota exceeded, got %v", err)
	}
}
