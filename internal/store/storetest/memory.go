// Package storetest provides an in-memory store.Repository whose conditional updates
// mirror the WHERE guards of the Postgres implementation, for concurrency tests.
package storetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/store"
)

// Notification is an outbox row as recorded by MemoryRepository.
type Notification struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
	Published  bool
	LastError  string
}

// MemoryRepository is a mutex-guarded store.Repository.
type MemoryRepository struct {
	mu sync.Mutex

	attempts          map[string]domain.PaymentAttempt
	subscriptions     map[string]domain.Subscription
	subjects          map[string]domain.Subject
	trialReminderSent map[string]bool
	outbox            []*Notification
	nextID            int64

	// ApplyErr, when set, is returned by ApplySuccessfulPayment.
	ApplyErr error
}

var _ store.Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		attempts:          map[string]domain.PaymentAttempt{},
		subscriptions:     map[string]domain.Subscription{},
		subjects:          map[string]domain.Subject{},
		trialReminderSent: map[string]bool{},
	}
}

// PutSubject seeds a subject.
func (m *MemoryRepository) PutSubject(s domain.Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Role == "" {
		s.Role = domain.RoleUser
	}
	m.subjects[s.ID] = s
}

// PutSubscription seeds a subscription.
func (m *MemoryRepository) PutSubscription(s domain.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[s.SubjectID] = s
}

// PutAttempt seeds a payment attempt.
func (m *MemoryRepository) PutAttempt(a domain.PaymentAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.MerchantReference] = a
}

// Notifications returns a snapshot of the outbox.
func (m *MemoryRepository) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, 0, len(m.outbox))
	for _, n := range m.outbox {
		out = append(out, *n)
	}
	return out
}

// CountNotifications counts outbox rows with the given routing key.
func (m *MemoryRepository) CountNotifications(routingKey string) int {
	count := 0
	for _, n := range m.Notifications() {
		if n.RoutingKey == routingKey {
			count++
		}
	}
	return count
}

func (m *MemoryRepository) CreatePaymentAttempt(ctx context.Context, attempt *domain.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := *attempt
	a.Status = domain.PaymentPending
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	m.attempts[a.MerchantReference] = a
	return nil
}

func (m *MemoryRepository) SetProviderTrackingID(ctx context.Context, merchantReference, trackingID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[merchantReference]
	if !ok || a.ProviderTrackingID != nil {
		return nil
	}
	id := trackingID
	a.ProviderTrackingID = &id
	a.UpdatedAt = now
	m.attempts[merchantReference] = a
	return nil
}

func (m *MemoryRepository) FindPaymentAttempt(ctx context.Context, merchantReference string) (*domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[merchantReference]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &a, nil
}

func (m *MemoryRepository) FindPaymentAttemptByTrackingID(ctx context.Context, trackingID string) (*domain.PaymentAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attempts {
		if a.ProviderTrackingID != nil && *a.ProviderTrackingID == trackingID {
			return &a, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MemoryRepository) CompletePaymentAttempt(ctx context.Context, merchantReference string, status domain.PaymentStatus, providerStatus string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[merchantReference]
	if !ok || a.Status != domain.PaymentPending {
		return domain.ErrConflict
	}
	a.Status = status
	if providerStatus != "" {
		ps := providerStatus
		a.ProviderStatus = &ps
	}
	a.UpdatedAt = now
	m.attempts[merchantReference] = a
	return nil
}

func (m *MemoryRepository) ApplySuccessfulPayment(ctx context.Context, merchantReference string, plan domain.Plan, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ApplyErr != nil {
		return false, m.ApplyErr
	}
	a, ok := m.attempts[merchantReference]
	if !ok || a.Status != domain.PaymentSuccess || a.SubscriptionAppliedAt != nil {
		return false, nil
	}
	applied := now
	a.SubscriptionAppliedAt = &applied
	a.UpdatedAt = now
	m.attempts[merchantReference] = a

	sub := m.subscriptions[a.SubjectID]
	if sub.SubjectID == "" {
		sub = domain.Subscription{SubjectID: a.SubjectID, CreatedAt: now}
	}
	sub.PlanName = plan.Name
	sub.ListingsAllowed = plan.ListingsAllowed
	sub.ListingsUsed = 0
	sub.StartDate = now
	sub.EndDate = now.Add(plan.Duration)
	sub.GraceUntil = nil
	sub.Status = domain.SubscriptionActive
	sub.ReminderSent = false
	sub.UpdatedAt = now
	m.subscriptions[a.SubjectID] = sub
	return true, nil
}

func (m *MemoryRepository) ListUnappliedSuccessfulPayments(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.PaymentAttempt, error) {
	return m.listAttempts(limit, func(a domain.PaymentAttempt) bool {
		return a.Status == domain.PaymentSuccess && a.SubscriptionAppliedAt == nil && a.UpdatedAt.Before(updatedBefore)
	}), nil
}

func (m *MemoryRepository) ListStalePendingAttempts(ctx context.Context, createdBefore time.Time, limit int) ([]domain.PaymentAttempt, error) {
	return m.listAttempts(limit, func(a domain.PaymentAttempt) bool {
		return a.Status == domain.PaymentPending && a.ProviderTrackingID != nil && a.CreatedAt.Before(createdBefore)
	}), nil
}

func (m *MemoryRepository) listAttempts(limit int, keep func(domain.PaymentAttempt) bool) []domain.PaymentAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PaymentAttempt
	for _, a := range m.attempts {
		if keep(a) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryRepository) FindSubscriptionBySubjectID(ctx context.Context, subjectID string) (*domain.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[subjectID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) IncrementListingsUsed(ctx context.Context, subjectID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[subjectID]
	if !ok || s.ListingsAllowed == nil || s.ListingsUsed >= *s.ListingsAllowed || !s.Usable(now) {
		return false, nil
	}
	s.ListingsUsed++
	s.UpdatedAt = now
	m.subscriptions[subjectID] = s
	return true, nil
}

func (m *MemoryRepository) SetAdminOverride(ctx context.Context, subjectID string, override bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subscriptions[subjectID]
	if !ok {
		zero := 0
		s = domain.Subscription{
			SubjectID: subjectID, PlanName: "override", ListingsAllowed: &zero,
			StartDate: now, EndDate: now, Status: domain.SubscriptionExpired, CreatedAt: now,
		}
	}
	s.AdminOverride = override
	s.UpdatedAt = now
	m.subscriptions[subjectID] = s
	return nil
}

func (m *MemoryRepository) MoveEndedToGrace(ctx context.Context, now, graceUntil time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var moved []string
	for id, s := range m.subscriptions {
		if s.Status == domain.SubscriptionActive && s.EndDate.Before(now) {
			g := graceUntil
			s.Status = domain.SubscriptionExpired
			s.GraceUntil = &g
			s.UpdatedAt = now
			m.subscriptions[id] = s
			moved = append(moved, id)
		}
	}
	sort.Strings(moved)
	return moved, nil
}

func (m *MemoryRepository) ExpireGracePeriods(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.subscriptions {
		if s.InGrace() && s.GraceUntil.Before(now) {
			s.GraceUntil = nil
			s.UpdatedAt = now
			m.subscriptions[id] = s
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ExpireTrialSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.subscriptions {
		if s.Status == domain.SubscriptionTrial && s.EndDate.Before(now) {
			s.Status = domain.SubscriptionExpired
			s.UpdatedAt = now
			m.subscriptions[id] = s
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ClaimSubscriptionReminders(ctx context.Context, now, until time.Time) ([]store.ReminderTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ReminderTarget
	for id, s := range m.subscriptions {
		subject, ok := m.subjects[id]
		if !ok || s.Status != domain.SubscriptionActive || s.ReminderSent {
			continue
		}
		if !s.EndDate.After(now) || s.EndDate.After(until) {
			continue
		}
		s.ReminderSent = true
		m.subscriptions[id] = s
		out = append(out, store.ReminderTarget{Contact: subject.Contact(), PlanName: s.PlanName, EndsAt: s.EndDate})
	}
	return out, nil
}

func (m *MemoryRepository) FindSubject(ctx context.Context, subjectID string) (*domain.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[subjectID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) UpdateSubjectRole(ctx context.Context, subjectID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[subjectID]
	if !ok || s.Role == domain.RoleAdmin {
		return nil
	}
	s.Role = role
	m.subjects[subjectID] = s
	return nil
}

func (m *MemoryRepository) ActivateTrial(ctx context.Context, subjectID string, now, trialEnd time.Time, listings int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subjects[subjectID]
	if !ok {
		return domain.ErrNotFound
	}
	if s.TrialUsed {
		return domain.ErrTrialAlreadyUsed
	}
	start, end := now, trialEnd
	s.TrialUsed = true
	s.TrialStart = &start
	s.TrialEnd = &end
	if s.Role != domain.RoleAdmin {
		s.Role = domain.RoleDealer
	}
	m.subjects[subjectID] = s
	m.trialReminderSent[subjectID] = false

	sub := m.subscriptions[subjectID]
	if sub.SubjectID == "" {
		sub = domain.Subscription{SubjectID: subjectID, CreatedAt: now}
	}
	l := listings
	sub.PlanName = domain.TrialPlanName
	sub.ListingsAllowed = &l
	sub.ListingsUsed = 0
	sub.StartDate = now
	sub.EndDate = trialEnd
	sub.GraceUntil = nil
	sub.Status = domain.SubscriptionTrial
	sub.ReminderSent = false
	sub.UpdatedAt = now
	m.subscriptions[subjectID] = sub
	return nil
}

func (m *MemoryRepository) RevertExpiredTrials(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reverted []string
	for id, s := range m.subjects {
		if s.Role != domain.RoleDealer || s.TrialEnd == nil || !s.TrialEnd.Before(now) {
			continue
		}
		if sub, ok := m.subscriptions[id]; ok &&
			(sub.Status == domain.SubscriptionActive || sub.InGrace()) &&
			!sub.AccessEnd().Before(now) {
			continue
		}
		s.Role = domain.RoleUser
		s.TrialStart = nil
		s.TrialEnd = nil
		s.TrialUsed = true
		m.subjects[id] = s
		reverted = append(reverted, id)
	}
	sort.Strings(reverted)
	return reverted, nil
}

func (m *MemoryRepository) ClaimTrialReminders(ctx context.Context, now, until time.Time) ([]store.ReminderTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ReminderTarget
	for id, s := range m.subjects {
		if s.Role != domain.RoleDealer || s.TrialEnd == nil || m.trialReminderSent[id] {
			continue
		}
		if !s.TrialEnd.After(now) || s.TrialEnd.After(until) {
			continue
		}
		m.trialReminderSent[id] = true
		out = append(out, store.ReminderTarget{Contact: s.Contact(), PlanName: domain.TrialPlanName, EndsAt: *s.TrialEnd})
	}
	return out, nil
}

func (m *MemoryRepository) EnqueueNotification(ctx context.Context, exchange, routingKey string, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.outbox = append(m.outbox, &Notification{ID: m.nextID, Exchange: exchange, RoutingKey: routingKey, Payload: blob})
	return nil
}

func (m *MemoryRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.OutboxMessage
	for _, n := range m.outbox {
		if n.Published {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		n.Attempts++
		out = append(out, store.OutboxMessage{ID: n.ID, Exchange: n.Exchange, RoutingKey: n.RoutingKey, Payload: n.Payload, Attempts: n.Attempts})
	}
	return out, nil
}

func (m *MemoryRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.outbox {
		if n.ID == id {
			n.Published = true
			n.LastError = ""
		}
	}
	return nil
}

func (m *MemoryRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.outbox {
		if n.ID == id {
			n.LastError = reason
		}
	}
	return nil
}
