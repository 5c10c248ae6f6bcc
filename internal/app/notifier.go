package app

import (
	"context"
	"fmt"

	"github.com/clementdevtech/cardirectory/internal/clock"
	"github.com/clementdevtech/cardirectory/internal/domain"
	"github.com/clementdevtech/cardirectory/internal/store"
)

type notificationEnqueuer interface {
	EnqueueNotification(ctx context.Context, exchange, routingKey string, payload any) error
}

// OutboxNotifier stores notifications in the outbox; the OutboxDispatcher publishes them.
type OutboxNotifier struct {
	repo     notificationEnqueuer
	exchange string
	clock    clock.Clock
}

func NewOutboxNotifier(repo notificationEnqueuer, exchange string, clk clock.Clock) *OutboxNotifier {
	if clk == nil {
		clk = clock.System{}
	}
	return &OutboxNotifier{repo: repo, exchange: exchange, clock: clk}
}

// Send enqueues a notification routed as "notification.<template>".
func (n *OutboxNotifier) Send(ctx context.Context, contact domain.Contact, template domain.TemplateKind, data map[string]any) error {
	event := domain.NotificationEvent{
		Contact:   contact,
		Template:  template,
		Data:      data,
		CreatedAt: n.clock.Now(),
	}
	if err := n.repo.EnqueueNotification(ctx, n.exchange, "notification."+string(template), event); err != nil {
		return fmt.Errorf("enqueue %s notification: %w", template, err)
	}
	return nil
}

// StoreRolePromoter updates the role column of the shared users table directly.
type StoreRolePromoter struct {
	repo store.Repository
}

func NewStoreRolePromoter(repo store.Repository) *StoreRolePromoter {
	return &StoreRolePromoter{repo: repo}
}

func (p *StoreRolePromoter) PromoteRole(ctx context.Context, subjectID, role string) error {
	return p.repo.UpdateSubjectRole(ctx, subjectID, role)
}
