package app

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/clementdevtech/cardirectory/internal/domain"
)

// PaymentStatusConsumer applies provider events relayed over RabbitMQ by an upstream ingest service.
type PaymentStatusConsumer struct {
	reconciler *Reconciler
	logger     *slog.Logger
}

func NewPaymentStatusConsumer(reconciler *Reconciler, logger *slog.Logger) *PaymentStatusConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentStatusConsumer{reconciler: reconciler, logger: logger}
}

// HandleMessage returns false only when the message should be redelivered.
func (c *PaymentStatusConsumer) HandleMessage(body []byte) bool {
	var event domain.PaymentStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("payment-consumer: failed to unmarshal payload", "error", err)
		return true
	}

	if strings.TrimSpace(event.MerchantReference) == "" && strings.TrimSpace(event.TrackingID) == "" {
		c.logger.Warn("payment-consumer: event carries no reference; dropping")
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := c.reconciler.Reconcile(ctx, Trigger{
		MerchantReference: event.MerchantReference,
		TrackingID:        event.TrackingID,
		ProviderStatus:    event.Status,
		Source:            SourceQueue,
	})
	switch {
	case err == nil:
		return true
	case domain.IsKind(err, domain.KindNotFound), domain.IsKind(err, domain.KindInvalid):
		c.logger.Info("payment-consumer: unknown reference; acknowledging", "merchant_reference", event.MerchantReference,
			"tracking_id", event.TrackingID)
		return true
	default:
		return false
	}
}
