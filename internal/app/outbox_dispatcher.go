package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/clementdevtech/cardirectory/internal/metrics"
	"github.com/clementdevtech/cardirectory/internal/store"
	"github.com/clementdevtech/cardirectory/pkg/rabbitmq"
)

const (
	defaultBatchSize       = 50
	defaultPollInterval    = 1500 * time.Millisecond
	defaultStaleProcessing = 2 * time.Minute
)

// OutboxStore is the outbox half of the repository.
type OutboxStore interface {
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]store.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error
}

// PublisherFactory opens a broker connection on demand.
type PublisherFactory func() (rabbitmq.Publisher, error)

// OutboxDispatcher drains the notification outbox to RabbitMQ.
type OutboxDispatcher struct {
	repo                OutboxStore
	newPublisher        PublisherFactory
	batchSize           int
	pollInterval        time.Duration
	staleProcessingTime time.Duration
	publisher           rabbitmq.Publisher
	logger              *slog.Logger
	metrics             *metrics.Billing
}

func NewOutboxDispatcher(repo OutboxStore, newPublisher PublisherFactory, pollInterval time.Duration, logger *slog.Logger, m *metrics.Billing) *OutboxDispatcher {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxDispatcher{
		repo:                repo,
		newPublisher:        newPublisher,
		batchSize:           defaultBatchSize,
		pollInterval:        pollInterval,
		staleProcessingTime: defaultStaleProcessing,
		logger:              logger,
		metrics:             m,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	defer d.closePublisher()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.FlushOnce(ctx); err != nil {
				d.logger.Error("outbox flush error", "error", err)
			}
		}
	}
}

// FlushOnce claims one batch and publishes it.
func (d *OutboxDispatcher) FlushOnce(ctx context.Context) error {
	staleAfterSeconds := int(d.staleProcessingTime.Seconds())
	messages, err := d.repo.ClaimOutboxMessages(ctx, d.batchSize, staleAfterSeconds)
	if err != nil {
		return err
	}

	for _, message := range messages {
		if err := d.publishMessage(ctx, message); err != nil {
			d.metrics.OutboxResult("failed")
			retryAfter := retryDelaySeconds(message.Attempts)
			if markErr := d.repo.MarkOutboxFailed(ctx, message.ID, retryAfter, err.Error()); markErr != nil {
				d.logger.Error("failed to reschedule outbox message", "id", message.ID, "error", markErr)
			}
			continue
		}
		d.metrics.OutboxResult("published")
		if err := d.repo.MarkOutboxPublished(ctx, message.ID); err != nil {
			d.logger.Error("failed to mark outbox message published", "id", message.ID, "error", err)
		}
	}
	return nil
}

func (d *OutboxDispatcher) publishMessage(ctx context.Context, message store.OutboxMessage) error {
	if d.publisher == nil {
		publisher, err := d.newPublisher()
		if err != nil {
			return err
		}
		d.publisher = publisher
	}

	if err := d.publisher.Publish(ctx, message.Exchange, message.RoutingKey, message.Payload); err != nil {
		d.closePublisher()
		return err
	}
	return nil
}

func (d *OutboxDispatcher) closePublisher() {
	if d.publisher != nil {
		d.publisher.Close()
		d.publisher = nil
	}
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << min(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}
