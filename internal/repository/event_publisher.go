package repository

import (
	"context"
	"fmt"

	"SignalDesk/internal/domain/models"
	drepo "SignalDesk/internal/domain/repository"
	pkgkafka "SignalDesk/pkg/kafka"
)

// KafkaEventPublisher publishes signal events to Kafka, keyed by signal id.
type KafkaEventPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

// NewKafkaEventPublisher creates a Kafka publisher. The producer is closed by its owner.
func NewKafkaEventPublisher(producer *pkgkafka.Producer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

func (p *KafkaEventPublisher) PublishClosed(ctx context.Context, ev models.SignalClosedEvent) error {
	if err := p.producer.Publish(ctx, p.topic, []byte(ev.ID), ev); err != nil {
		return fmt.Errorf("publish signal.closed %s: %w", ev.ID, err)
	}
	return nil
}

func (p *KafkaEventPublisher) Close() error { return nil }

// NoopEventPublisher drops events. Used when no broker is configured.
type NoopEventPublisher struct{}

func (NoopEventPublisher) PublishClosed(context.Context, models.SignalClosedEvent) error { return nil }

func (NoopEventPublisher) Close() error { return nil }

var (
	_ drepo.EventPublisher = (*KafkaEventPublisher)(nil)
	_ drepo.EventPublisher = NoopEventPublisher{}
)
