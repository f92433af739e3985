package repository

import (
	"context"

	"ZeroDTE/internal/domain/models"
	domrepo "ZeroDTE/internal/domain/repository"
	pkgkafka "ZeroDTE/pkg/kafka"
)

// KafkaEventPublisher writes core events to one topic keyed by the event key, so every
// update for the same order, signal or pair lands on the same partition in order.
type KafkaEventPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaEventPublisher(producer *pkgkafka.Producer, topic string) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer, topic: topic}
}

var _ domrepo.EventPublisher = (*KafkaEventPublisher)(nil)

func (p *KafkaEventPublisher) PublishEvent(ctx context.Context, ev models.CoreEvent) error {
	key := ev.Key
	if key == "" {
		key = string(ev.Type)
	}
	return p.producer.Publish(ctx, p.topic, []byte(key), ev)
}

func (p *KafkaEventPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// PublishMessage sends an unkeyed message to an arbitrary topic; the log collector uses it
// for error digests.
func (p *KafkaEventPublisher) PublishMessage(ctx context.Context, topic string, payload interface{}) error {
	return p.producer.Publish(ctx, topic, nil, payload)
}
