package kafka

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

var errPublisherNotReady = errors.New("kafka outbox publisher has no producer")

// OutboxTopicPublisher доставляет сообщения outbox в один topic.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
}

// NewOutboxPublisher привязывает producer к topic. Пустой topic означает TopicStockEvents.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		topic:    cmp.Or(topic, TopicStockEvents),
	}
}

// Publish оборачивает событие в OutboxEnvelope и отправляет его.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotReady
	}
	return p.producer.Send(ctx, envelopeMessage(p.topic, event, time.Now().UTC()))
}

// envelopeMessage ключует сообщение по агрегату: события одной запчасти
// остаются в одной партиции и читаются по порядку.
func envelopeMessage(topic string, event domain.OutboxMessage, at time.Time) Message {
	return Message{
		Topic: topic,
		Key:   cmp.Or(event.AggregateID, event.ID),
		Body: OutboxEnvelope{
			ID:            event.ID,
			AggregateType: event.AggregateType,
			AggregateID:   event.AggregateID,
			EventType:     event.EventType,
			Payload:       json.RawMessage(event.Payload),
			PublishedAt:   at,
		},
		Headers: map[string]string{
			HeaderEventType: event.EventType,
			HeaderMessageID: event.ID,
		},
	}
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
