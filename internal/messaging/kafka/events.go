package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// Topics для Kafka
const (
	TopicStockEvents     = "fleet.stock.events"
	TopicStockReceipts   = "fleet.stock.receipts"
	TopicDeadLetterQueue = "fleet.dlq"
)

// Kafka headers для retry логики и трассировки outbox
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
	HeaderMessageID     = "x-message-id"
)

// ErrPoisonMessage помечает сообщение, которое не станет валидным при повторе.
// Такие сообщения уходят в DLQ без retry.
var ErrPoisonMessage = errors.New("poison message")

// StockReceivedEvent — поступление запчастей на склад от внешней системы закупок.
type StockReceivedEvent struct {
	ReceiptID  string          `json:"receipt_id"`
	PartID     string          `json:"part_id"`
	Qty        decimal.Decimal `json:"qty"`
	ActorID    string          `json:"actor_id,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Validate проверяет обязательные поля поступления.
func (e StockReceivedEvent) Validate() error {
	switch {
	case strings.TrimSpace(e.ReceiptID) == "":
		return errors.New("receipt_id is required")
	case strings.TrimSpace(e.PartID) == "":
		return errors.New("part_id is required")
	}
	if err := domain.ValidateQuantity(e.Qty); err != nil {
		return fmt.Errorf("qty %s: %w", e.Qty.String(), err)
	}
	return nil
}

// ParseStockReceivedEvent разбирает и проверяет поступление из сообщения.
func ParseStockReceivedEvent(message *sarama.ConsumerMessage) (StockReceivedEvent, error) {
	var event StockReceivedEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return StockReceivedEvent{}, fmt.Errorf("%w: unmarshal stock receipt: %v", ErrPoisonMessage, err)
	}
	if err := event.Validate(); err != nil {
		return StockReceivedEvent{}, fmt.Errorf("%w: %v", ErrPoisonMessage, err)
	}
	return event, nil
}

// OutboxEnvelope — формат сообщения, которое outbox публикует в TopicStockEvents.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// DeadLetter — запись, которую Consumer кладёт в TopicDeadLetterQueue вместо
// сообщения, которое не удалось обработать. Исходные ключ и тело сохраняются
// без изменений, чтобы сообщение можно было переиграть.
type DeadLetter struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     string    `json:"original_value"`
	Error             string    `json:"error_message"`
	RetryCount        int       `json:"retry_count"`
	FailedAt          time.Time `json:"failed_at"`
}
