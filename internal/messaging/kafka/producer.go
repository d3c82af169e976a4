package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "fleet-allocator"

// Message — JSON-событие для отправки. Body сериализуется через encoding/json.
type Message struct {
	Topic   string
	Key     string
	Body    any
	Headers map[string]string
}

// ProducerOption правит sarama.Config до создания producer.
type ProducerOption func(*sarama.Config)

// WithClientID задаёт client.id, под которым producer виден брокеру.
func WithClientID(id string) ProducerOption {
	return func(cfg *sarama.Config) {
		if id != "" {
			cfg.ClientID = id
		}
	}
}

// Producer синхронно публикует события и ждёт подтверждения всех реплик.
type Producer struct {
	sync   sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

func producerConfig(opts ...ProducerOption) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = defaultClientID
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Compression = sarama.CompressionSnappy
	// идемпотентность допускает только один запрос в полёте
	cfg.Net.MaxOpenRequests = 1
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, opts ...ProducerOption) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka producer needs at least one broker")
	}
	syncProducer, err := sarama.NewSyncProducer(brokers, producerConfig(opts...))
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer: %w", err)
	}
	return NewProducerFromSync(syncProducer), nil
}

// NewProducerFromSync оборачивает уже созданный sarama.SyncProducer.
func NewProducerFromSync(syncProducer sarama.SyncProducer) *Producer {
	return &Producer{
		sync:   syncProducer,
		logger: log.WithField("component", "kafka-producer"),
		now:    time.Now,
	}
}

// Send отправляет сообщение и возвращается после подтверждения брокером.
func (p *Producer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record, err := encodeMessage(msg, p.now())
	if err != nil {
		return err
	}

	fields := log.Fields{"topic": msg.Topic, "key": msg.Key}
	partition, offset, err := p.sync.SendMessage(record)
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", msg.Topic, err)
	}

	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("kafka message acknowledged")
	return nil
}

// encodeMessage собирает запись sarama. Заголовки идут в порядке ключей.
func encodeMessage(msg Message, at time.Time) (*sarama.ProducerMessage, error) {
	if msg.Topic == "" {
		return nil, errors.New("kafka message has no topic")
	}
	body, err := json.Marshal(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", msg.Topic, err)
	}

	record := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Value:     sarama.ByteEncoder(body),
		Timestamp: at,
	}
	if msg.Key != "" {
		record.Key = sarama.StringEncoder(msg.Key)
	}
	for _, name := range slices.Sorted(maps.Keys(msg.Headers)) {
		record.Headers = append(record.Headers, sarama.RecordHeader{
			Key:   []byte(name),
			Value: []byte(msg.Headers[name]),
		})
	}
	return record, nil
}

// Close дожидается незавершённых отправок и закрывает соединения.
func (p *Producer) Close() error {
	if err := p.sync.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
