package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	"github.com/vladislavdragonenkov/fleetalloc/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/outbox"
)

// newKafkaProducer подменяется в тестах.
var newKafkaProducer = func(cfg Config) (*kafka.Producer, error) {
	return kafka.NewProducer(cfg.Brokers(), kafka.WithClientID(cfg.KafkaConsumerGroup))
}

// initKafkaProducer возвращает nil, nil, если брокеры не заданы: сервис
// работает без outbox и приёма поступлений.
func initKafkaProducer(cfg Config, logger *log.Entry) (*kafka.Producer, error) {
	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		logger.Info("kafka brokers are not configured, event delivery disabled")
		return nil, nil
	}

	producer, err := newKafkaProducer(cfg)
	if err != nil {
		logger.WithError(err).WithField("brokers", brokers).Warn("kafka is unreachable, continuing without event delivery")
		return nil, err
	}
	logger.WithField("brokers", brokers).Info("kafka producer ready")
	return producer, nil
}

// startOutboxWorker запускает доставку событий журнала в Kafka.
// Возвращает cancel и канал завершения воркера.
func startOutboxWorker(ctx context.Context, cfg Config, repo domain.OutboxRepository, producer *kafka.Producer, logger *log.Entry) (context.CancelFunc, <-chan struct{}) {
	worker := outbox.NewWorker(
		repo,
		kafka.NewOutboxPublisher(producer, cfg.KafkaEventsTopic),
		outbox.WithLogger(logger.WithField("layer", "outbox")),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(workerCtx)
	}()
	return cancel, done
}

// startReceiptConsumer подписывается на поступления запчастей. Ошибка создания
// consumer не останавливает сервис.
func startReceiptConsumer(ctx context.Context, cfg Config, increaser kafka.StockIncreaser, producer *kafka.Producer, logger *log.Entry) *kafka.Consumer {
	if cfg.KafkaReceiptsTopic == "" {
		return nil
	}

	opts := []kafka.ConsumerOption{kafka.WithMaxAttempts(cfg.KafkaMaxRetries)}
	if producer != nil {
		opts = append(opts, kafka.WithDeadLetters(producer))
	}
	consumer, err := kafka.NewConsumer(
		cfg.Brokers(),
		cfg.KafkaConsumerGroup,
		[]string{cfg.KafkaReceiptsTopic},
		kafka.NewStockReceiptHandler(increaser, logger.WithField("layer", "stock-receipts")),
		opts...,
	)
	if err != nil {
		logger.WithError(err).Warn("failed to create stock receipt consumer")
		return nil
	}
	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start stock receipt consumer")
		return nil
	}
	return consumer
}

func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}
	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("kafka producer close failed")
		return
	}
	logger.Info("kafka producer closed")
}

func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop stock receipt consumer")
	}
}
