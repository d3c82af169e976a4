package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultRetryDelay — пауза между попытками обработки одного сообщения.
	DefaultRetryDelay = 200 * time.Millisecond
	// DefaultMaxAttempts — сколько раз сообщение обрабатывается до DLQ.
	DefaultMaxAttempts = 3
)

// MessageHandler обрабатывает одно сообщение. Ошибка с ErrPoisonMessage
// означает, что повтор бесполезен.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetters включает перекладку необработанных сообщений в TopicDeadLetterQueue.
func WithDeadLetters(producer *Producer) ConsumerOption {
	return func(c *Consumer) { c.deadLetters = producer }
}

// WithMaxAttempts ограничивает число попыток на сообщение (минимум одна).
func WithMaxAttempts(n int) ConsumerOption {
	return func(c *Consumer) { c.maxAttempts = max(n, 1) }
}

// WithRetryDelay задаёт паузу между попытками.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.retryDelay = d }
}

// Consumer читает consumer group и сдвигает offset только после того, как
// сообщение обработано или запарковано в DLQ.
type Consumer struct {
	group       sarama.ConsumerGroup
	topics      []string
	handler     MessageHandler
	deadLetters *Producer
	maxAttempts int
	retryDelay  time.Duration
	logger      *log.Entry
	now         func() time.Time
	wg          sync.WaitGroup
}

func consumerGroupConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = defaultClientID
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Return.Errors = true
	return cfg
}

// NewConsumer вступает в consumer group groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerGroupConfig())
	if err != nil {
		return nil, fmt.Errorf("join consumer group %s: %w", groupID, err)
	}
	return newConsumer(group, topics, handler, opts...), nil
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:       group,
		topics:      topics,
		handler:     handler,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		logger:      log.WithField("component", "kafka-consumer"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start запускает чтение в фоне. Остановка через отмену ctx и Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.drainErrors()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	// Consume возвращается на каждом rebalance.
	for ctx.Err() == nil {
		err := c.group.Consume(ctx, c.topics, c)
		switch {
		case errors.Is(err, sarama.ErrClosedConsumerGroup):
			return
		case err != nil:
			c.logger.WithError(err).Error("consumer group session failed")
		}
	}
}

func (c *Consumer) drainErrors() {
	defer c.wg.Done()
	for err := range c.group.Errors() {
		c.logger.WithError(err).Error("consumer group error")
	}
}

// Stop закрывает группу и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает партицию до конца сессии.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.deliver(ctx, message); err != nil {
				// offset остаётся на месте, сообщение придёт снова после rebalance
				c.logger.WithError(err).WithFields(messageFields(message)).Error("message left unacknowledged")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// deliver вызывает handler, пока не кончатся попытки. Попытки, потраченные
// в прошлых жизнях сообщения, учитываются по HeaderRetryCount.
func (c *Consumer) deliver(ctx context.Context, message *sarama.ConsumerMessage) error {
	spent := retryCount(message)
	budget := max(c.maxAttempts-spent, 1)

	var err error
	for attempt := 1; attempt <= budget; attempt++ {
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		spent++
		if errors.Is(err, ErrPoisonMessage) || attempt == budget {
			break
		}
		c.logger.WithError(err).WithFields(messageFields(message)).
			WithField("attempt", attempt).Warn("message handler failed, retrying")
		if waitErr := c.pause(ctx); waitErr != nil {
			return waitErr
		}
	}

	if c.deadLetters == nil {
		return err
	}
	if parkErr := c.park(ctx, message, err, spent); parkErr != nil {
		return fmt.Errorf("park message in dlq: %w", parkErr)
	}
	c.logger.WithError(err).WithFields(messageFields(message)).Warn("message parked in dlq")
	return nil
}

func (c *Consumer) pause(ctx context.Context) error {
	if c.retryDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// park сохраняет исходное сообщение в DLQ вместе с причиной отказа.
func (c *Consumer) park(ctx context.Context, message *sarama.ConsumerMessage, cause error, spent int) error {
	letter := DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		Error:             cause.Error(),
		RetryCount:        spent,
		FailedAt:          c.now().UTC(),
	}
	return c.deadLetters.Send(ctx, Message{
		Topic: TopicDeadLetterQueue,
		Key:   letter.OriginalKey,
		Body:  letter,
		Headers: map[string]string{
			HeaderOriginalTopic: letter.OriginalTopic,
			HeaderErrorMessage:  letter.Error,
			HeaderFailedAt:      letter.FailedAt.Format(time.RFC3339),
			HeaderRetryCount:    strconv.Itoa(spent),
		},
	})
}

// retryCount читает HeaderRetryCount. Отсутствующий или битый заголовок равен нулю.
func retryCount(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if header == nil || string(header.Key) != HeaderRetryCount {
			continue
		}
		if n, err := strconv.Atoi(string(header.Value)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func messageFields(message *sarama.ConsumerMessage) log.Fields {
	return log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	}
}
