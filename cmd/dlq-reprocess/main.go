package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fleetalloc/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/outbox"
)

const (
	defaultLimit       = 100
	defaultIdleTimeout = 2 * time.Second

	onlyAll      = "all"
	onlyReceipts = "receipts"
	onlyEvents   = "events"
)

// errNotReplayable помечает запись DLQ незнакомого формата.
var errNotReplayable = errors.New("not a replayable dlq record")

type options struct {
	brokers       []string
	dlqTopic      string
	eventsTopic   string
	receiptsTopic string
	only          string
	limit         int
	execute       bool
	fromNewest    bool
	idleTimeout   time.Duration
}

// dlqRecord — исходное сообщение, восстановленное из записи DLQ.
type dlqRecord struct {
	topic   string
	key     string
	value   []byte
	headers map[string]string
}

func (r dlqRecord) isReceipt(opts options) bool {
	return r.topic == opts.receiptsTopic
}

type offsetClient interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Close() error
}

type partitionReader interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionReader, error)
	Close() error
}

type replaySink interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionReader, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error {
	return s.consumer.Close()
}

// connect открывает клиента Kafka. Producer нужен только в режиме execute.
var connect = func(opts options) (offsetClient, partitionSource, replaySink, error) {
	cfg := sarama.NewConfig()
	cfg.Consumer.Return.Errors = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Net.MaxOpenRequests = 1

	client, err := sarama.NewClient(opts.brokers, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	if !opts.execute {
		return client, saramaSource{consumer: consumer}, nil, nil
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = consumer.Close()
		_ = client.Close()
		return nil, nil, nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return client, saramaSource{consumer: consumer}, producer, nil
}

func main() {
	_ = godotenv.Load()
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	opts, err := parseOptions(flag.CommandLine, os.Args[1:], os.LookupEnv)
	if err != nil {
		fail("invalid options: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := run(ctx, opts); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func parseOptions(fs *flag.FlagSet, args []string, lookup func(string) (string, bool)) (options, error) {
	var (
		opts    options
		brokers string
	)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (default: KAFKA_BROKERS)")
	fs.StringVar(&opts.dlqTopic, "source-topic", kafka.TopicDeadLetterQueue, "dead letter topic to scan")
	fs.StringVar(&opts.eventsTopic, "target-topic", kafka.TopicStockEvents, "topic for replayed outbox stock events")
	fs.StringVar(&opts.receiptsTopic, "receipts-topic", kafka.TopicStockReceipts, "stock receipts topic; receipts are re-validated before replay")
	fs.StringVar(&opts.only, "only", onlyAll, "records to replay: all | receipts | events")
	fs.IntVar(&opts.limit, "limit", defaultLimit, "max records to scan")
	fs.BoolVar(&opts.execute, "execute", false, "publish replays; dry-run otherwise")
	fs.BoolVar(&opts.fromNewest, "from-newest", false, "scan the newest records of each partition")
	fs.DurationVar(&opts.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this much silence")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers, _ = lookup("KAFKA_BROKERS")
	}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			opts.brokers = append(opts.brokers, b)
		}
	}
	opts.only = strings.ToLower(strings.TrimSpace(opts.only))

	switch {
	case len(opts.brokers) == 0:
		return options{}, errors.New("kafka brokers are required (-brokers or KAFKA_BROKERS)")
	case strings.TrimSpace(opts.dlqTopic) == "":
		return options{}, errors.New("source-topic is required")
	case strings.TrimSpace(opts.eventsTopic) == "":
		return options{}, errors.New("target-topic is required")
	case !slices.Contains([]string{onlyAll, onlyReceipts, onlyEvents}, opts.only):
		return options{}, fmt.Errorf("unsupported -only value %q", opts.only)
	case opts.limit <= 0:
		return options{}, errors.New("limit must be > 0")
	case opts.idleTimeout <= 0:
		return options{}, errors.New("idle-timeout must be > 0")
	}
	return opts, nil
}

type replayStats struct {
	Scanned  int
	Replayed int
	Skipped  int
	Filtered int
}

type replayer struct {
	opts    options
	offsets offsetClient
	source  partitionSource
	sink    replaySink
	logger  *log.Entry
	stats   replayStats
}

func run(ctx context.Context, opts options) (replayStats, error) {
	offsets, source, sink, err := connect(opts)
	if err != nil {
		return replayStats{}, err
	}
	defer func() {
		if sink != nil {
			_ = sink.Close()
		}
		_ = source.Close()
		_ = offsets.Close()
	}()

	r := &replayer{
		opts:    opts,
		offsets: offsets,
		source:  source,
		sink:    sink,
		logger:  log.WithField("component", "dlq-reprocess"),
	}
	return r.Run(ctx)
}

// Run сканирует партиции DLQ по возрастанию номера, пока не исчерпан limit.
func (r *replayer) Run(ctx context.Context) (replayStats, error) {
	if r.opts.execute && r.sink == nil {
		return replayStats{}, errors.New("producer is required in execute mode")
	}

	partitions, err := r.offsets.Partitions(r.opts.dlqTopic)
	if err != nil {
		return replayStats{}, fmt.Errorf("list partitions of %s: %w", r.opts.dlqTopic, err)
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.opts.limit - r.stats.Scanned
		if budget <= 0 {
			break
		}
		if err := r.drainPartition(ctx, partition, budget); err != nil {
			return r.stats, err
		}
	}

	r.logger.WithFields(log.Fields{
		"execute":  r.opts.execute,
		"scanned":  r.stats.Scanned,
		"replayed": r.stats.Replayed,
		"skipped":  r.stats.Skipped,
		"filtered": r.stats.Filtered,
	}).Info("dlq replay finished")
	return r.stats, nil
}

func (r *replayer) drainPartition(ctx context.Context, partition int32, budget int) error {
	oldest, err := r.offsets.GetOffset(r.opts.dlqTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(r.opts.dlqTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return nil
	}

	start := oldest
	if r.opts.fromNewest {
		start = max(oldest, newest-int64(budget))
	}

	reader, err := r.source.ConsumePartition(r.opts.dlqTopic, partition, start)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = reader.Close() }()

	idle := time.NewTimer(r.opts.idleTimeout)
	defer idle.Stop()

	for scanned := 0; scanned < budget; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case cerr := <-reader.Errors():
			if cerr != nil {
				return fmt.Errorf("read partition %d: %w", partition, cerr)
			}
		case msg, ok := <-reader.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return nil
			}
			idle.Reset(r.opts.idleTimeout)

			scanned++
			r.stats.Scanned++
			if err := r.handle(msg); err != nil {
				return err
			}
			if msg.Offset+1 >= newest {
				return nil
			}
		}
	}
	return nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage) error {
	entry := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	rec, err := decodeDLQRecord(msg.Value, r.opts)
	if err != nil {
		r.stats.Skipped++
		if !errors.Is(err, errNotReplayable) {
			entry.WithError(err).Warn("dlq record skipped")
		}
		return nil
	}

	if (r.opts.only == onlyReceipts && !rec.isReceipt(r.opts)) || (r.opts.only == onlyEvents && rec.isReceipt(r.opts)) {
		r.stats.Filtered++
		return nil
	}

	entry = entry.WithFields(log.Fields{"target_topic": rec.topic, "key": rec.key})
	if !r.opts.execute {
		entry.Info("dlq replay candidate")
		r.stats.Replayed++
		return nil
	}
	if err := publish(r.sink, rec); err != nil {
		return fmt.Errorf("replay offset %d: %w", msg.Offset, err)
	}
	r.stats.Replayed++
	return nil
}

func publish(sink replaySink, rec dlqRecord) error {
	msg := &sarama.ProducerMessage{
		Topic:     rec.topic,
		Key:       sarama.StringEncoder(rec.key),
		Value:     sarama.ByteEncoder(rec.value),
		Timestamp: time.Now().UTC(),
	}
	keys := make([]string, 0, len(rec.headers))
	for k := range rec.headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(rec.headers[k])})
	}

	_, _, err := sink.SendMessage(msg)
	return err
}

// decodeDLQRecord восстанавливает исходное сообщение. Запись consumer
// возвращается в исходный топик без заголовков, поэтому счётчик попыток
// начинается заново. Поступление перед повтором проверяется повторно.
// Outbox-событие заново упаковывается в конверт для топика событий.
func decodeDLQRecord(value []byte, opts options) (dlqRecord, error) {
	var failure kafka.DeadLetter
	if err := json.Unmarshal(value, &failure); err == nil && failure.OriginalValue != "" {
		topic := strings.TrimSpace(failure.OriginalTopic)
		if topic == "" {
			topic = opts.eventsTopic
		}
		if topic == opts.receiptsTopic {
			if _, err := kafka.ParseStockReceivedEvent(&sarama.ConsumerMessage{Value: []byte(failure.OriginalValue)}); err != nil {
				return dlqRecord{}, fmt.Errorf("stock receipt is still invalid: %w", err)
			}
		}
		return dlqRecord{topic: topic, key: failure.OriginalKey, value: []byte(failure.OriginalValue)}, nil
	}

	var envelope kafka.OutboxEnvelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return dlqRecord{}, errNotReplayable
	}
	var parked outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &parked); err != nil {
		return dlqRecord{}, fmt.Errorf("decode outbox failure: %w", err)
	}
	if len(parked.Payload) == 0 || string(parked.Payload) == "null" {
		return dlqRecord{}, errors.New("outbox failure has no event payload")
	}

	replay := kafka.OutboxEnvelope{
		ID:            orElse(parked.OutboxID, envelope.ID),
		AggregateType: orElse(parked.AggregateType, envelope.AggregateType),
		AggregateID:   orElse(parked.AggregateID, envelope.AggregateID),
		EventType:     orElse(parked.EventType, envelope.EventType),
		Payload:       parked.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(replay)
	if err != nil {
		return dlqRecord{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	// Ключ по запчасти сохраняет порядок её событий.
	return dlqRecord{
		topic: opts.eventsTopic,
		key:   orElse(replay.AggregateID, replay.ID),
		value: encoded,
		headers: map[string]string{
			kafka.HeaderEventType: replay.EventType,
			kafka.HeaderMessageID: replay.ID,
		},
	}, nil
}

func orElse(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
