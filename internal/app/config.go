package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/fleetalloc/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/ledger"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/stock"
)

const (
	// StorageDriverMemory хранит справочники, остатки и журнал в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres хранит всё в PostgreSQL.
	StorageDriverPostgres = "postgres"

	// ReservationDriverMemory держит резервы в памяти, подходит для одного экземпляра.
	ReservationDriverMemory = "memory"
	// ReservationDriverPostgres держит резервы в PostgreSQL под блокировкой строки запчасти.
	ReservationDriverPostgres = "postgres"
	// ReservationDriverRedis держит резервы в Redis, общий для нескольких экземпляров.
	ReservationDriverRedis = "redis"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	MemorySeedFile      string

	ReservationDriver string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisKeyPrefix    string

	KafkaBrokers       string
	KafkaEventsTopic   string
	KafkaReceiptsTopic string
	KafkaConsumerGroup string
	KafkaMaxRetries    int

	DedupWindow          time.Duration
	LowStockThreshold    int64
	StockAlternatives    int
	ResourceAlternatives int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int

	GuardCleanupInterval  time.Duration
	GuardCleanupBatchSize int

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		ReservationDriver: ReservationDriverMemory,
		RedisKeyPrefix:    "fleet:",

		KafkaEventsTopic:   kafka.TopicStockEvents,
		KafkaReceiptsTopic: kafka.TopicStockReceipts,
		KafkaConsumerGroup: "fleet-allocator",
		KafkaMaxRetries:    3,

		DedupWindow:          ledger.DefaultDedupWindow,
		LowStockThreshold:    stock.DefaultLowStockThreshold,
		StockAlternatives:    stock.DefaultAlternativesLimit,
		ResourceAlternatives: 5,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   200 * time.Millisecond,
		OutboxMaxPending:   1000,

		GuardCleanupInterval:  time.Minute,
		GuardCleanupBatchSize: 500,

		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate проверяет согласованность драйверов хранения.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres dsn is required for storage driver %q", c.StorageDriver)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.ReservationDriver {
	case "", ReservationDriverMemory:
	case ReservationDriverPostgres:
		if c.StorageDriver != StorageDriverPostgres {
			return fmt.Errorf("reservation driver %q requires storage driver %q", c.ReservationDriver, StorageDriverPostgres)
		}
	case ReservationDriverRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("redis addr is required for reservation driver %q", c.ReservationDriver)
		}
	default:
		return fmt.Errorf("unsupported reservation driver %q", c.ReservationDriver)
	}
	return nil
}

// Brokers разбирает список брокеров Kafka через запятую.
func (c Config) Brokers() []string {
	return splitBrokers(c.KafkaBrokers)
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
