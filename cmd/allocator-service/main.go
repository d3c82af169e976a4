package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fleetalloc/internal/app"
	"github.com/vladislavdragonenkov/fleetalloc/internal/version"
)

const (
	envLogLevel = "FLEET_LOG_LEVEL"

	envGRPCAddr            = "FLEET_GRPC_ADDR"
	envMetricsAddr         = "FLEET_METRICS_ADDR"
	envStorageDriver       = "FLEET_STORAGE_DRIVER"
	envPostgresDSN         = "FLEET_POSTGRES_DSN"
	envPostgresAutoMigrate = "FLEET_POSTGRES_AUTO_MIGRATE"
	envMemorySeedFile      = "FLEET_MEMORY_SEED_FILE"

	envReservationDriver = "FLEET_RESERVATION_DRIVER"
	envRedisAddr         = "FLEET_REDIS_ADDR"
	envRedisPassword     = "FLEET_REDIS_PASSWORD"
	envRedisDB           = "FLEET_REDIS_DB"
	envRedisKeyPrefix    = "FLEET_REDIS_KEY_PREFIX"

	envKafkaBrokers       = "KAFKA_BROKERS"
	envKafkaEventsTopic   = "FLEET_KAFKA_EVENTS_TOPIC"
	envKafkaReceiptsTopic = "FLEET_KAFKA_RECEIPTS_TOPIC"
	envKafkaConsumerGroup = "FLEET_KAFKA_CONSUMER_GROUP"
	envKafkaMaxRetries    = "FLEET_KAFKA_MAX_RETRIES"

	envDedupWindow          = "FLEET_DEDUP_WINDOW"
	envLowStockThreshold    = "FLEET_LOW_STOCK_THRESHOLD"
	envStockAlternatives    = "FLEET_STOCK_ALTERNATIVES"
	envResourceAlternatives = "FLEET_RESOURCE_ALTERNATIVES"

	envOutboxPollInterval = "FLEET_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize    = "FLEET_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts  = "FLEET_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay   = "FLEET_OUTBOX_RETRY_DELAY"
	envOutboxMaxPending   = "FLEET_OUTBOX_MAX_PENDING"

	envGuardCleanupInterval  = "FLEET_GUARD_CLEANUP_INTERVAL"
	envGuardCleanupBatchSize = "FLEET_GUARD_CLEANUP_BATCH_SIZE"
	envShutdownTimeout       = "FLEET_SHUTDOWN_TIMEOUT"
)

type envLookup func(key string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.InfoLevel)

	raw, ok := lookup(envLogLevel)
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	level, err := log.ParseLevel(strings.TrimSpace(raw))
	if err != nil {
		log.WithError(err).WithField("env", envLogLevel).Warn("invalid log level, using info")
		return
	}
	log.SetLevel(level)
}

// readConfigFromEnv накладывает переменные окружения на конфигурацию по умолчанию.
// Некорректные значения не применяются и возвращаются как предупреждения.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	r := envReader{lookup: lookup}

	r.str(envGRPCAddr, &cfg.GRPCAddr)
	r.str(envMetricsAddr, &cfg.MetricsAddr)
	if r.str(envStorageDriver, &cfg.StorageDriver) {
		cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	}
	r.str(envPostgresDSN, &cfg.PostgresDSN)
	r.boolean(envPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	r.str(envMemorySeedFile, &cfg.MemorySeedFile)

	if r.str(envReservationDriver, &cfg.ReservationDriver) {
		cfg.ReservationDriver = strings.ToLower(cfg.ReservationDriver)
	}
	r.str(envRedisAddr, &cfg.RedisAddr)
	r.str(envRedisPassword, &cfg.RedisPassword)
	r.integer(envRedisDB, &cfg.RedisDB, nonNegative, "must be >= 0")
	r.str(envRedisKeyPrefix, &cfg.RedisKeyPrefix)

	r.str(envKafkaBrokers, &cfg.KafkaBrokers)
	r.str(envKafkaEventsTopic, &cfg.KafkaEventsTopic)
	r.str(envKafkaReceiptsTopic, &cfg.KafkaReceiptsTopic)
	r.str(envKafkaConsumerGroup, &cfg.KafkaConsumerGroup)
	r.integer(envKafkaMaxRetries, &cfg.KafkaMaxRetries, nonNegative, "must be >= 0")

	r.duration(envDedupWindow, &cfg.DedupWindow, positiveDuration, "must be > 0")
	var threshold int
	if r.integer(envLowStockThreshold, &threshold, nonNegative, "must be >= 0") {
		cfg.LowStockThreshold = int64(threshold)
	}
	r.integer(envStockAlternatives, &cfg.StockAlternatives, positive, "must be > 0")
	r.integer(envResourceAlternatives, &cfg.ResourceAlternatives, positive, "must be > 0")

	r.duration(envOutboxPollInterval, &cfg.OutboxPollInterval, positiveDuration, "must be > 0")
	r.integer(envOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	r.integer(envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	r.duration(envOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDuration, "must be >= 0")
	r.integer(envOutboxMaxPending, &cfg.OutboxMaxPending, nonNegative, "must be >= 0")

	r.duration(envGuardCleanupInterval, &cfg.GuardCleanupInterval, positiveDuration, "must be > 0")
	r.integer(envGuardCleanupBatchSize, &cfg.GuardCleanupBatchSize, positive, "must be > 0")
	r.duration(envShutdownTimeout, &cfg.ShutdownTimeout, positiveDuration, "must be > 0")

	return cfg, r.warnings
}

type envReader struct {
	lookup   envLookup
	warnings []string
}

func (r *envReader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *envReader) warn(key, value string, err error) {
	r.warnings = append(r.warnings, fmt.Sprintf("%s=%q ignored: %v", key, value, err))
}

func (r *envReader) str(key string, dst *string) bool {
	v, ok := r.raw(key)
	if ok {
		*dst = v
	}
	return ok
}

func (r *envReader) boolean(key string, dst *bool) {
	v, ok := r.raw(key)
	if !ok {
		return
	}
	parsed, err := parseBool(v)
	if err != nil {
		r.warn(key, v, err)
		return
	}
	*dst = parsed
}

func (r *envReader) integer(key string, dst *int, valid func(int) bool, msg string) bool {
	v, ok := r.raw(key)
	if !ok {
		return false
	}
	parsed, err := parseInt(v, valid, msg)
	if err != nil {
		r.warn(key, v, err)
		return false
	}
	*dst = parsed
	return true
}

func (r *envReader) duration(key string, dst *time.Duration, valid func(time.Duration) bool, msg string) {
	v, ok := r.raw(key)
	if !ok {
		return
	}
	parsed, err := parseDuration(v, valid, msg)
	if err != nil {
		r.warn(key, v, err)
		return
	}
	*dst = parsed
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", raw)
	}
}

func parseInt(raw string, valid func(int) bool, msg string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	if valid != nil && !valid(v) {
		return 0, errors.New(msg)
	}
	return v, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, msg string) (time.Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	if valid != nil && !valid(v) {
		return 0, errors.New(msg)
	}
	return v, nil
}

func positive(v int) bool                      { return v > 0 }
func nonNegative(v int) bool                   { return v >= 0 }
func positiveDuration(v time.Duration) bool    { return v > 0 }
func nonNegativeDuration(v time.Duration) bool { return v >= 0 }

func main() {
	// .env опционален: в контейнере переменные приходят из окружения.
	_ = godotenv.Load()

	setupLogger(os.LookupEnv)
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, w := range warnings {
		log.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"version":            version.String(),
		"grpc_addr":          cfg.GRPCAddr,
		"metrics_addr":       cfg.MetricsAddr,
		"storage_driver":     cfg.StorageDriver,
		"reservation_driver": cfg.ReservationDriver,
	}).Info("starting allocation service")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("allocation service exited with error")
	}

	log.Info("allocation service stopped")
}
