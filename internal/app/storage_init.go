package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fleetalloc/internal/health"
	"github.com/vladislavdragonenkov/fleetalloc/internal/storage/memory"
	"github.com/vladislavdragonenkov/fleetalloc/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/fleetalloc/internal/storage/redis"
)

// inventoryStore — карточки запчастей вместе с журналом остатков.
type inventoryStore interface {
	domain.PartRepository
	domain.StockLedgerStore
}

type runtimeDependencies struct {
	fleet        domain.FleetRepository
	inventory    inventoryStore
	reservations domain.ReservationStore
	outboxRepo   domain.OutboxRepository

	storageChecker     healthcheck.Checker
	reservationChecker healthcheck.Checker

	closeFns []func() error
}

func (d *runtimeDependencies) closeFn() error {
	var errs []error
	for i := len(d.closeFns) - 1; i >= 0; i-- {
		if err := d.closeFns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closeFns = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies открывает хранилища согласно cfg. При ошибке уже
// открытые соединения закрываются.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps := &runtimeDependencies{}
	var err error
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		err = initMemoryStorage(cfg, deps, logger)
	case StorageDriverPostgres:
		err = initPostgresStorage(ctx, cfg, deps, logger)
	}
	if err == nil {
		err = initReservationStore(ctx, cfg, deps, logger)
	}
	if err != nil {
		return nil, errors.Join(err, deps.closeFn())
	}
	return deps, nil
}

func initMemoryStorage(cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	fleet := memory.NewFleetRepository()
	inventory := memory.NewInventoryStore()

	if path := strings.TrimSpace(cfg.MemorySeedFile); path != "" {
		if err := loadMemorySeed(path, fleet, inventory); err != nil {
			return err
		}
		logger.WithField("seed_file", path).Info("memory storage seeded")
	}

	deps.fleet = fleet
	deps.inventory = inventory
	deps.outboxRepo = memory.NewOutboxRepository()
	deps.storageChecker = healthcheck.NewSimpleChecker("storage", func() error { return nil })
	logger.Info("using in-memory storage")
	return nil
}

func initPostgresStorage(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	store, err := postgres.Open(ctx, strings.TrimSpace(cfg.PostgresDSN))
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	deps.closeFns = append(deps.closeFns, store.Close)

	if cfg.PostgresAutoMigrate {
		if err := store.MigrateUp(ctx, 0); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		status, err := store.MigrationStatus(ctx)
		if err != nil {
			return fmt.Errorf("postgres migration status: %w", err)
		}
		logger.WithFields(log.Fields{
			"version": status.Version,
			"applied": status.Applied,
		}).Info("postgres migrations applied")
	}

	deps.fleet = postgres.NewFleetRepository(store)
	deps.inventory = postgres.NewInventoryStore(store)
	deps.outboxRepo = postgres.NewOutboxRepository(store)
	deps.storageChecker = healthcheck.NewPingChecker("postgres", store)
	if cfg.ReservationDriver == ReservationDriverPostgres {
		deps.reservations = postgres.NewReservationStore(store)
		deps.reservationChecker = deps.storageChecker
	}
	logger.Info("using postgres storage")
	return nil
}

func initReservationStore(ctx context.Context, cfg Config, deps *runtimeDependencies, logger *log.Entry) error {
	switch cfg.ReservationDriver {
	case ReservationDriverPostgres:
		// Уже создан вместе с хранилищем.
		return nil
	case ReservationDriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     strings.TrimSpace(cfg.RedisAddr),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		deps.closeFns = append(deps.closeFns, client.Close)

		store := redisstore.NewReservationStore(client, redisstore.WithKeyPrefix(cfg.RedisKeyPrefix))
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis %s: %w", cfg.RedisAddr, err)
		}
		deps.reservations = store
		deps.reservationChecker = healthcheck.NewPingChecker("redis", store)
		logger.WithField("redis_addr", cfg.RedisAddr).Info("using redis reservation store")
	default:
		deps.reservations = memory.NewReservationStore()
		deps.reservationChecker = healthcheck.NewSimpleChecker("reservations", func() error { return nil })
		if cfg.StorageDriver == StorageDriverPostgres {
			logger.Warn("in-memory reservations are not shared between instances")
		}
	}
	return nil
}
