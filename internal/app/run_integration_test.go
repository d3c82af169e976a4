package app

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/fleetalloc/internal/health"
)

func localConfig() Config {
	cfg := DefaultConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.KafkaBrokers = ""
	return cfg
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := localConfig()
	cfg.StorageDriver = StorageDriverMemory

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := Run(ctx, cfg); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run must return the context error, got %v", err)
	}
}

func TestRun_FailsBeforeServing(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "unknown storage driver",
			mutate:  func(c *Config) { c.StorageDriver = "sqlite" },
			wantErr: "unsupported storage driver",
		},
		{
			name:    "grpc address is not listenable",
			mutate:  func(c *Config) { c.GRPCAddr = "127.0.0.1:99999" },
			wantErr: "listen 127.0.0.1:99999",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := localConfig()
			tc.mutate(&cfg)

			err := Run(context.Background(), cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

// TestInitRuntimeDependencies_ExternalBackends поднимает зависимости на
// реальных PostgreSQL и Redis, если они заданы окружением.
func TestInitRuntimeDependencies_ExternalBackends(t *testing.T) {
	tests := []struct {
		name      string
		env       string
		configure func(*Config, string)
		checker   func(*runtimeDependencies) healthcheck.Checker
	}{
		{
			name: "postgres storage and reservations",
			env:  "FLEET_POSTGRES_TEST_DSN",
			configure: func(c *Config, dsn string) {
				c.StorageDriver = StorageDriverPostgres
				c.ReservationDriver = ReservationDriverPostgres
				c.PostgresDSN = dsn
				c.PostgresAutoMigrate = true
			},
			checker: func(d *runtimeDependencies) healthcheck.Checker { return d.storageChecker },
		},
		{
			name: "redis reservations",
			env:  "FLEET_REDIS_TEST_ADDR",
			configure: func(c *Config, addr string) {
				c.ReservationDriver = ReservationDriverRedis
				c.RedisAddr = addr
				c.RedisKeyPrefix = "fleet-test:"
			},
			checker: func(d *runtimeDependencies) healthcheck.Checker { return d.reservationChecker },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			target := strings.TrimSpace(os.Getenv(tc.env))
			if target == "" {
				t.Skipf("%s is not set", tc.env)
			}

			cfg := DefaultConfig()
			tc.configure(&cfg, target)
			deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", tc.name))
			if err != nil {
				t.Skipf("backend is not reachable: %v", err)
			}
			defer func() { _ = deps.closeFn() }()

			if deps.fleet == nil || deps.inventory == nil || deps.reservations == nil || deps.outboxRepo == nil {
				t.Fatalf("dependencies are incomplete: %+v", deps)
			}
			if check := tc.checker(deps).Check(context.Background()); check.Status != healthcheck.StatusHealthy {
				t.Fatalf("backend is not healthy: %+v", check)
			}
		})
	}
}
