package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/fleetalloc/internal/health"
	"github.com/vladislavdragonenkov/fleetalloc/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fleetalloc/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/fleetalloc/internal/service/grpc"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/ledger"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/scheduling"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/stock"
	"github.com/vladislavdragonenkov/fleetalloc/internal/version"
)

// Run поднимает gRPC-сервер, HTTP-метрики и фоновые воркеры и блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	kafkaProducer, err := initKafkaProducer(cfg, logger)
	if err != nil {
		kafkaProducer = nil
	}

	allocationMetrics := metrics.NewAllocationMetrics()
	services := buildServices(cfg, deps, kafkaProducer != nil, allocationMetrics, logger)

	var (
		outboxCancel    context.CancelFunc
		outboxDone      <-chan struct{}
		receiptConsumer *kafka.Consumer
	)
	if kafkaProducer != nil {
		outboxCancel, outboxDone = startOutboxWorker(ctx, cfg, deps.outboxRepo, kafkaProducer, logger)
		receiptConsumer = startReceiptConsumer(ctx, cfg, services.Ledger, kafkaProducer, logger.WithField("layer", "kafka"))
	}

	cleanupCancel, cleanupDone := startGuardCleanup(ctx, cfg, deps.inventory, logger)

	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcsvc.RegisterAllocationServiceServer(grpcServer, grpcsvc.NewAllocationService(services, logger.WithField("layer", "grpc")))
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	healthHandler.RegisterChecker("storage", deps.storageChecker)
	healthHandler.RegisterChecker("reservations", deps.reservationChecker)
	if kafkaProducer != nil {
		healthHandler.RegisterOptional("outbox", newOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPending))
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		shutdownWorker("guard-cleanup", cleanupCancel, cleanupDone, logger)
		shutdownWorker("outbox", outboxCancel, outboxDone, logger)
		stopConsumer(receiptConsumer, logger)
		closeKafkaProducer(kafkaProducer, logger)
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", lis.Addr().String()).Info("grpc server listening")
		errCh <- grpcServer.Serve(lis)
	}()

	shutdown := func() {
		healthServer.Shutdown()
		stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
		shutdownHTTP(metricsSrv, logger)
		stopConsumer(receiptConsumer, logger)
		shutdownWorker("outbox", outboxCancel, outboxDone, logger)
		shutdownWorker("guard-cleanup", cleanupCancel, cleanupDone, logger)
		closeKafkaProducer(kafkaProducer, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping grpc server")
		shutdown()
		return ctx.Err()
	case err := <-errCh:
		shutdown()
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}

// buildServices собирает прикладные сервисы поверх хранилищ. Outbox подключается
// к журналу только при наличии Kafka, иначе события некому доставлять.
func buildServices(cfg Config, deps *runtimeDependencies, withOutbox bool, m *metrics.AllocationMetrics, logger *log.Entry) grpcsvc.Services {
	ledgerOpts := []ledger.Option{
		ledger.WithLogger(logger.WithField("layer", "ledger")),
		ledger.WithMetrics(m),
		ledger.WithDedupWindow(cfg.DedupWindow),
	}
	if withOutbox {
		ledgerOpts = append(ledgerOpts, ledger.WithOutbox(deps.outboxRepo))
	}
	stockLedger := ledger.New(deps.inventory, ledgerOpts...)

	stockOpts := []stock.Option{
		stock.WithLogger(logger.WithField("layer", "stock")),
		stock.WithMetrics(m),
		stock.WithLowStockThreshold(decimal.NewFromInt(cfg.LowStockThreshold)),
		stock.WithAlternativesLimit(cfg.StockAlternatives),
	}

	detector := scheduling.NewConflictDetector(deps.fleet)
	finder := scheduling.NewAlternativeFinder(deps.fleet, detector, cfg.ResourceAlternatives)

	return grpcsvc.Services{
		Trips: scheduling.NewTripValidator(deps.fleet, detector, finder,
			scheduling.WithLogger(logger.WithField("layer", "scheduling")),
			scheduling.WithMetrics(m)),
		Conflicts:    detector,
		Alternatives: finder,
		Stock:        stock.NewValidator(deps.inventory, deps.reservations, stockOpts...),
		Reservations: stock.NewReservationManager(deps.inventory, deps.reservations, stockLedger, stockOpts...),
		Ledger:       stockLedger,
	}
}

// startGuardCleanup запускает очистку просроченных ключей защиты от повторов.
func startGuardCleanup(ctx context.Context, cfg Config, store ledger.GuardStore, logger *log.Entry) (context.CancelFunc, <-chan struct{}) {
	worker := ledger.NewGuardCleanupWorker(store,
		ledger.WithCleanupLogger(logger.WithField("layer", "guard-cleanup")),
		ledger.WithCleanupInterval(cfg.GuardCleanupInterval),
		ledger.WithCleanupBatchSize(cfg.GuardCleanupBatchSize),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(workerCtx)
	}()
	return cancel, done
}

// outboxBacklogChecker сообщает degraded, когда backlog outbox превышает порог.
type outboxBacklogChecker struct {
	repo       domain.OutboxRepository
	maxPending int
}

func newOutboxBacklogChecker(repo domain.OutboxRepository, maxPending int) *outboxBacklogChecker {
	return &outboxBacklogChecker{repo: repo, maxPending: maxPending}
}

func (c *outboxBacklogChecker) Check(ctx context.Context) healthcheck.Check {
	started := time.Now()
	check := healthcheck.Check{Name: "outbox", Status: healthcheck.StatusHealthy}

	stats, err := c.repo.Stats(ctx)
	switch {
	case err != nil:
		check.Status = healthcheck.StatusUnhealthy
		check.Message = err.Error()
	case c.maxPending > 0 && stats.PendingCount > c.maxPending:
		check.Status = healthcheck.StatusDegraded
		check.Message = fmt.Sprintf("%d pending messages, oldest since %s",
			stats.PendingCount, stats.OldestPendingAt.UTC().Format(time.RFC3339))
	}

	check.Finish(started)
	return check
}

// startMetricsServer запускает HTTP-обработчики /metrics и health-проб.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.WithField("addr", addr).Info("metrics and health endpoints started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}

// stopGRPC дожидается завершения активных вызовов не дольше timeout.
func stopGRPC(server *grpc.Server, timeout time.Duration, logger *log.Entry) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop timed out, forcing grpc server stop")
		server.Stop()
	}
}

// shutdownWorker отменяет фоновый воркер и ждёт его завершения.
func shutdownWorker(name string, cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel == nil {
		return
	}
	cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		logger.WithField("worker", name).Warn("worker did not stop in time")
	}
}
