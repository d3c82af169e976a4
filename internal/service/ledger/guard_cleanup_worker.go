package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

var (
	guardCleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_dedup_guard_cleanup_runs_total",
		Help: "Total number of duplicate-guard cleanup runs grouped by result.",
	}, []string{"result"})
	guardCleanupDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleet_dedup_guard_cleanup_deleted_total",
		Help: "Total number of deleted expired duplicate-guard keys.",
	})
	guardCleanupLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_dedup_guard_cleanup_last_deleted",
		Help: "Number of deleted guard keys during the last cleanup run.",
	})
)

// GuardStore удаляет просроченные ключи защиты от повторов.
type GuardStore interface {
	DeleteExpiredGuards(ctx context.Context, before time.Time, limit int) (int, error)
}

// CleanupOption настраивает GuardCleanupWorker.
type CleanupOption func(*GuardCleanupWorker)

// WithCleanupLogger задаёт logger воркера.
func WithCleanupLogger(logger *log.Entry) CleanupOption {
	return func(w *GuardCleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithCleanupInterval задаёт паузу между проходами. Непозитивное значение игнорируется.
func WithCleanupInterval(interval time.Duration) CleanupOption {
	return func(w *GuardCleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithCleanupBatchSize ограничивает число ключей, удаляемых одним запросом.
func WithCleanupBatchSize(batchSize int) CleanupOption {
	return func(w *GuardCleanupWorker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// GuardCleanupWorker удаляет ключи защиты от повторов, чьё окно истекло.
// На дедупликацию очистка не влияет: просроченный ключ уже не блокирует
// повтор, очистка лишь не даёт таблице расти.
type GuardCleanupWorker struct {
	store     GuardStore
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewGuardCleanupWorker создаёт воркер очистки.
func NewGuardCleanupWorker(store GuardStore, options ...CleanupOption) *GuardCleanupWorker {
	w := &GuardCleanupWorker{
		store:     store,
		logger:    log.WithField("component", "dedup-guard-cleanup"),
		interval:  defaultCleanupInterval,
		batchSize: defaultCleanupBatchSize,
		now:       time.Now,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Run чистит сразу и затем раз в interval, пока ctx не отменён.
func (w *GuardCleanupWorker) Run(ctx context.Context) {
	if w.store == nil {
		w.logger.Warn("guard cleanup disabled: no store")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *GuardCleanupWorker) sweep(ctx context.Context) {
	deleted, err := w.DeleteExpired(ctx, w.now().UTC())
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	case err != nil:
		guardCleanupRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("deleted", deleted).Warn("guard cleanup failed")
		return
	}

	guardCleanupRunsTotal.WithLabelValues("ok").Inc()
	guardCleanupLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithField("deleted", deleted).Info("expired guards removed")
	}
}

// DeleteExpired удаляет ключи, истёкшие до before, порциями batchSize, пока
// очередная порция не окажется неполной. Нулевой before означает текущий момент.
func (w *GuardCleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now().UTC()
	}

	total := 0
	for ctx.Err() == nil {
		deleted, err := w.store.DeleteExpiredGuards(ctx, before, w.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		guardCleanupDeletedTotal.Add(float64(deleted))
		if deleted < w.batchSize {
			return total, nil
		}
	}
	return total, ctx.Err()
}
