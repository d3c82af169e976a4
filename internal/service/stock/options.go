package stock

import (
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fleetalloc/internal/metrics"
)

const (
	// DefaultLowStockThreshold — остаток, при котором успешная проверка сопровождается предупреждением.
	DefaultLowStockThreshold = 5
	// DefaultAlternativesLimit — сколько запчастей-аналогов предлагать.
	DefaultAlternativesLimit = 3
)

type options struct {
	logger            *log.Entry
	metrics           *metrics.AllocationMetrics
	lowStockThreshold decimal.Decimal
	alternativesLimit int
}

// Option настраивает Validator и ReservationManager.
type Option func(*options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.AllocationMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLowStockThreshold переопределяет порог предупреждения о низком остатке.
func WithLowStockThreshold(threshold decimal.Decimal) Option {
	return func(o *options) {
		if !threshold.IsNegative() {
			o.lowStockThreshold = threshold
		}
	}
}

// WithAlternativesLimit переопределяет число предлагаемых аналогов.
func WithAlternativesLimit(limit int) Option {
	return func(o *options) {
		if limit > 0 {
			o.alternativesLimit = limit
		}
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{
		lowStockThreshold: decimal.NewFromInt(DefaultLowStockThreshold),
		alternativesLimit: DefaultAlternativesLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithField("component", component)
	}
	return o
}
