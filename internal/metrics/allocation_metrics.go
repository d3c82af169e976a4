package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AllocationMetrics содержит метрики проверок, резервов и журнала остатков.
// Методы безопасны для nil-получателя: сервисы могут работать без метрик.
type AllocationMetrics struct {
	validations       *prometheus.CounterVec
	reservationLines  *prometheus.CounterVec
	commits           *prometheus.CounterVec
	stockMutations    *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeHolds       prometheus.Gauge
}

// NewAllocationMetrics регистрирует метрики в default registry.
func NewAllocationMetrics() *AllocationMetrics {
	return NewAllocationMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewAllocationMetricsWithRegisterer регистрирует метрики в переданном registry.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewAllocationMetricsWithRegisterer(registerer prometheus.Registerer) *AllocationMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &AllocationMetrics{
		validations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fleet_validations_total",
			Help: "Total number of allocation validations grouped by validator and result.",
		}, []string{"validator", "result"}),
		reservationLines: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fleet_reservation_lines_total",
			Help: "Total number of reservation lines grouped by result.",
		}, []string{"result"}),
		commits: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fleet_reservation_commits_total",
			Help: "Total number of reservation commits grouped by outcome.",
		}, []string{"outcome"}),
		stockMutations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "fleet_stock_mutations_total",
			Help: "Total number of stock mutations grouped by change type and result.",
		}, []string{"change_type", "result"}),
		operationDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "fleet_operation_duration_seconds",
			Help:    "Duration of allocation operations in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		activeHolds: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "fleet_reservations_in_flight",
			Help: "Number of reservations created and not yet committed or released by this instance.",
		}),
	}
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordValidation учитывает итог проверки.
func (m *AllocationMetrics) RecordValidation(validator string, valid bool) {
	if m == nil {
		return
	}
	result := "valid"
	if !valid {
		result = "invalid"
	}
	m.validations.WithLabelValues(validator, result).Inc()
}

// RecordReservationLine учитывает строку резерва: held или failed.
func (m *AllocationMetrics) RecordReservationLine(held bool) {
	if m == nil {
		return
	}
	result := "held"
	if !held {
		result = "failed"
	}
	m.reservationLines.WithLabelValues(result).Inc()
}

// RecordCommit учитывает итог подтверждения резерва.
func (m *AllocationMetrics) RecordCommit(outcome string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(outcome).Inc()
}

// RecordStockMutation учитывает изменение остатка. В result передаётся метка класса ошибки.
func (m *AllocationMetrics) RecordStockMutation(changeType, result string) {
	if m == nil {
		return
	}
	m.stockMutations.WithLabelValues(changeType, result).Inc()
}

// RecordDuration записывает длительность операции.
func (m *AllocationMetrics) RecordDuration(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// ReservationOpened увеличивает число незавершённых резервов.
func (m *AllocationMetrics) ReservationOpened() {
	if m == nil {
		return
	}
	m.activeHolds.Inc()
}

// ReservationClosed уменьшает число незавершённых резервов.
func (m *AllocationMetrics) ReservationClosed() {
	if m == nil {
		return
	}
	m.activeHolds.Dec()
}
