package scheduling

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	"github.com/vladislavdragonenkov/fleetalloc/internal/metrics"
)

const dateLayout = "2006-01-02"

// TripAssignment — запрос на назначение транспорта и водителя на интервал.
// ExcludeTripID задаётся при редактировании существующего рейса.
type TripAssignment struct {
	VehicleID     string
	OperatorID    string
	Interval      domain.Interval
	ExcludeTripID string
}

// Option настраивает TripValidator.
type Option func(*TripValidator)

// WithLogger задаёт logger валидатора.
func WithLogger(logger *log.Entry) Option {
	return func(v *TripValidator) {
		v.logger = logger
	}
}

// WithMetrics подключает метрики проверок.
func WithMetrics(m *metrics.AllocationMetrics) Option {
	return func(v *TripValidator) {
		v.metrics = m
	}
}

// TripValidator объединяет проверки транспорта и водителя в одно решение.
type TripValidator struct {
	fleet    domain.FleetRepository
	detector *ConflictDetector
	finder   *AlternativeFinder
	logger   *log.Entry
	metrics  *metrics.AllocationMetrics
}

// NewTripValidator создаёт валидатор назначений.
func NewTripValidator(fleet domain.FleetRepository, detector *ConflictDetector, finder *AlternativeFinder, opts ...Option) *TripValidator {
	v := &TripValidator{fleet: fleet, detector: detector, finder: finder}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = log.WithField("component", "trip-validator")
	}
	return v
}

// Validate проверяет назначение. Отказы по существу возвращаются в ValidationResult,
// error означает только сбой инфраструктуры.
func (v *TripValidator) Validate(ctx context.Context, req TripAssignment) (domain.ValidationResult, error) {
	started := time.Now()
	defer func() { v.metrics.RecordDuration("validate_trip", time.Since(started)) }()

	result := domain.NewValidationResult()

	if err := req.Interval.Validate(); err != nil {
		result.AddError(fmt.Sprintf("Trip end date %s is before start date %s",
			req.Interval.End.Format(dateLayout), req.Interval.Start.Format(dateLayout)))
		v.metrics.RecordValidation("trip", false)
		return result, nil
	}

	// транспорт и водитель проверяются независимо, альтернативы ищутся
	// только для того, кто не может взять рейс
	vehicle := domain.NewValidationResult()
	vehicleUsable, err := v.checkVehicle(ctx, req, &vehicle)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if !vehicleUsable {
		if err := v.suggest(ctx, domain.ResourceKindVehicle, req, &vehicle); err != nil {
			return domain.ValidationResult{}, err
		}
	}

	operator := domain.NewValidationResult()
	operatorUsable, err := v.checkOperator(ctx, req, &operator)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if !operatorUsable {
		if err := v.suggest(ctx, domain.ResourceKindOperator, req, &operator); err != nil {
			return domain.ValidationResult{}, err
		}
	}

	result = vehicle.Merge(operator)
	v.metrics.RecordValidation("trip", result.Valid)
	if !result.Valid {
		v.logger.WithFields(log.Fields{
			"vehicle_id":  req.VehicleID,
			"operator_id": req.OperatorID,
			"errors":      len(result.Errors),
		}).Debug("trip assignment rejected")
	}
	return result, nil
}

func (v *TripValidator) checkVehicle(ctx context.Context, req TripAssignment, result *domain.ValidationResult) (bool, error) {
	vehicle, ok, err := v.lookup(ctx, req.VehicleID)
	if err != nil {
		return false, err
	}
	if !ok {
		result.AddError(fmt.Sprintf("Vehicle %s not found", req.VehicleID))
		return false, nil
	}
	if vehicle.Kind != domain.ResourceKindVehicle {
		result.AddError(fmt.Sprintf("Resource %s is not a vehicle", vehicle.ID))
		return false, nil
	}
	if !vehicle.IsActive() {
		result.AddWarning(fmt.Sprintf("Vehicle %s has status %q", vehicle.ID, vehicle.Status))
	}

	return v.checkConflicts(ctx, domain.ResourceKindVehicle, vehicle, req, result)
}

func (v *TripValidator) checkOperator(ctx context.Context, req TripAssignment, result *domain.ValidationResult) (bool, error) {
	operator, ok, err := v.lookup(ctx, req.OperatorID)
	if err != nil {
		return false, err
	}
	if !ok {
		result.AddError(fmt.Sprintf("Operator %s not found", req.OperatorID))
		return false, nil
	}
	if operator.Kind != domain.ResourceKindOperator {
		result.AddError(fmt.Sprintf("Resource %s is not an operator", operator.ID))
		return false, nil
	}
	if !operator.IsActive() {
		result.AddError(fmt.Sprintf("Operator %s is not active (status %q)", operator.ID, operator.Status))
		return false, nil
	}

	return v.checkConflicts(ctx, domain.ResourceKindOperator, operator, req, result)
}

func (v *TripValidator) checkConflicts(ctx context.Context, kind domain.ResourceKind, res domain.Resource, req TripAssignment, result *domain.ValidationResult) (bool, error) {
	conflicts, err := v.detector.FindConflicts(ctx, ConflictQuery{
		Kind:          kind,
		ResourceID:    res.ID,
		Interval:      req.Interval,
		ExcludeTripID: req.ExcludeTripID,
	})
	if err != nil {
		return false, err
	}

	label := resourceLabel(kind)
	for _, trip := range conflicts {
		result.AddError(fmt.Sprintf("%s %s is already assigned to trip %s (%s) from %s to %s",
			strings.ToUpper(label[:1])+label[1:], res.ID, trip.ID, routeOrDash(trip.Route),
			trip.Start.Format(dateLayout), trip.End.Format(dateLayout)))
		result.AddWarning(fmt.Sprintf("Conflicting trip %s: vehicle %s, operator %s, %s..%s, status %s",
			trip.ID, trip.VehicleID, trip.OperatorID,
			trip.Start.Format(time.RFC3339), trip.End.Format(time.RFC3339), trip.Status))
	}
	return len(conflicts) == 0, nil
}

func (v *TripValidator) suggest(ctx context.Context, kind domain.ResourceKind, req TripAssignment, result *domain.ValidationResult) error {
	candidates, err := v.finder.FindAvailable(ctx, kind, req.Interval, req.ExcludeTripID)
	if err != nil {
		return err
	}

	label := resourceLabel(kind)
	if len(candidates) == 0 {
		result.AddSuggestion(fmt.Sprintf("No %ss are available from %s to %s",
			label, req.Interval.Start.Format(dateLayout), req.Interval.End.Format(dateLayout)))
		return nil
	}

	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c.Name != "" {
			names = append(names, fmt.Sprintf("%s (%s)", c.ID, c.Name))
			continue
		}
		names = append(names, c.ID)
	}
	result.AddSuggestion(fmt.Sprintf("Available %ss for this period: %s", label, strings.Join(names, ", ")))
	return nil
}

// lookup отличает отсутствие ресурса от сбоя хранилища.
func (v *TripValidator) lookup(ctx context.Context, id string) (domain.Resource, bool, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Resource{}, false, nil
	}
	res, err := v.fleet.GetResource(ctx, id)
	if err != nil {
		if domain.IsNotFound(err) {
			return domain.Resource{}, false, nil
		}
		return domain.Resource{}, false, fmt.Errorf("get resource %s: %w", id, err)
	}
	return res, true, nil
}

func resourceLabel(kind domain.ResourceKind) string {
	if kind == domain.ResourceKindOperator {
		return "operator"
	}
	return "vehicle"
}

func routeOrDash(route string) string {
	if strings.TrimSpace(route) == "" {
		return "no route"
	}
	return route
}
