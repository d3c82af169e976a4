package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// FleetRepository читает справочник парка и рейсы из PostgreSQL.
// Upsert-методы нужны синхронизации с внешним учётом парка и тестам.
type FleetRepository struct {
	db *sql.DB
}

// NewFleetRepository создаёт PostgreSQL-реализацию FleetRepository.
func NewFleetRepository(store *Store) *FleetRepository {
	return &FleetRepository{db: store.DB()}
}

// UpsertResource добавляет или заменяет ресурс.
func (r *FleetRepository) UpsertResource(ctx context.Context, res domain.Resource) error {
	res.ID = strings.TrimSpace(res.ID)
	if res.ID == "" {
		return domain.ErrInvalidInput
	}
	if !res.Kind.Valid() {
		return domain.ErrResourceKindInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO resources (id, kind, status, name, updated_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE
		SET kind = EXCLUDED.kind,
		    status = EXCLUDED.status,
		    name = EXCLUDED.name,
		    updated_at = EXCLUDED.updated_at
	`, res.ID, string(res.Kind), res.Status, res.Name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert resource %s: %w", res.ID, err)
	}
	return nil
}

// UpsertTrip добавляет или заменяет рейс.
func (r *FleetRepository) UpsertTrip(ctx context.Context, trip domain.Trip) error {
	if strings.TrimSpace(trip.ID) == "" {
		return domain.ErrInvalidInput
	}
	if err := trip.Interval().Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trips (id, vehicle_id, operator_id, route, start_at, end_at, status, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE
		SET vehicle_id = EXCLUDED.vehicle_id,
		    operator_id = EXCLUDED.operator_id,
		    route = EXCLUDED.route,
		    start_at = EXCLUDED.start_at,
		    end_at = EXCLUDED.end_at,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`, trip.ID, trip.VehicleID, trip.OperatorID, trip.Route,
		trip.Start.UTC(), trip.End.UTC(), string(trip.Status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert trip %s: %w", trip.ID, err)
	}
	return nil
}

func (r *FleetRepository) GetResource(ctx context.Context, id string) (domain.Resource, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res  domain.Resource
		kind string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, kind, status, name
		FROM resources
		WHERE id = $1
	`, strings.TrimSpace(id)).Scan(&res.ID, &kind, &res.Status, &res.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Resource{}, domain.ErrResourceNotFound
		}
		return domain.Resource{}, fmt.Errorf("get resource %s: %w", id, err)
	}
	res.Kind = domain.ResourceKind(kind)
	return res, nil
}

func (r *FleetRepository) ListResources(ctx context.Context, kind domain.ResourceKind) ([]domain.Resource, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, kind, status, name
		FROM resources
		WHERE kind = $1
		ORDER BY id
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list %s resources: %w", kind, err)
	}
	defer rows.Close()

	out := make([]domain.Resource, 0)
	for rows.Next() {
		var (
			res     domain.Resource
			kindRaw string
		)
		if err := rows.Scan(&res.ID, &kindRaw, &res.Status, &res.Name); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		res.Kind = domain.ResourceKind(kindRaw)
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

// ListOccupyingTrips отбирает рейсы в занимающих статусах, пересекающие iv.
func (r *FleetRepository) ListOccupyingTrips(ctx context.Context, kind domain.ResourceKind, resourceID string, iv domain.Interval) ([]domain.Trip, error) {
	var column string
	switch kind {
	case domain.ResourceKindVehicle:
		column = "vehicle_id"
	case domain.ResourceKindOperator:
		column = "operator_id"
	default:
		return nil, domain.ErrResourceKindInvalid
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, vehicle_id, operator_id, route, start_at, end_at, status
		FROM trips
		WHERE `+column+` = $1
		  AND status IN ($2, $3)
		  AND start_at <= $4
		  AND end_at >= $5
		ORDER BY start_at, id
	`, resourceID,
		string(domain.TripStatusPlanned), string(domain.TripStatusInProgress),
		iv.End.UTC(), iv.Start.UTC())
	if err != nil {
		return nil, fmt.Errorf("list trips for %s %s: %w", kind, resourceID, err)
	}
	defer rows.Close()

	out := make([]domain.Trip, 0)
	for rows.Next() {
		var (
			trip   domain.Trip
			status string
		)
		if err := rows.Scan(&trip.ID, &trip.VehicleID, &trip.OperatorID, &trip.Route, &trip.Start, &trip.End, &status); err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		trip.Status = domain.TripStatus(status)
		trip.Start = trip.Start.UTC()
		trip.End = trip.End.UTC()
		out = append(out, trip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trips: %w", err)
	}
	return out, nil
}

var _ domain.FleetRepository = (*FleetRepository)(nil)
