package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// FleetRepository — in-memory копия справочника парка и рейсов.
// Записи наполняются извне через Upsert*, сервисы только читают.
type FleetRepository struct {
	mu        sync.RWMutex
	resources map[string]domain.Resource
	trips     map[string]domain.Trip
}

// NewFleetRepository создаёт пустой справочник.
func NewFleetRepository() *FleetRepository {
	return &FleetRepository{
		resources: make(map[string]domain.Resource),
		trips:     make(map[string]domain.Trip),
	}
}

// UpsertResource добавляет или заменяет ресурс.
func (r *FleetRepository) UpsertResource(res domain.Resource) error {
	res.ID = strings.TrimSpace(res.ID)
	if res.ID == "" {
		return domain.ErrInvalidInput
	}
	if !res.Kind.Valid() {
		return domain.ErrResourceKindInvalid
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[res.ID] = res
	return nil
}

// UpsertTrip добавляет или заменяет рейс.
func (r *FleetRepository) UpsertTrip(trip domain.Trip) error {
	if strings.TrimSpace(trip.ID) == "" {
		return domain.ErrInvalidInput
	}
	if err := trip.Interval().Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.trips[trip.ID] = trip
	return nil
}

func (r *FleetRepository) GetResource(_ context.Context, id string) (domain.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, ok := r.resources[strings.TrimSpace(id)]
	if !ok {
		return domain.Resource{}, domain.ErrResourceNotFound
	}
	return res, nil
}

func (r *FleetRepository) ListResources(_ context.Context, kind domain.ResourceKind) ([]domain.Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Resource, 0, len(r.resources))
	for _, res := range r.resources {
		if res.Kind == kind {
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListOccupyingTrips не фильтрует по интервалу: пересечение проверяет детектор.
func (r *FleetRepository) ListOccupyingTrips(_ context.Context, kind domain.ResourceKind, resourceID string, _ domain.Interval) ([]domain.Trip, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Trip, 0)
	for _, trip := range r.trips {
		if !trip.Status.Occupies() || !trip.AssignedTo(kind, resourceID) {
			continue
		}
		out = append(out, trip)
	}
	domain.SortTrips(out)
	return out, nil
}

var _ domain.FleetRepository = (*FleetRepository)(nil)
