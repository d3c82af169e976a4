package scheduling

import (
	"context"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// ConflictQuery описывает проверяемое назначение ресурса на интервал.
type ConflictQuery struct {
	Kind          domain.ResourceKind
	ResourceID    string
	Interval      domain.Interval
	ExcludeTripID string
}

// ConflictDetector ищет рейсы, которые занимают ресурс и пересекаются с интервалом.
type ConflictDetector struct {
	fleet domain.FleetRepository
}

// NewConflictDetector создаёт детектор поверх справочника парка.
func NewConflictDetector(fleet domain.FleetRepository) *ConflictDetector {
	return &ConflictDetector{fleet: fleet}
}

// FindConflicts возвращает рейсы в статусе planned/in_progress, назначенные на ресурс,
// кроме исключённого, чей интервал пересекается с запрошенным. Границы включаются.
// Результат упорядочен по началу рейса.
func (d *ConflictDetector) FindConflicts(ctx context.Context, q ConflictQuery) ([]domain.Trip, error) {
	if !q.Kind.Valid() {
		return nil, domain.ErrResourceKindInvalid
	}
	if strings.TrimSpace(q.ResourceID) == "" {
		return nil, fmt.Errorf("%w: resource id is required", domain.ErrInvalidInput)
	}
	if err := q.Interval.Validate(); err != nil {
		return nil, err
	}

	candidates, err := d.fleet.ListOccupyingTrips(ctx, q.Kind, q.ResourceID, q.Interval)
	if err != nil {
		return nil, fmt.Errorf("list trips for %s %s: %w", q.Kind, q.ResourceID, err)
	}

	// Хранилище могло отфильтровать грубо, поэтому условие проверяется заново.
	conflicts := make([]domain.Trip, 0, len(candidates))
	for _, trip := range candidates {
		if trip.ID == q.ExcludeTripID && q.ExcludeTripID != "" {
			continue
		}
		if !trip.Status.Occupies() || !trip.AssignedTo(q.Kind, q.ResourceID) {
			continue
		}
		if !trip.Interval().Overlaps(q.Interval) {
			continue
		}
		conflicts = append(conflicts, trip)
	}
	domain.SortTrips(conflicts)
	return conflicts, nil
}
