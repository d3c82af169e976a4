package scheduling

import (
	"context"
	"fmt"
	"sort"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// DefaultAlternativesLimit — сколько свободных ресурсов предлагать.
const DefaultAlternativesLimit = 5

// AlternativeFinder подбирает свободные активные ресурсы на интервал.
// Перебор ресурсов с проверкой каждого рассчитан на небольшой парк.
type AlternativeFinder struct {
	fleet    domain.FleetRepository
	detector *ConflictDetector
	limit    int
}

// NewAlternativeFinder создаёт поисковик. limit <= 0 означает значение по умолчанию.
func NewAlternativeFinder(fleet domain.FleetRepository, detector *ConflictDetector, limit int) *AlternativeFinder {
	if limit <= 0 {
		limit = DefaultAlternativesLimit
	}
	return &AlternativeFinder{fleet: fleet, detector: detector, limit: limit}
}

// FindAvailable возвращает до limit активных ресурсов вида kind без конфликтов,
// упорядоченных по ID.
func (f *AlternativeFinder) FindAvailable(ctx context.Context, kind domain.ResourceKind, iv domain.Interval, excludeTripID string) ([]domain.Resource, error) {
	if !kind.Valid() {
		return nil, domain.ErrResourceKindInvalid
	}
	if err := iv.Validate(); err != nil {
		return nil, err
	}

	pool, err := f.fleet.ListResources(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s pool: %w", kind, err)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].ID < pool[j].ID })

	out := make([]domain.Resource, 0, f.limit)
	for _, res := range pool {
		if !res.IsActive() {
			continue
		}
		conflicts, err := f.detector.FindConflicts(ctx, ConflictQuery{
			Kind:          kind,
			ResourceID:    res.ID,
			Interval:      iv,
			ExcludeTripID: excludeTripID,
		})
		if err != nil {
			return nil, err
		}
		if len(conflicts) > 0 {
			continue
		}
		out = append(out, res)
		if len(out) >= f.limit {
			break
		}
	}
	return out, nil
}
