package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	"github.com/vladislavdragonenkov/fleetalloc/internal/storage/memory"
)

func jan(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

func span(from, to int) domain.Interval {
	return domain.Interval{Start: jan(from), End: jan(to)}
}

// looseFleet возвращает все рейсы без фильтрации, как грубый индекс хранилища.
type looseFleet struct {
	resources []domain.Resource
	trips     []domain.Trip
	err       error
}

func (f *looseFleet) GetResource(_ context.Context, id string) (domain.Resource, error) {
	if f.err != nil {
		return domain.Resource{}, f.err
	}
	for _, r := range f.resources {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.Resource{}, domain.ErrResourceNotFound
}

func (f *looseFleet) ListResources(_ context.Context, kind domain.ResourceKind) ([]domain.Resource, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.Resource, 0)
	for _, r := range f.resources {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *looseFleet) ListOccupyingTrips(context.Context, domain.ResourceKind, string, domain.Interval) ([]domain.Trip, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]domain.Trip(nil), f.trips...), nil
}

func newFleet(t *testing.T, resources []domain.Resource, trips []domain.Trip) *memory.FleetRepository {
	t.Helper()
	fleet := memory.NewFleetRepository()
	for _, r := range resources {
		require.NoError(t, fleet.UpsertResource(r))
	}
	for _, trip := range trips {
		require.NoError(t, fleet.UpsertTrip(trip))
	}
	return fleet
}

func TestConflictDetector_Boundaries(t *testing.T) {
	fleet := newFleet(t, nil, []domain.Trip{
		{ID: "T1", VehicleID: "V1", OperatorID: "O1", Start: jan(1), End: jan(5), Status: domain.TripStatusPlanned},
	})
	detector := NewConflictDetector(fleet)

	tests := []struct {
		name string
		iv   domain.Interval
		want int
	}{
		{name: "identical", iv: span(1, 5), want: 1},
		{name: "touching end", iv: span(5, 9), want: 1},
		{name: "touching start", iv: domain.Interval{Start: jan(1).AddDate(0, 0, -3), End: jan(1)}, want: 1},
		{name: "contained", iv: span(3, 4), want: 1},
		{name: "containing", iv: span(1, 20), want: 1},
		{name: "disjoint", iv: span(6, 9), want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := detector.FindConflicts(context.Background(), ConflictQuery{
				Kind:       domain.ResourceKindVehicle,
				ResourceID: "V1",
				Interval:   tt.iv,
			})
			require.NoError(t, err)
			require.Len(t, got, tt.want)
		})
	}
}

func TestConflictDetector_ExcludeAndStatus(t *testing.T) {
	fleet := newFleet(t, nil, []domain.Trip{
		{ID: "T1", VehicleID: "V1", OperatorID: "O1", Start: jan(1), End: jan(5), Status: domain.TripStatusPlanned},
		{ID: "T2", VehicleID: "V1", OperatorID: "O2", Start: jan(2), End: jan(3), Status: domain.TripStatusCompleted},
		{ID: "T3", VehicleID: "V1", OperatorID: "O3", Start: jan(4), End: jan(6), Status: domain.TripStatusInProgress},
	})
	detector := NewConflictDetector(fleet)

	got, err := detector.FindConflicts(context.Background(), ConflictQuery{
		Kind:       domain.ResourceKindVehicle,
		ResourceID: "V1",
		Interval:   span(1, 10),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "T1", got[0].ID)
	require.Equal(t, "T3", got[1].ID)

	got, err = detector.FindConflicts(context.Background(), ConflictQuery{
		Kind:          domain.ResourceKindVehicle,
		ResourceID:    "V1",
		Interval:      span(1, 10),
		ExcludeTripID: "T1",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "T3", got[0].ID)
}

func TestConflictDetector_RechecksStorageResults(t *testing.T) {
	fleet := &looseFleet{trips: []domain.Trip{
		{ID: "other-vehicle", VehicleID: "V2", OperatorID: "O1", Start: jan(1), End: jan(5), Status: domain.TripStatusPlanned},
		{ID: "cancelled", VehicleID: "V1", OperatorID: "O1", Start: jan(1), End: jan(5), Status: domain.TripStatusCancelled},
		{ID: "later", VehicleID: "V1", OperatorID: "O1", Start: jan(20), End: jan(25), Status: domain.TripStatusPlanned},
		{ID: "hit", VehicleID: "V1", OperatorID: "O1", Start: jan(2), End: jan(3), Status: domain.TripStatusPlanned},
	}}
	detector := NewConflictDetector(fleet)

	got, err := detector.FindConflicts(context.Background(), ConflictQuery{
		Kind:       domain.ResourceKindVehicle,
		ResourceID: "V1",
		Interval:   span(1, 5),
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "hit", got[0].ID)
}

func TestConflictDetector_InvalidInput(t *testing.T) {
	detector := NewConflictDetector(memory.NewFleetRepository())
	ctx := context.Background()

	_, err := detector.FindConflicts(ctx, ConflictQuery{Kind: domain.ResourceKindVehicle, ResourceID: "V1", Interval: span(5, 1)})
	require.ErrorIs(t, err, domain.ErrIntervalInvalid)

	_, err = detector.FindConflicts(ctx, ConflictQuery{Kind: "boat", ResourceID: "V1", Interval: span(1, 5)})
	require.ErrorIs(t, err, domain.ErrResourceKindInvalid)

	_, err = detector.FindConflicts(ctx, ConflictQuery{Kind: domain.ResourceKindVehicle, Interval: span(1, 5)})
	require.True(t, domain.IsInvalidInput(err))
}

func TestConflictDetector_StorageFailure(t *testing.T) {
	boom := errors.New("connection refused")
	detector := NewConflictDetector(&looseFleet{err: boom})

	_, err := detector.FindConflicts(context.Background(), ConflictQuery{
		Kind:       domain.ResourceKindOperator,
		ResourceID: "O1",
		Interval:   span(1, 5),
	})
	require.ErrorIs(t, err, boom)
}
