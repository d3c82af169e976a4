package domain

import (
	"sort"
	"time"
)

// ResourceKind различает транспорт и водителей.
type ResourceKind string

const (
	// ResourceKindVehicle — транспортное средство.
	ResourceKindVehicle ResourceKind = "vehicle"
	// ResourceKindOperator — водитель (оператор).
	ResourceKindOperator ResourceKind = "operator"
)

// Valid проверяет, что вид ресурса поддерживается.
func (k ResourceKind) Valid() bool {
	switch k {
	case ResourceKindVehicle, ResourceKindOperator:
		return true
	default:
		return false
	}
}

// ResourceStatusActive — статус ресурса, входящего в рабочий пул.
const ResourceStatusActive = "active"

// Resource — транспорт или водитель. Запись принадлежит внешнему учёту парка,
// здесь читаются только вид и статус.
type Resource struct {
	ID     string
	Kind   ResourceKind
	Status string
	Name   string
}

// IsActive сообщает, входит ли ресурс в активный пул.
func (r Resource) IsActive() bool {
	return r.Status == ResourceStatusActive
}

// TripStatus описывает жизненный цикл рейса.
type TripStatus string

const (
	TripStatusPlanned    TripStatus = "planned"
	TripStatusInProgress TripStatus = "in_progress"
	TripStatusCompleted  TripStatus = "completed"
	TripStatusCancelled  TripStatus = "cancelled"
)

// OccupyingTripStatuses — статусы, при которых рейс занимает ресурс.
var OccupyingTripStatuses = []TripStatus{TripStatusPlanned, TripStatusInProgress}

// Occupies сообщает, занимает ли рейс в этом статусе транспорт и водителя.
func (s TripStatus) Occupies() bool {
	return s == TripStatusPlanned || s == TripStatusInProgress
}

// Trip — рейс с назначенными транспортом и водителем.
type Trip struct {
	ID         string
	VehicleID  string
	OperatorID string
	Route      string
	Start      time.Time
	End        time.Time
	Status     TripStatus
}

// Interval возвращает интервал рейса.
func (t Trip) Interval() Interval {
	return Interval{Start: t.Start, End: t.End}
}

// AssignedTo сообщает, назначен ли ресурс данного вида на рейс.
func (t Trip) AssignedTo(kind ResourceKind, resourceID string) bool {
	switch kind {
	case ResourceKindVehicle:
		return t.VehicleID == resourceID
	case ResourceKindOperator:
		return t.OperatorID == resourceID
	default:
		return false
	}
}

// Interval — закрытый интервал [Start, End].
type Interval struct {
	Start time.Time
	End   time.Time
}

// NewInterval создаёт интервал и отклоняет конец раньше начала.
func NewInterval(start, end time.Time) (Interval, error) {
	iv := Interval{Start: start, End: end}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// Validate возвращает ErrIntervalInvalid, если конец раньше начала.
func (iv Interval) Validate() error {
	if iv.End.Before(iv.Start) {
		return ErrIntervalInvalid
	}
	return nil
}

// Overlaps — пересечение с включением границ: s1 <= e2 && s2 <= e1.
func (iv Interval) Overlaps(other Interval) bool {
	return !iv.Start.After(other.End) && !other.Start.After(iv.End)
}

// SortTrips упорядочивает рейсы по началу, затем по ID.
func SortTrips(trips []Trip) {
	sort.Slice(trips, func(i, j int) bool {
		if !trips[i].Start.Equal(trips[j].Start) {
			return trips[i].Start.Before(trips[j].Start)
		}
		return trips[i].ID < trips[j].ID
	})
}
