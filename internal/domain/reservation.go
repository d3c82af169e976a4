package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ReservationItem — строка запроса на резерв.
type ReservationItem struct {
	PartID string
	Qty    decimal.Decimal
}

// Validate проверяет строку резерва.
func (i ReservationItem) Validate() error {
	if i.PartID == "" {
		return ErrPartIDRequired
	}
	return ValidateQuantity(i.Qty)
}

// Reservation — временное удержание остатков под многошаговую операцию.
// Lines хранит удерживаемое количество по каждой запчасти.
type Reservation struct {
	ID        string
	Lines     map[string]decimal.Decimal
	CreatedAt time.Time
}

// PartIDs возвращает идентификаторы запчастей в каноническом порядке.
func (r Reservation) PartIDs() []string {
	ids := make([]string, 0, len(r.Lines))
	for id := range r.Lines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HoldRequest — атомарная попытка удержать количество под резерв.
// PhysicalStock передаётся вызывающим, хранилище сверяет его с уже удержанным.
type HoldRequest struct {
	ReservationID string
	PartID        string
	Qty           decimal.Decimal
	PhysicalStock decimal.Decimal
}

// HoldOutcome — результат попытки удержания.
// Available — доступный остаток на момент проверки, до применения удержания.
type HoldOutcome struct {
	Held      bool
	Available decimal.Decimal
}
