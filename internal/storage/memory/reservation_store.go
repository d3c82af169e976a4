package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// ReservationStore — in-memory хранилище резервов. Проверка доступного остатка
// и удержание выполняются под одной блокировкой.
type ReservationStore struct {
	mu           sync.Mutex
	reservations map[string]*domain.Reservation
	reserved     map[string]decimal.Decimal
}

// NewReservationStore создаёт пустое хранилище резервов.
func NewReservationStore() *ReservationStore {
	return &ReservationStore{
		reservations: make(map[string]*domain.Reservation),
		reserved:     make(map[string]decimal.Decimal),
	}
}

func (s *ReservationStore) TryHold(_ context.Context, req domain.HoldRequest) (domain.HoldOutcome, error) {
	if strings.TrimSpace(req.ReservationID) == "" {
		return domain.HoldOutcome{}, domain.ErrInvalidInput
	}
	if err := (domain.ReservationItem{PartID: req.PartID, Qty: req.Qty}).Validate(); err != nil {
		return domain.HoldOutcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	available := req.PhysicalStock.Sub(s.reserved[req.PartID])
	if available.LessThan(req.Qty) {
		return domain.HoldOutcome{Held: false, Available: available}, nil
	}

	res, ok := s.reservations[req.ReservationID]
	if !ok {
		res = &domain.Reservation{
			ID:        req.ReservationID,
			Lines:     make(map[string]decimal.Decimal),
			CreatedAt: time.Now().UTC(),
		}
		s.reservations[req.ReservationID] = res
	}
	res.Lines[req.PartID] = res.Lines[req.PartID].Add(req.Qty)
	s.reserved[req.PartID] = s.reserved[req.PartID].Add(req.Qty)

	return domain.HoldOutcome{Held: true, Available: available}, nil
}

func (s *ReservationStore) ReservedQuantity(_ context.Context, partID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved[partID], nil
}

func (s *ReservationStore) Get(_ context.Context, reservationID string) (domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	return cloneReservation(*res), nil
}

func (s *ReservationStore) ReleaseLine(_ context.Context, reservationID, partID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return nil
	}
	s.releaseLineLocked(res, partID)
	if len(res.Lines) == 0 {
		delete(s.reservations, reservationID)
	}
	return nil
}

func (s *ReservationStore) Delete(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return nil
	}
	for partID := range res.Lines {
		s.releaseLineLocked(res, partID)
	}
	delete(s.reservations, reservationID)
	return nil
}

func (s *ReservationStore) releaseLineLocked(res *domain.Reservation, partID string) {
	qty, ok := res.Lines[partID]
	if !ok {
		return
	}
	delete(res.Lines, partID)

	left := s.reserved[partID].Sub(qty)
	if !left.IsPositive() {
		delete(s.reserved, partID)
		return
	}
	s.reserved[partID] = left
}

func cloneReservation(src domain.Reservation) domain.Reservation {
	dst := src
	dst.Lines = make(map[string]decimal.Decimal, len(src.Lines))
	for k, v := range src.Lines {
		dst.Lines[k] = v
	}
	return dst
}

var _ domain.ReservationStore = (*ReservationStore)(nil)
