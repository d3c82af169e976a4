package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// ReservationStore хранит резервы в той же базе, что и остатки. TryHold
// блокирует строку запчасти и сверяет запрос со свежим остатком, поэтому
// PhysicalStock из запроса не используется.
type ReservationStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewReservationStore создаёт PostgreSQL-реализацию ReservationStore.
func NewReservationStore(store *Store) *ReservationStore {
	return &ReservationStore{
		db:  store.DB(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *ReservationStore) TryHold(ctx context.Context, req domain.HoldRequest) (domain.HoldOutcome, error) {
	if strings.TrimSpace(req.ReservationID) == "" {
		return domain.HoldOutcome{}, domain.ErrInvalidInput
	}
	if err := (domain.ReservationItem{PartID: req.PartID, Qty: req.Qty}).Validate(); err != nil {
		return domain.HoldOutcome{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var outcome domain.HoldOutcome
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		var stock decimal.Decimal
		err := tx.QueryRowContext(ctx, `
			SELECT stock FROM spare_parts WHERE id = $1 FOR UPDATE
		`, req.PartID).Scan(&stock)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrPartNotFound
			}
			return fmt.Errorf("lock spare part %s: %w", req.PartID, err)
		}

		var reserved decimal.Decimal
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(qty), 0) FROM reservation_lines WHERE part_id = $1
		`, req.PartID).Scan(&reserved); err != nil {
			return fmt.Errorf("sum reserved for %s: %w", req.PartID, err)
		}

		outcome.Available = stock.Sub(reserved)
		if outcome.Available.LessThan(req.Qty) {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservations (id, created_at) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
		`, req.ReservationID, s.now()); err != nil {
			return fmt.Errorf("insert reservation %s: %w", req.ReservationID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO reservation_lines (reservation_id, part_id, qty) VALUES ($1, $2, $3)
			ON CONFLICT (reservation_id, part_id) DO UPDATE
			SET qty = reservation_lines.qty + EXCLUDED.qty
		`, req.ReservationID, req.PartID, req.Qty); err != nil {
			return fmt.Errorf("insert reservation line %s/%s: %w", req.ReservationID, req.PartID, err)
		}
		outcome.Held = true
		return nil
	})
	if err != nil {
		return domain.HoldOutcome{}, err
	}
	return outcome, nil
}

func (s *ReservationStore) ReservedQuantity(ctx context.Context, partID string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var reserved decimal.Decimal
	if err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(qty), 0) FROM reservation_lines WHERE part_id = $1
	`, partID).Scan(&reserved); err != nil {
		return decimal.Zero, fmt.Errorf("sum reserved for %s: %w", partID, err)
	}
	return reserved, nil
}

func (s *ReservationStore) Get(ctx context.Context, reservationID string) (domain.Reservation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res := domain.Reservation{ID: reservationID, Lines: make(map[string]decimal.Decimal)}
	err := s.db.QueryRowContext(ctx, `
		SELECT created_at FROM reservations WHERE id = $1
	`, reservationID).Scan(&res.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Reservation{}, domain.ErrReservationNotFound
		}
		return domain.Reservation{}, fmt.Errorf("get reservation %s: %w", reservationID, err)
	}
	res.CreatedAt = res.CreatedAt.UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT part_id, qty FROM reservation_lines WHERE reservation_id = $1
	`, reservationID)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("get reservation lines %s: %w", reservationID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			partID string
			qty    decimal.Decimal
		)
		if err := rows.Scan(&partID, &qty); err != nil {
			return domain.Reservation{}, fmt.Errorf("scan reservation line: %w", err)
		}
		res.Lines[partID] = qty
	}
	if err := rows.Err(); err != nil {
		return domain.Reservation{}, fmt.Errorf("iterate reservation lines: %w", err)
	}
	return res, nil
}

// ReleaseLine снимает строку; резерв без строк удаляется.
func (s *ReservationStore) ReleaseLine(ctx context.Context, reservationID, partID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM reservation_lines WHERE reservation_id = $1 AND part_id = $2
		`, reservationID, partID); err != nil {
			return fmt.Errorf("release line %s/%s: %w", reservationID, partID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM reservations r
			WHERE r.id = $1
			  AND NOT EXISTS (SELECT 1 FROM reservation_lines l WHERE l.reservation_id = r.id)
		`, reservationID); err != nil {
			return fmt.Errorf("drop empty reservation %s: %w", reservationID, err)
		}
		return nil
	})
}

func (s *ReservationStore) Delete(ctx context.Context, reservationID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM reservations WHERE id = $1`, reservationID); err != nil {
		return fmt.Errorf("delete reservation %s: %w", reservationID, err)
	}
	return nil
}

var _ domain.ReservationStore = (*ReservationStore)(nil)
