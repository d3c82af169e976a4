package stock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/ledger"
)

// StockDecreaser списывает остаток с записью в журнал. UsedRecently говорит,
// подавит ли защита от повторов списание с этой ссылкой.
type StockDecreaser interface {
	RecordDecrease(ctx context.Context, partID string, qty decimal.Decimal, ref domain.Reference, actorID string) (ledger.MutationOutcome, error)
	UsedRecently(ctx context.Context, ref domain.Reference) (bool, error)
}

// ReservationManager удерживает остатки под многошаговые операции и
// превращает удержания в списания.
type ReservationManager struct {
	parts        domain.PartRepository
	reservations domain.ReservationStore
	ledger       StockDecreaser
	opts         options
}

// NewReservationManager создаёт менеджер резервов.
func NewReservationManager(parts domain.PartRepository, reservations domain.ReservationStore, decreaser StockDecreaser, opts ...Option) *ReservationManager {
	return &ReservationManager{
		parts:        parts,
		reservations: reservations,
		ledger:       decreaser,
		opts:         buildOptions("reservation-manager", opts),
	}
}

// Reserve удерживает каждую строку независимо. Неудачная строка не откатывает
// уже удержанные: результат может быть частичным, и тогда вызывающий сам решает,
// вызывать ли Release. Пустой reservationID заменяется новым UUID.
// ID, по которому списание прошло внутри окна защиты от повторов, повторно
// не принимается: его Commit был бы подавлен. В этом случае ошибка
// оборачивает ErrDuplicateOperation.
// При сбое хранилища возвращается уже собранный результат вместе с ошибкой.
func (m *ReservationManager) Reserve(ctx context.Context, items []domain.ReservationItem, reservationID string) (result domain.ReservationResult, err error) {
	started := time.Now()
	defer func() { m.opts.metrics.RecordDuration("reserve", time.Since(started)) }()

	reservationID = strings.TrimSpace(reservationID)
	existed := false
	if reservationID == "" {
		reservationID = uuid.NewString()
	} else {
		_, err = m.reservations.Get(ctx, reservationID)
		switch {
		case err == nil:
			existed = true
		case !domain.IsNotFound(err):
			return domain.ReservationResult{ReservationID: reservationID}, fmt.Errorf("get reservation %s: %w", reservationID, err)
		}
		if !existed {
			if err := m.ensureNotCommitted(ctx, reservationID); err != nil {
				return domain.ReservationResult{ReservationID: reservationID}, err
			}
		}
	}

	result = domain.ReservationResult{ReservationID: reservationID}
	defer func() {
		result.Success = len(result.FailedItems) == 0 && len(result.ReservedItems) > 0
		if !existed && len(result.ReservedItems) > 0 {
			m.opts.metrics.ReservationOpened()
		}
	}()

	for _, item := range items {
		item.PartID = strings.TrimSpace(item.PartID)
		failed, lineErr := m.reserveLine(ctx, reservationID, item)
		if lineErr != nil {
			return result, lineErr
		}
		if failed != nil {
			result.FailedItems = append(result.FailedItems, *failed)
			m.opts.metrics.RecordReservationLine(false)
			continue
		}
		result.ReservedItems = append(result.ReservedItems, domain.ReservedLine{PartID: item.PartID, Qty: item.Qty})
		m.opts.metrics.RecordReservationLine(true)
	}

	if len(result.FailedItems) > 0 {
		m.opts.logger.WithFields(log.Fields{
			"reservation_id": reservationID,
			"reserved":       len(result.ReservedItems),
			"failed":         len(result.FailedItems),
			"partial":        result.Partial(),
		}).Info("reservation completed with failed lines")
	}
	return result, nil
}

func (m *ReservationManager) ensureNotCommitted(ctx context.Context, reservationID string) error {
	used, err := m.ledger.UsedRecently(ctx, commitReference(reservationID))
	if err != nil {
		return fmt.Errorf("check reservation %s: %w", reservationID, err)
	}
	if used {
		m.opts.logger.WithField("reservation_id", reservationID).Warn("reservation id reused within dedup window")
		return fmt.Errorf("%w: reservation %s was committed within the dedup window", domain.ErrDuplicateOperation, reservationID)
	}
	return nil
}

func commitReference(reservationID string) domain.Reference {
	return domain.Reference{Kind: domain.ReferenceReservation, ID: reservationID}
}

func (m *ReservationManager) reserveLine(ctx context.Context, reservationID string, item domain.ReservationItem) (*domain.FailedLine, error) {
	if err := item.Validate(); err != nil {
		return &domain.FailedLine{PartID: item.PartID, Qty: item.Qty, Reason: err.Error()}, nil
	}

	part, err := m.parts.GetPart(ctx, item.PartID)
	if err != nil {
		if domain.IsNotFound(err) {
			return &domain.FailedLine{PartID: item.PartID, Qty: item.Qty, Reason: fmt.Sprintf("Spare part %s not found", item.PartID)}, nil
		}
		return nil, fmt.Errorf("get part %s: %w", item.PartID, err)
	}

	outcome, err := m.reservations.TryHold(ctx, domain.HoldRequest{
		ReservationID: reservationID,
		PartID:        part.ID,
		Qty:           item.Qty,
		PhysicalStock: part.Stock,
	})
	if err != nil {
		return nil, fmt.Errorf("hold %s for %s: %w", part.ID, reservationID, err)
	}
	if outcome.Held {
		return nil, nil
	}

	available := outcome.Available
	if available.IsNegative() {
		available = decimal.Zero
	}
	return &domain.FailedLine{
		PartID:    part.ID,
		Qty:       item.Qty,
		Available: available,
		Reason: fmt.Sprintf("Insufficient stock for %s: available %s, requested %s",
			partLabel(part), available.String(), item.Qty.String()),
	}, nil
}

// Release снимает резерв. Неизвестный ID игнорируется.
func (m *ReservationManager) Release(ctx context.Context, reservationID string) error {
	reservationID = strings.TrimSpace(reservationID)
	if _, err := m.reservations.Get(ctx, reservationID); err != nil {
		if domain.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("get reservation %s: %w", reservationID, err)
	}

	if err := m.reservations.Delete(ctx, reservationID); err != nil {
		return fmt.Errorf("release reservation %s: %w", reservationID, err)
	}
	m.opts.metrics.ReservationClosed()
	m.opts.logger.WithField("reservation_id", reservationID).Debug("reservation released")
	return nil
}

// Commit списывает каждую строку резерва через журнал. Строки обрабатываются
// в порядке ID запчасти, каждая в своей транзакции; ошибка строки логируется,
// и обработка продолжается. Резерв снимается в любом случае. Возвращает true,
// только если все строки списаны этим вызовом: строка, подавленная защитой
// от повторов, остаток не двигала. Для неизвестного ID возвращает false без изменений.
func (m *ReservationManager) Commit(ctx context.Context, reservationID, actorID string) (bool, error) {
	started := time.Now()
	defer func() { m.opts.metrics.RecordDuration("commit", time.Since(started)) }()

	reservationID = strings.TrimSpace(reservationID)
	if strings.TrimSpace(actorID) == "" {
		return false, domain.ErrActorRequired
	}

	res, err := m.reservations.Get(ctx, reservationID)
	if err != nil {
		if domain.IsNotFound(err) {
			m.opts.metrics.RecordCommit("unknown")
			m.opts.logger.WithField("reservation_id", reservationID).Info("commit of unknown reservation ignored")
			return false, nil
		}
		return false, fmt.Errorf("get reservation %s: %w", reservationID, err)
	}

	ref := commitReference(res.ID)
	clean := true
	for _, partID := range res.PartIDs() {
		qty := res.Lines[partID]
		entry := m.opts.logger.WithFields(log.Fields{
			"reservation_id": res.ID,
			"part_id":        partID,
			"qty":            qty.String(),
		})

		outcome, err := m.ledger.RecordDecrease(ctx, partID, qty, ref, actorID)
		switch {
		case err != nil:
			clean = false
			entry.WithError(err).Warn("reservation line commit failed")
		case outcome.Duplicate:
			clean = false
			entry.Warn("reservation line suppressed as duplicate, stock not moved")
		}

		if err := m.reservations.ReleaseLine(ctx, res.ID, partID); err != nil {
			entry.WithError(err).Error("failed to release committed reservation line")
		}
	}

	if err := m.reservations.Delete(ctx, res.ID); err != nil {
		m.opts.logger.WithError(err).WithField("reservation_id", res.ID).Error("failed to drop reservation after commit")
	}
	m.opts.metrics.ReservationClosed()

	if clean {
		m.opts.metrics.RecordCommit("clean")
	} else {
		m.opts.metrics.RecordCommit("partial")
	}
	return clean, nil
}
