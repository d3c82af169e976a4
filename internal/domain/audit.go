package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferenceKind — источник изменения остатка. Набор закрыт, новые виды
// добавляются только здесь.
type ReferenceKind string

const (
	// ReferenceStockReceipt — поступление на склад (приходная накладная).
	ReferenceStockReceipt ReferenceKind = "stock_receipt"
	// ReferenceMaintenanceOrder — списание под заказ-наряд на обслуживание.
	ReferenceMaintenanceOrder ReferenceKind = "maintenance_order"
	// ReferenceReservation — списание при подтверждении резерва.
	ReferenceReservation ReferenceKind = "reservation"
	// ReferenceManualAdjustment — ручная корректировка остатка.
	ReferenceManualAdjustment ReferenceKind = "manual_adjustment"
	// ReferenceReversal — сторно ранее записанной операции, ID указывает на запись журнала.
	ReferenceReversal ReferenceKind = "reversal"
)

// Valid проверяет, что вид ссылки поддерживается.
func (k ReferenceKind) Valid() bool {
	switch k {
	case ReferenceStockReceipt, ReferenceMaintenanceOrder, ReferenceReservation,
		ReferenceManualAdjustment, ReferenceReversal:
		return true
	default:
		return false
	}
}

// Reference указывает, что вызвало изменение остатка.
type Reference struct {
	Kind ReferenceKind
	ID   string
}

// Validate возвращает ErrReferenceInvalid для пустой или неизвестной ссылки.
func (r Reference) Validate() error {
	if !r.Kind.Valid() || r.ID == "" {
		return ErrReferenceInvalid
	}
	return nil
}

// IsZero сообщает, что ссылка не задана.
func (r Reference) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

func (r Reference) String() string {
	return string(r.Kind) + ":" + r.ID
}

// ChangeType — направление изменения остатка.
type ChangeType string

const (
	ChangeIncrease ChangeType = "increase"
	ChangeDecrease ChangeType = "decrease"
)

// Opposite возвращает обратное направление (для сторно).
func (c ChangeType) Opposite() ChangeType {
	if c == ChangeIncrease {
		return ChangeDecrease
	}
	return ChangeIncrease
}

// Valid проверяет, что направление поддерживается.
func (c ChangeType) Valid() bool {
	return c == ChangeIncrease || c == ChangeDecrease
}

// AuditEntry — неизменяемая запись журнала остатков. Delta имеет знак.
type AuditEntry struct {
	ID            string
	PartID        string
	ChangeType    ChangeType
	Delta         decimal.Decimal
	PreviousStock decimal.Decimal
	NewStock      decimal.Decimal
	Reference     Reference
	ActorID       string
	CreatedAt     time.Time
}

// Quantity возвращает модуль изменения.
func (e AuditEntry) Quantity() decimal.Decimal {
	return e.Delta.Abs()
}

// AuditQuery — фильтр чтения журнала. Пустые поля не ограничивают выборку.
type AuditQuery struct {
	PartID    string
	From      time.Time
	To        time.Time
	Reference Reference
	Limit     int
}

// Matches проверяет запись по фильтру (границы по времени включительно).
func (q AuditQuery) Matches(e AuditEntry) bool {
	if q.PartID != "" && e.PartID != q.PartID {
		return false
	}
	if !q.From.IsZero() && e.CreatedAt.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.CreatedAt.After(q.To) {
		return false
	}
	if !q.Reference.IsZero() && e.Reference != q.Reference {
		return false
	}
	return true
}

// MutationKey — ключ защиты от повторов.
type MutationKey struct {
	PartID     string
	Reference  Reference
	ChangeType ChangeType
}

// StockMutation — запрос на изменение остатка. Qty всегда положительно,
// направление задаёт ChangeType.
type StockMutation struct {
	PartID      string
	ChangeType  ChangeType
	Qty         decimal.Decimal
	Reference   Reference
	ActorID     string
	At          time.Time
	DedupWindow time.Duration
}

// Key возвращает ключ защиты от повторов.
func (m StockMutation) Key() MutationKey {
	return MutationKey{PartID: m.PartID, Reference: m.Reference, ChangeType: m.ChangeType}
}

// Validate проверяет заполненность запроса.
func (m StockMutation) Validate() error {
	if m.PartID == "" {
		return ErrPartIDRequired
	}
	if err := ValidateQuantity(m.Qty); err != nil {
		return err
	}
	if !m.ChangeType.Valid() {
		return ErrInvalidInput
	}
	if err := m.Reference.Validate(); err != nil {
		return err
	}
	if m.ActorID == "" {
		return ErrActorRequired
	}
	return nil
}

// Apply вычисляет новый остаток. Уменьшение ниже нуля отклоняется.
func (m StockMutation) Apply(previous decimal.Decimal) (newStock, delta decimal.Decimal, err error) {
	if m.ChangeType == ChangeDecrease {
		if previous.LessThan(m.Qty) {
			return previous, decimal.Zero, ErrNegativeStockGuard
		}
		return previous.Sub(m.Qty), m.Qty.Neg(), nil
	}
	return previous.Add(m.Qty), m.Qty, nil
}
