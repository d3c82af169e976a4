package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// FleetRepository даёт доступ только на чтение к транспорту, водителям и рейсам.
// Записи принадлежат внешнему учёту парка.
type FleetRepository interface {
	// GetResource возвращает ресурс или ErrResourceNotFound.
	GetResource(ctx context.Context, id string) (Resource, error)
	// ListResources возвращает все ресурсы данного вида.
	ListResources(ctx context.Context, kind ResourceKind) ([]Resource, error)
	// ListOccupyingTrips возвращает рейсы в статусе planned/in_progress, назначенные
	// на ресурс. Хранилище может предварительно отфильтровать по интервалу.
	ListOccupyingTrips(ctx context.Context, kind ResourceKind, resourceID string, iv Interval) ([]Trip, error)
}

// PartRepository читает карточки запчастей.
type PartRepository interface {
	// GetPart возвращает запчасть или ErrPartNotFound.
	GetPart(ctx context.Context, id string) (SparePart, error)
	// ListParts возвращает все запчасти, упорядоченные по ID.
	ListParts(ctx context.Context) ([]SparePart, error)
}

// ReservationStore хранит активные резервы. Реализация внедряется явно
// и должна выполнять проверку и удержание атомарно.
type ReservationStore interface {
	// TryHold удерживает количество, если доступный остаток не меньше запрошенного.
	TryHold(ctx context.Context, req HoldRequest) (HoldOutcome, error)
	// ReservedQuantity суммирует удержания по запчасти во всех активных резервах.
	ReservedQuantity(ctx context.Context, partID string) (decimal.Decimal, error)
	// Get возвращает резерв или ErrReservationNotFound.
	Get(ctx context.Context, reservationID string) (Reservation, error)
	// ReleaseLine снимает удержание одной строки резерва.
	ReleaseLine(ctx context.Context, reservationID, partID string) error
	// Delete снимает резерв целиком. Неизвестный ID не является ошибкой.
	Delete(ctx context.Context, reservationID string) error
}

// StockLedgerStore применяет изменения остатков вместе с записью журнала.
type StockLedgerStore interface {
	// ApplyMutation в одной транзакции занимает ключ защиты от повторов, блокирует
	// строку запчасти, меняет остаток и пишет одну запись журнала.
	// Возвращает ErrDuplicateOperation, ErrNegativeStockGuard или ErrPartNotFound.
	ApplyMutation(ctx context.Context, m StockMutation) (AuditEntry, error)
	// GetEntry возвращает запись журнала или ErrAuditEntryNotFound.
	GetEntry(ctx context.Context, id string) (AuditEntry, error)
	// ListEntries возвращает записи по фильтру в порядке создания.
	ListEntries(ctx context.Context, q AuditQuery) ([]AuditEntry, error)
	// DeleteExpiredGuards удаляет просроченные ключи защиты от повторов.
	DeleteExpiredGuards(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxPublisher публикует события, накопленные в outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
// Запись идёт отдельно от транзакции изменения остатка: событие может
// потеряться, запись журнала нет.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}
