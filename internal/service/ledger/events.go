package ledger

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// Типы событий журнала, публикуемые через outbox.
const (
	EventStockIncreased = "stock.increased"
	EventStockDecreased = "stock.decreased"

	aggregateSparePart = "spare_part"
)

// StockChangedEvent — полезная нагрузка события об изменении остатка.
type StockChangedEvent struct {
	EntryID       string          `json:"entry_id"`
	PartID        string          `json:"part_id"`
	ChangeType    string          `json:"change_type"`
	Delta         decimal.Decimal `json:"delta"`
	PreviousStock decimal.Decimal `json:"previous_stock"`
	NewStock      decimal.Decimal `json:"new_stock"`
	ReferenceKind string          `json:"reference_kind"`
	ReferenceID   string          `json:"reference_id"`
	ActorID       string          `json:"actor_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func newOutboxMessage(entry domain.AuditEntry) (domain.OutboxMessage, error) {
	payload, err := json.Marshal(StockChangedEvent{
		EntryID:       entry.ID,
		PartID:        entry.PartID,
		ChangeType:    string(entry.ChangeType),
		Delta:         entry.Delta,
		PreviousStock: entry.PreviousStock,
		NewStock:      entry.NewStock,
		ReferenceKind: string(entry.Reference.Kind),
		ReferenceID:   entry.Reference.ID,
		ActorID:       entry.ActorID,
		OccurredAt:    entry.CreatedAt,
	})
	if err != nil {
		return domain.OutboxMessage{}, err
	}

	eventType := EventStockIncreased
	if entry.ChangeType == domain.ChangeDecrease {
		eventType = EventStockDecreased
	}

	return domain.OutboxMessage{
		// ID записи журнала делает постановку в outbox идемпотентной.
		ID:            entry.ID,
		AggregateType: aggregateSparePart,
		AggregateID:   entry.PartID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
