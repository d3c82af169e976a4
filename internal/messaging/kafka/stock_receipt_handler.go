package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/ledger"
)

// DefaultReceiptActor — автор записи журнала, если поступление его не указало.
const DefaultReceiptActor = "system:stock-consumer"

// StockIncreaser приходует запчасти через журнал.
type StockIncreaser interface {
	RecordIncrease(ctx context.Context, partID string, qty decimal.Decimal, ref domain.Reference, actorID string) (ledger.MutationOutcome, error)
}

// NewStockReceiptHandler возвращает обработчик TopicStockReceipts. Повторная
// доставка того же поступления гасится защитой журнала от повторов.
// Ошибки данных (нет запчасти, неверное количество) считаются poison.
func NewStockReceiptHandler(increaser StockIncreaser, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "stock-receipt-handler")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseStockReceivedEvent(message)
		if err != nil {
			return err
		}

		actor := strings.TrimSpace(event.ActorID)
		if actor == "" {
			actor = DefaultReceiptActor
		}
		ref := domain.Reference{Kind: domain.ReferenceStockReceipt, ID: strings.TrimSpace(event.ReceiptID)}
		entry := logger.WithFields(log.Fields{
			"receipt_id": ref.ID,
			"part_id":    event.PartID,
			"qty":        event.Qty.String(),
		})

		outcome, err := increaser.RecordIncrease(ctx, strings.TrimSpace(event.PartID), event.Qty, ref, actor)
		if err != nil {
			if domain.IsNotFound(err) || domain.IsInvalidInput(err) {
				return fmt.Errorf("%w: %v", ErrPoisonMessage, err)
			}
			return fmt.Errorf("record stock receipt %s: %w", ref.ID, err)
		}
		if outcome.Duplicate {
			entry.Info("stock receipt already applied")
			return nil
		}

		entry.WithField("new_stock", outcome.Entry.NewStock.String()).Info("stock receipt applied")
		return nil
	}
}
