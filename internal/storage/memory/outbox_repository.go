package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

type outboxState uint8

const (
	outboxPending outboxState = iota
	outboxSent
	outboxFailed
)

type queuedEvent struct {
	msg      domain.OutboxMessage
	state    outboxState
	attempts int
	queuedAt time.Time
}

// OutboxRepository держит очередь outbox в памяти процесса. События
// выдаются в порядке постановки.
type OutboxRepository struct {
	mu    sync.RWMutex
	queue []*queuedEvent
	byID  map[string]*queuedEvent
	now   func() time.Time
}

// NewOutboxRepository создаёт пустую очередь.
func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{byID: make(map[string]*queuedEvent), now: time.Now}
}

// Enqueue ставит событие в очередь. Повтор с тем же ID возвращает сохранённое событие.
func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if existing, ok := r.byID[msg.ID]; ok {
		return existing.msg, nil
	}
	event := &queuedEvent{msg: msg, queuedAt: r.now().UTC()}
	r.byID[msg.ID] = event
	r.queue = append(r.queue, event)
	return msg, nil
}

// PullPending возвращает до limit ожидающих событий, не меняя их состояние.
func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	var batch []domain.OutboxMessage
	r.eachPending(func(event *queuedEvent) bool {
		batch = append(batch, event.msg)
		return len(batch) < limit
	})
	return batch, nil
}

// Stats считает ожидающие события.
func (r *OutboxRepository) Stats(context.Context) (domain.OutboxStats, error) {
	var stats domain.OutboxStats
	r.eachPending(func(event *queuedEvent) bool {
		if stats.PendingCount == 0 {
			stats.OldestPendingAt = event.queuedAt
		}
		stats.PendingCount++
		return true
	})
	return stats, nil
}

// eachPending обходит ожидающие события в порядке постановки, пока fn возвращает true.
func (r *OutboxRepository) eachPending(fn func(*queuedEvent) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, event := range r.queue {
		if event.state == outboxPending && !fn(event) {
			return
		}
	}
}

// MarkSent снимает событие с очереди после публикации.
func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, outboxSent)
}

// MarkFailed снимает событие с очереди после исчерпания попыток.
func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.settle(id, outboxFailed)
}

func (r *OutboxRepository) settle(id string, state outboxState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("%w: outbox %s not found", domain.ErrOutboxPublish, id)
	}
	event.state = state
	event.attempts++
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
