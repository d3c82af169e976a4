package memory

import "github.com/vladislavdragonenkov/fleetalloc/internal/domain"

// GuardCount возвращает число живых ключей защиты от повторов.
func (s *InventoryStore) GuardCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.guards)
}

// AllPending возвращает все ожидающие события без ограничения пачки.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	var pending []domain.OutboxMessage
	r.eachPending(func(event *queuedEvent) bool {
		pending = append(pending, event.msg)
		return true
	})
	return pending
}
