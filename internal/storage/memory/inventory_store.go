package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// InventoryStore хранит запчасти, журнал остатков и ключи защиты от повторов.
// Один мьютекс сериализует изменения, что эквивалентно блокировке строки.
type InventoryStore struct {
	mu      sync.RWMutex
	parts   map[string]domain.SparePart
	entries []domain.AuditEntry
	guards  map[domain.MutationKey]time.Time
	now     func() time.Time
}

// NewInventoryStore создаёт пустой склад.
func NewInventoryStore() *InventoryStore {
	return &InventoryStore{
		parts:  make(map[string]domain.SparePart),
		guards: make(map[domain.MutationKey]time.Time),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// AddPart заводит карточку запчасти с начальным остатком.
func (s *InventoryStore) AddPart(part domain.SparePart) error {
	part.ID = strings.TrimSpace(part.ID)
	if part.ID == "" {
		return domain.ErrPartIDRequired
	}
	if part.Stock.IsNegative() {
		return domain.ErrQuantityInvalid
	}
	if err := domain.CheckQuantityScale(part.Stock); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.parts[part.ID]; ok {
		return domain.ErrInvalidInput
	}
	s.parts[part.ID] = part
	return nil
}

func (s *InventoryStore) GetPart(_ context.Context, id string) (domain.SparePart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	part, ok := s.parts[strings.TrimSpace(id)]
	if !ok {
		return domain.SparePart{}, domain.ErrPartNotFound
	}
	return part, nil
}

func (s *InventoryStore) ListParts(_ context.Context) ([]domain.SparePart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.SparePart, 0, len(s.parts))
	for _, p := range s.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InventoryStore) ApplyMutation(_ context.Context, m domain.StockMutation) (domain.AuditEntry, error) {
	if err := m.Validate(); err != nil {
		return domain.AuditEntry{}, err
	}
	at := m.At
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := m.Key()
	if expiresAt, ok := s.guards[key]; ok && expiresAt.After(at) {
		return domain.AuditEntry{}, domain.ErrDuplicateOperation
	}

	part, ok := s.parts[m.PartID]
	if !ok {
		return domain.AuditEntry{}, domain.ErrPartNotFound
	}

	newStock, delta, err := m.Apply(part.Stock)
	if err != nil {
		return domain.AuditEntry{}, err
	}

	entry := domain.AuditEntry{
		ID:            uuid.NewString(),
		PartID:        part.ID,
		ChangeType:    m.ChangeType,
		Delta:         delta,
		PreviousStock: part.Stock,
		NewStock:      newStock,
		Reference:     m.Reference,
		ActorID:       m.ActorID,
		CreatedAt:     at,
	}

	part.Stock = newStock
	s.parts[part.ID] = part
	s.entries = append(s.entries, entry)
	if m.DedupWindow > 0 {
		s.guards[key] = at.Add(m.DedupWindow)
	}

	return entry, nil
}

func (s *InventoryStore) GetEntry(_ context.Context, id string) (domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return domain.AuditEntry{}, domain.ErrAuditEntryNotFound
}

func (s *InventoryStore) ListEntries(_ context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEntry, 0)
	for _, e := range s.entries {
		if !q.Matches(e) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *InventoryStore) DeleteExpiredGuards(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, expiresAt := range s.guards {
		if expiresAt.After(before) {
			continue
		}
		delete(s.guards, key)
		removed++
		if limit > 0 && removed >= limit {
			break
		}
	}
	return removed, nil
}

var (
	_ domain.PartRepository   = (*InventoryStore)(nil)
	_ domain.StockLedgerStore = (*InventoryStore)(nil)
)
