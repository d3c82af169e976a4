package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

func decrease(partID string, n int64, refID string, at time.Time) domain.StockMutation {
	return domain.StockMutation{
		PartID:      partID,
		ChangeType:  domain.ChangeDecrease,
		Qty:         qty(n),
		Reference:   domain.Reference{Kind: domain.ReferenceMaintenanceOrder, ID: refID},
		ActorID:     "mechanic-1",
		At:          at,
		DedupWindow: 5 * time.Minute,
	}
}

func TestInventoryStore_PostgresApplyMutation(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	inv := NewInventoryStore(store)
	ctx := context.Background()
	seedPart(t, inv, "P1", 10)
	at := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

	entry, err := inv.ApplyMutation(ctx, decrease("P1", 4, "MO-1", at))
	if err != nil {
		t.Fatalf("apply decrease: %v", err)
	}
	if !entry.PreviousStock.Equal(qty(10)) || !entry.NewStock.Equal(qty(6)) || !entry.Delta.Equal(qty(-4)) {
		t.Fatalf("unexpected entry: %+v", entry)
	}

	if _, err := inv.ApplyMutation(ctx, decrease("P1", 4, "MO-1", at.Add(time.Minute))); !errors.Is(err, domain.ErrDuplicateOperation) {
		t.Fatalf("expected duplicate within window, got %v", err)
	}
	if _, err := inv.ApplyMutation(ctx, decrease("P1", 7, "MO-2", at)); !errors.Is(err, domain.ErrNegativeStockGuard) {
		t.Fatalf("expected negative stock guard, got %v", err)
	}
	// Отказ откатывает ключ: та же ссылка с допустимым количеством проходит.
	if _, err := inv.ApplyMutation(ctx, decrease("P1", 1, "MO-2", at)); err != nil {
		t.Fatalf("apply after rejected attempt: %v", err)
	}
	if _, err := inv.ApplyMutation(ctx, decrease("P404", 1, "MO-3", at)); !errors.Is(err, domain.ErrPartNotFound) {
		t.Fatalf("expected ErrPartNotFound, got %v", err)
	}

	if _, err := inv.ApplyMutation(ctx, decrease("P1", 1, "MO-1", at.Add(6*time.Minute))); err != nil {
		t.Fatalf("same reference after window expiry: %v", err)
	}

	part, err := inv.GetPart(ctx, "P1")
	if err != nil {
		t.Fatalf("get part: %v", err)
	}
	if !part.Stock.Equal(qty(4)) {
		t.Fatalf("expected stock 4, got %s", part.Stock)
	}

	entries, err := inv.ListEntries(ctx, domain.AuditQuery{PartID: "P1"})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
	byRef, err := inv.ListEntries(ctx, domain.AuditQuery{Reference: domain.Reference{Kind: domain.ReferenceMaintenanceOrder, ID: "MO-1"}})
	if err != nil {
		t.Fatalf("list by reference: %v", err)
	}
	if len(byRef) != 2 {
		t.Fatalf("expected 2 entries for MO-1, got %d", len(byRef))
	}
	ranged, err := inv.ListEntries(ctx, domain.AuditQuery{PartID: "P1", From: at.Add(time.Minute), To: at.Add(10 * time.Minute)})
	if err != nil {
		t.Fatalf("list by range: %v", err)
	}
	if len(ranged) != 1 {
		t.Fatalf("expected 1 entry in range, got %d", len(ranged))
	}

	got, err := inv.GetEntry(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if got.Reference != entry.Reference || !got.CreatedAt.Equal(at) {
		t.Fatalf("unexpected stored entry: %+v", got)
	}
	if _, err := inv.GetEntry(ctx, "missing"); !errors.Is(err, domain.ErrAuditEntryNotFound) {
		t.Fatalf("expected ErrAuditEntryNotFound, got %v", err)
	}
}

func TestInventoryStore_PostgresConcurrentDuplicates(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	inv := NewInventoryStore(store)
	seedPart(t, inv, "P1", 100)
	at := time.Now().UTC()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		applied    int
		duplicates int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inv.ApplyMutation(context.Background(), decrease("P1", 2, "MO-race", at))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case errors.Is(err, domain.ErrDuplicateOperation):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if applied != 1 || duplicates != 7 {
		t.Fatalf("expected exactly one applied mutation, got applied=%d duplicates=%d", applied, duplicates)
	}
}

func TestInventoryStore_PostgresDeleteExpiredGuards(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	inv := NewInventoryStore(store)
	ctx := context.Background()
	seedPart(t, inv, "P1", 10)
	at := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

	for _, ref := range []string{"MO-1", "MO-2", "MO-3"} {
		if _, err := inv.ApplyMutation(ctx, decrease("P1", 1, ref, at)); err != nil {
			t.Fatalf("apply %s: %v", ref, err)
		}
	}

	removed, err := inv.DeleteExpiredGuards(ctx, at.Add(time.Minute), 0)
	if err != nil {
		t.Fatalf("delete before expiry: %v", err)
	}
	if removed != 0 {
		t.Fatalf("live guards must stay, removed %d", removed)
	}

	removed, err = inv.DeleteExpiredGuards(ctx, at.Add(10*time.Minute), 2)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected batch of 2, got %d", removed)
	}
	removed, err = inv.DeleteExpiredGuards(ctx, at.Add(10*time.Minute), 0)
	if err != nil {
		t.Fatalf("delete rest: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 remaining guard, got %d", removed)
	}
}
