package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
)

// steppingClock выдаёт моменты с шагом в секунду, начиная с base.
func steppingClock(base time.Time) func() time.Time {
	next := base
	return func() time.Time {
		at := next
		next = next.Add(time.Second)
		return at
	}
}

func partEvent(partID, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: "spare_part",
		AggregateID:   partID,
		EventType:     eventType,
		Payload:       []byte(`{"part_id":"` + partID + `"}`),
	}
}

func TestOutboxRepository_QueueLifecycle(t *testing.T) {
	repo := NewOutboxRepository(openPostgresStoreForIntegrationTest(t))
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	repo.now = steppingClock(base)
	ctx := context.Background()

	generated, err := repo.Enqueue(ctx, partEvent("P1", "stock.increased"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if generated.ID == "" {
		t.Fatal("enqueue must assign an id")
	}

	fixed := partEvent("P2", "stock.decreased")
	fixed.ID = "ob-fixed"
	for range 2 {
		if stored, err := repo.Enqueue(ctx, fixed); err != nil || stored.ID != "ob-fixed" {
			t.Fatalf("enqueue fixed id: %+v %v", stored, err)
		}
	}

	empty := partEvent("P3", "stock.reserved")
	empty.Payload = nil
	if _, err := repo.Enqueue(ctx, empty); err != nil {
		t.Fatalf("enqueue without payload: %v", err)
	}

	pending, err := repo.PullPending(ctx, 0)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	var order []string
	for _, msg := range pending {
		order = append(order, msg.AggregateID)
	}
	if len(order) != 3 || order[0] != "P1" || order[1] != "P2" || order[2] != "P3" {
		t.Fatalf("pending must come oldest first without duplicates, got %v", order)
	}
	if string(pending[1].Payload) != `{"part_id":"P2"}` || len(pending[2].Payload) != 0 {
		t.Fatalf("payloads not preserved: %q %q", pending[1].Payload, pending[2].Payload)
	}

	if limited, err := repo.PullPending(ctx, 1); err != nil || len(limited) != 1 || limited[0].ID != generated.ID {
		t.Fatalf("limit must cap the batch: %+v %v", limited, err)
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 3 || !stats.OldestPendingAt.Equal(base) {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if err := repo.MarkSent(ctx, generated.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := repo.MarkFailed(ctx, "ob-fixed"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	stats, err = repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats after settle: %v", err)
	}
	if stats.PendingCount != 1 || !stats.OldestPendingAt.Equal(base.Add(3*time.Second)) {
		t.Fatalf("settled messages must leave the queue: %+v", stats)
	}
}

func TestOutboxRepository_EmptyQueue(t *testing.T) {
	repo := NewOutboxRepository(openPostgresStoreForIntegrationTest(t))
	ctx := context.Background()

	pending, err := repo.PullPending(ctx, 10)
	if err != nil || len(pending) != 0 {
		t.Fatalf("empty queue: %v %v", pending, err)
	}
	stats, err := repo.Stats(ctx)
	if err != nil || stats.PendingCount != 0 || !stats.OldestPendingAt.IsZero() {
		t.Fatalf("empty stats: %+v %v", stats, err)
	}

	for name, settle := range map[string]func(context.Context, string) error{
		"sent":   repo.MarkSent,
		"failed": repo.MarkFailed,
	} {
		if err := settle(ctx, "missing-outbox"); !errors.Is(err, domain.ErrOutboxPublish) {
			t.Fatalf("mark %s on missing id: expected ErrOutboxPublish, got %v", name, err)
		}
	}
}
