package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestReferenceValidate(t *testing.T) {
	tests := []struct {
		name string
		ref  Reference
		ok   bool
	}{
		{name: "receipt", ref: Reference{Kind: ReferenceStockReceipt, ID: "GRN-1"}, ok: true},
		{name: "reversal", ref: Reference{Kind: ReferenceReversal, ID: "entry-1"}, ok: true},
		{name: "unknown kind", ref: Reference{Kind: "invoice", ID: "1"}},
		{name: "missing id", ref: Reference{Kind: ReferenceReservation}},
		{name: "zero", ref: Reference{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrReferenceInvalid) {
				t.Fatalf("expected ErrReferenceInvalid, got %v", err)
			}
		})
	}
}

func TestChangeTypeOpposite(t *testing.T) {
	if ChangeIncrease.Opposite() != ChangeDecrease || ChangeDecrease.Opposite() != ChangeIncrease {
		t.Fatal("Opposite() must swap direction")
	}
}

func TestStockMutationApply(t *testing.T) {
	ten := decimal.NewFromInt(10)

	inc := StockMutation{ChangeType: ChangeIncrease, Qty: decimal.NewFromInt(5)}
	newStock, delta, err := inc.Apply(ten)
	if err != nil || !newStock.Equal(decimal.NewFromInt(15)) || !delta.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("increase: got %s %s %v", newStock, delta, err)
	}

	dec := StockMutation{ChangeType: ChangeDecrease, Qty: decimal.NewFromInt(10)}
	newStock, delta, err = dec.Apply(ten)
	if err != nil || !newStock.IsZero() || !delta.Equal(decimal.NewFromInt(-10)) {
		t.Fatalf("decrease to zero: got %s %s %v", newStock, delta, err)
	}

	over := StockMutation{ChangeType: ChangeDecrease, Qty: decimal.NewFromInt(11)}
	newStock, _, err = over.Apply(ten)
	if !errors.Is(err, ErrNegativeStockGuard) {
		t.Fatalf("expected negative stock guard, got %v", err)
	}
	if !newStock.Equal(ten) {
		t.Fatalf("rejected decrease must keep previous stock, got %s", newStock)
	}
}

func TestStockMutationValidate(t *testing.T) {
	valid := StockMutation{
		PartID:     "P1",
		ChangeType: ChangeIncrease,
		Qty:        decimal.NewFromInt(1),
		Reference:  Reference{Kind: ReferenceStockReceipt, ID: "R1"},
		ActorID:    "user-1",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	noActor := valid
	noActor.ActorID = ""
	if !errors.Is(noActor.Validate(), ErrActorRequired) {
		t.Fatal("expected ErrActorRequired")
	}

	zero := valid
	zero.Qty = decimal.Zero
	if !errors.Is(zero.Validate(), ErrQuantityInvalid) {
		t.Fatal("expected ErrQuantityInvalid")
	}

	precise := valid
	precise.Qty = decimal.RequireFromString("0.0004")
	if !errors.Is(precise.Validate(), ErrQuantityScale) {
		t.Fatal("expected ErrQuantityScale: the stored row would be rounded")
	}

	badRef := valid
	badRef.Reference = Reference{Kind: "note", ID: "x"}
	if !errors.Is(badRef.Validate(), ErrReferenceInvalid) {
		t.Fatal("expected ErrReferenceInvalid")
	}

	badType := valid
	badType.ChangeType = "move"
	if !IsInvalidInput(badType.Validate()) {
		t.Fatal("expected invalid input for unknown change type")
	}
}

func TestAuditQueryMatches(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ref := Reference{Kind: ReferenceStockReceipt, ID: "R1"}
	entry := AuditEntry{PartID: "P1", Reference: ref, CreatedAt: at}

	tests := []struct {
		name string
		q    AuditQuery
		want bool
	}{
		{name: "empty", q: AuditQuery{}, want: true},
		{name: "part", q: AuditQuery{PartID: "P1"}, want: true},
		{name: "other part", q: AuditQuery{PartID: "P2"}, want: false},
		{name: "range inclusive", q: AuditQuery{From: at, To: at}, want: true},
		{name: "before range", q: AuditQuery{From: at.Add(time.Second)}, want: false},
		{name: "after range", q: AuditQuery{To: at.Add(-time.Second)}, want: false},
		{name: "reference", q: AuditQuery{Reference: ref}, want: true},
		{name: "other reference", q: AuditQuery{Reference: Reference{Kind: ReferenceStockReceipt, ID: "R2"}}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Matches(entry); got != tt.want {
				t.Fatalf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
