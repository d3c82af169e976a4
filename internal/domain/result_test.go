package domain

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidationResult(t *testing.T) {
	r := NewValidationResult()
	if !r.Valid {
		t.Fatal("new result must be valid")
	}

	r.AddWarning("low stock")
	r.AddSuggestion("restock")
	if !r.Valid {
		t.Fatal("warnings and suggestions must not invalidate result")
	}

	r.AddError("conflict")
	if r.Valid || len(r.Errors) != 1 {
		t.Fatalf("unexpected result after AddError: %+v", r)
	}
}

func TestValidationResultMerge(t *testing.T) {
	a := NewValidationResult()
	a.AddWarning("w1")
	b := NewValidationResult()
	b.AddError("e1")
	b.AddSuggestion("s1")

	merged := a.Merge(b)
	if merged.Valid {
		t.Fatal("merge with invalid result must be invalid")
	}
	if len(merged.Errors) != 1 || len(merged.Warnings) != 1 || len(merged.Suggestions) != 1 {
		t.Fatalf("unexpected merge: %+v", merged)
	}
	if !a.Valid || len(a.Errors) != 0 {
		t.Fatal("merge must not mutate the receiver")
	}
}

func TestReservationResultPartial(t *testing.T) {
	one := decimal.NewFromInt(1)
	r := ReservationResult{
		ReservedItems: []ReservedLine{{PartID: "P1", Qty: one}},
		FailedItems:   []FailedLine{{PartID: "P2", Qty: one, Reason: "insufficient stock"}},
	}
	if !r.Partial() {
		t.Fatal("expected partial result")
	}
	r.FailedItems = nil
	if r.Partial() {
		t.Fatal("fully reserved result is not partial")
	}
}
