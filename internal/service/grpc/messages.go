package grpcsvc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/ledger"
)

// Количества передаются строками ("2.5"), время в RFC 3339.

type TripValidationRequest struct {
	VehicleID     string    `json:"vehicle_id"`
	OperatorID    string    `json:"operator_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	ExcludeTripID string    `json:"exclude_trip_id,omitempty"`
}

type ValidationResponse struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors"`
	Warnings    []string `json:"warnings"`
	Suggestions []string `json:"suggestions"`
}

type ConflictRequest struct {
	Kind          string    `json:"kind"`
	ResourceID    string    `json:"resource_id"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	ExcludeTripID string    `json:"exclude_trip_id,omitempty"`
}

type TripView struct {
	ID         string    `json:"id"`
	VehicleID  string    `json:"vehicle_id"`
	OperatorID string    `json:"operator_id"`
	Route      string    `json:"route,omitempty"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Status     string    `json:"status"`
}

type ConflictResponse struct {
	Conflicts []TripView `json:"conflicts"`
}

type AlternativesRequest struct {
	Kind          string    `json:"kind"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	ExcludeTripID string    `json:"exclude_trip_id,omitempty"`
}

type ResourceView struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Status string `json:"status"`
	Name   string `json:"name,omitempty"`
}

type AlternativesResponse struct {
	Resources []ResourceView `json:"resources"`
}

type StockCheckRequest struct {
	PartID string          `json:"part_id"`
	Qty    decimal.Decimal `json:"qty"`
}

type AvailabilityRequest struct {
	PartID string `json:"part_id"`
}

type AvailabilityResponse struct {
	PartID    string          `json:"part_id"`
	Available decimal.Decimal `json:"available"`
}

type ItemView struct {
	PartID string          `json:"part_id"`
	Qty    decimal.Decimal `json:"qty"`
}

type FailedItemView struct {
	PartID    string          `json:"part_id"`
	Qty       decimal.Decimal `json:"qty"`
	Available decimal.Decimal `json:"available"`
	Reason    string          `json:"reason"`
}

type ReserveRequest struct {
	ReservationID string     `json:"reservation_id,omitempty"`
	Items         []ItemView `json:"items"`
}

type ReserveResponse struct {
	Success       bool             `json:"success"`
	Partial       bool             `json:"partial"`
	ReservationID string           `json:"reservation_id"`
	Reserved      []ItemView       `json:"reserved"`
	Failed        []FailedItemView `json:"failed"`
}

type ReleaseRequest struct {
	ReservationID string `json:"reservation_id"`
}

type ReleaseResponse struct{}

type CommitRequest struct {
	ReservationID string `json:"reservation_id"`
	ActorID       string `json:"actor_id"`
}

type CommitResponse struct {
	Committed bool `json:"committed"`
}

type ReferenceView struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type MutationRequest struct {
	PartID    string          `json:"part_id"`
	Qty       decimal.Decimal `json:"qty"`
	Reference ReferenceView   `json:"reference"`
	ActorID   string          `json:"actor_id"`
}

type ReverseRequest struct {
	EntryID string `json:"entry_id"`
	ActorID string `json:"actor_id"`
}

type EntryView struct {
	ID            string          `json:"id"`
	PartID        string          `json:"part_id"`
	ChangeType    string          `json:"change_type"`
	Delta         decimal.Decimal `json:"delta"`
	PreviousStock decimal.Decimal `json:"previous_stock"`
	NewStock      decimal.Decimal `json:"new_stock"`
	Reference     ReferenceView   `json:"reference"`
	ActorID       string          `json:"actor_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

type MutationResponse struct {
	Applied   bool       `json:"applied"`
	Duplicate bool       `json:"duplicate"`
	Entry     *EntryView `json:"entry,omitempty"`
}

type EntryRequest struct {
	EntryID string `json:"entry_id"`
}

type EntriesRequest struct {
	PartID    string         `json:"part_id,omitempty"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Reference *ReferenceView `json:"reference,omitempty"`
	Limit     int            `json:"limit,omitempty"`
}

type EntriesResponse struct {
	Entries []EntryView `json:"entries"`
}

// toStruct кодирует DTO в google.protobuf.Struct через JSON.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("convert %T to struct: %w", v, err)
	}
	return out, nil
}

// fromStruct декодирует Struct в DTO. Неизвестные поля отклоняются.
func fromStruct(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

func toValidationResponse(r domain.ValidationResult) ValidationResponse {
	return ValidationResponse{
		Valid:       r.Valid,
		Errors:      r.Errors,
		Warnings:    r.Warnings,
		Suggestions: r.Suggestions,
	}
}

func toTripView(t domain.Trip) TripView {
	return TripView{
		ID:         t.ID,
		VehicleID:  t.VehicleID,
		OperatorID: t.OperatorID,
		Route:      t.Route,
		Start:      t.Start.UTC(),
		End:        t.End.UTC(),
		Status:     string(t.Status),
	}
}

func toResourceView(r domain.Resource) ResourceView {
	return ResourceView{ID: r.ID, Kind: string(r.Kind), Status: r.Status, Name: r.Name}
}

func toReserveResponse(r domain.ReservationResult) ReserveResponse {
	out := ReserveResponse{
		Success:       r.Success,
		Partial:       r.Partial(),
		ReservationID: r.ReservationID,
		Reserved:      make([]ItemView, 0, len(r.ReservedItems)),
		Failed:        make([]FailedItemView, 0, len(r.FailedItems)),
	}
	for _, line := range r.ReservedItems {
		out.Reserved = append(out.Reserved, ItemView{PartID: line.PartID, Qty: line.Qty})
	}
	for _, line := range r.FailedItems {
		out.Failed = append(out.Failed, FailedItemView{
			PartID:    line.PartID,
			Qty:       line.Qty,
			Available: line.Available,
			Reason:    line.Reason,
		})
	}
	return out
}

func toEntryView(e domain.AuditEntry) EntryView {
	return EntryView{
		ID:            e.ID,
		PartID:        e.PartID,
		ChangeType:    string(e.ChangeType),
		Delta:         e.Delta,
		PreviousStock: e.PreviousStock,
		NewStock:      e.NewStock,
		Reference:     ReferenceView{Kind: string(e.Reference.Kind), ID: e.Reference.ID},
		ActorID:       e.ActorID,
		CreatedAt:     e.CreatedAt.UTC(),
	}
}

func toMutationResponse(o ledger.MutationOutcome) MutationResponse {
	out := MutationResponse{Applied: o.Applied, Duplicate: o.Duplicate}
	if o.Entry.ID != "" {
		entry := toEntryView(o.Entry)
		out.Entry = &entry
	}
	return out
}

func (r ReferenceView) toDomain() domain.Reference {
	return domain.Reference{Kind: domain.ReferenceKind(r.Kind), ID: r.ID}
}
