package grpcsvc

import (
	"context"
	"errors"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/fleetalloc/internal/domain"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/ledger"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/scheduling"
	"github.com/vladislavdragonenkov/fleetalloc/internal/service/stock"
)

const (
	defaultListEntriesLimit = 100
	maxListEntriesLimit     = 1000
)

// Services — прикладные сервисы, которые AllocationService выставляет наружу.
type Services struct {
	Trips        *scheduling.TripValidator
	Conflicts    *scheduling.ConflictDetector
	Alternatives *scheduling.AlternativeFinder
	Stock        *stock.Validator
	Reservations *stock.ReservationManager
	Ledger       *ledger.Ledger
}

// AllocationService реализует gRPC API проверки назначений и учёта запчастей.
type AllocationService struct {
	svc    Services
	logger *log.Entry
}

var _ AllocationServer = (*AllocationService)(nil)

// NewAllocationService конструирует сервис с зависимостями.
func NewAllocationService(svc Services, logger *log.Entry) *AllocationService {
	if logger == nil {
		logger = log.New().WithField("component", "allocation-service")
	}
	return &AllocationService{svc: svc, logger: logger}
}

// ValidateTrip проверяет назначение транспорта и водителя на интервал.
func (s *AllocationService) ValidateTrip(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req TripValidationRequest) (ValidationResponse, error) {
		result, err := s.svc.Trips.Validate(ctx, scheduling.TripAssignment{
			VehicleID:     strings.TrimSpace(req.VehicleID),
			OperatorID:    strings.TrimSpace(req.OperatorID),
			Interval:      domain.Interval{Start: req.Start, End: req.End},
			ExcludeTripID: strings.TrimSpace(req.ExcludeTripID),
		})
		if err != nil {
			return ValidationResponse{}, s.statusError(MethodValidateTrip, err)
		}
		return toValidationResponse(result), nil
	})
}

// FindConflicts возвращает рейсы, занимающие ресурс на интервале.
func (s *AllocationService) FindConflicts(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req ConflictRequest) (ConflictResponse, error) {
		trips, err := s.svc.Conflicts.FindConflicts(ctx, scheduling.ConflictQuery{
			Kind:          domain.ResourceKind(strings.TrimSpace(req.Kind)),
			ResourceID:    strings.TrimSpace(req.ResourceID),
			Interval:      domain.Interval{Start: req.Start, End: req.End},
			ExcludeTripID: strings.TrimSpace(req.ExcludeTripID),
		})
		if err != nil {
			return ConflictResponse{}, s.statusError(MethodFindConflicts, err)
		}
		out := ConflictResponse{Conflicts: make([]TripView, 0, len(trips))}
		for _, trip := range trips {
			out.Conflicts = append(out.Conflicts, toTripView(trip))
		}
		return out, nil
	})
}

// FindAlternatives подбирает свободные активные ресурсы вида kind.
func (s *AllocationService) FindAlternatives(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req AlternativesRequest) (AlternativesResponse, error) {
		resources, err := s.svc.Alternatives.FindAvailable(ctx,
			domain.ResourceKind(strings.TrimSpace(req.Kind)),
			domain.Interval{Start: req.Start, End: req.End},
			strings.TrimSpace(req.ExcludeTripID))
		if err != nil {
			return AlternativesResponse{}, s.statusError(MethodFindAlternatives, err)
		}
		out := AlternativesResponse{Resources: make([]ResourceView, 0, len(resources))}
		for _, res := range resources {
			out.Resources = append(out.Resources, toResourceView(res))
		}
		return out, nil
	})
}

// ValidateStock проверяет, можно ли взять количество запчасти.
func (s *AllocationService) ValidateStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req StockCheckRequest) (ValidationResponse, error) {
		result, err := s.svc.Stock.Validate(ctx, req.PartID, req.Qty)
		if err != nil {
			return ValidationResponse{}, s.statusError(MethodValidateStock, err)
		}
		return toValidationResponse(result), nil
	})
}

// AvailableStock возвращает остаток за вычетом резервов.
func (s *AllocationService) AvailableStock(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req AvailabilityRequest) (AvailabilityResponse, error) {
		partID := strings.TrimSpace(req.PartID)
		if partID == "" {
			return AvailabilityResponse{}, status.Error(codes.InvalidArgument, "part_id is required")
		}
		available, err := s.svc.Stock.Available(ctx, partID)
		if err != nil {
			return AvailabilityResponse{}, s.statusError(MethodAvailableStock, err)
		}
		return AvailabilityResponse{PartID: partID, Available: available}, nil
	})
}

// Reserve удерживает строки резерва. Частичный результат не является ошибкой.
func (s *AllocationService) Reserve(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req ReserveRequest) (ReserveResponse, error) {
		if len(req.Items) == 0 {
			return ReserveResponse{}, status.Error(codes.InvalidArgument, "reservation must contain at least one item")
		}
		items := make([]domain.ReservationItem, 0, len(req.Items))
		for _, item := range req.Items {
			items = append(items, domain.ReservationItem{PartID: item.PartID, Qty: item.Qty})
		}
		result, err := s.svc.Reservations.Reserve(ctx, items, req.ReservationID)
		if err != nil {
			return ReserveResponse{}, s.statusError(MethodReserve, err)
		}
		return toReserveResponse(result), nil
	})
}

// Release снимает резерв. Неизвестный резерв не является ошибкой.
func (s *AllocationService) Release(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req ReleaseRequest) (ReleaseResponse, error) {
		if strings.TrimSpace(req.ReservationID) == "" {
			return ReleaseResponse{}, status.Error(codes.InvalidArgument, "reservation_id is required")
		}
		if err := s.svc.Reservations.Release(ctx, req.ReservationID); err != nil {
			return ReleaseResponse{}, s.statusError(MethodRelease, err)
		}
		return ReleaseResponse{}, nil
	})
}

// Commit списывает зарезервированные строки через журнал.
func (s *AllocationService) Commit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req CommitRequest) (CommitResponse, error) {
		if strings.TrimSpace(req.ReservationID) == "" {
			return CommitResponse{}, status.Error(codes.InvalidArgument, "reservation_id is required")
		}
		ok, err := s.svc.Reservations.Commit(ctx, req.ReservationID, req.ActorID)
		if err != nil {
			return CommitResponse{}, s.statusError(MethodCommit, err)
		}
		return CommitResponse{Committed: ok}, nil
	})
}

// RecordIncrease увеличивает остаток.
func (s *AllocationService) RecordIncrease(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req MutationRequest) (MutationResponse, error) {
		outcome, err := s.svc.Ledger.RecordIncrease(ctx, req.PartID, req.Qty, req.Reference.toDomain(), req.ActorID)
		if err != nil {
			return MutationResponse{}, s.statusError(MethodRecordIncrease, err)
		}
		return toMutationResponse(outcome), nil
	})
}

// RecordDecrease уменьшает остаток; отрицательный остаток отклоняется.
func (s *AllocationService) RecordDecrease(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req MutationRequest) (MutationResponse, error) {
		outcome, err := s.svc.Ledger.RecordDecrease(ctx, req.PartID, req.Qty, req.Reference.toDomain(), req.ActorID)
		if err != nil {
			return MutationResponse{}, s.statusError(MethodRecordDecrease, err)
		}
		return toMutationResponse(outcome), nil
	})
}

// Reverse сторнирует запись журнала.
func (s *AllocationService) Reverse(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req ReverseRequest) (MutationResponse, error) {
		if strings.TrimSpace(req.EntryID) == "" {
			return MutationResponse{}, status.Error(codes.InvalidArgument, "entry_id is required")
		}
		outcome, err := s.svc.Ledger.Reverse(ctx, req.EntryID, req.ActorID)
		if err != nil {
			return MutationResponse{}, s.statusError(MethodReverse, err)
		}
		return toMutationResponse(outcome), nil
	})
}

// GetEntry возвращает запись журнала по ID.
func (s *AllocationService) GetEntry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req EntryRequest) (EntryView, error) {
		id := strings.TrimSpace(req.EntryID)
		if id == "" {
			return EntryView{}, status.Error(codes.InvalidArgument, "entry_id is required")
		}
		entry, err := s.svc.Ledger.Entry(ctx, id)
		if err != nil {
			return EntryView{}, s.statusError(MethodGetEntry, err)
		}
		return toEntryView(entry), nil
	})
}

// ListEntries читает журнал по фильтру.
func (s *AllocationService) ListEntries(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return unary(ctx, in, func(ctx context.Context, req EntriesRequest) (EntriesResponse, error) {
		limit := req.Limit
		switch {
		case limit < 0:
			return EntriesResponse{}, status.Error(codes.InvalidArgument, "limit must be >= 0")
		case limit == 0:
			limit = defaultListEntriesLimit
		case limit > maxListEntriesLimit:
			limit = maxListEntriesLimit
		}

		q := domain.AuditQuery{
			PartID: strings.TrimSpace(req.PartID),
			From:   req.From,
			To:     req.To,
			Limit:  limit,
		}
		if req.Reference != nil {
			q.Reference = req.Reference.toDomain()
		}

		entries, err := s.svc.Ledger.Entries(ctx, q)
		if err != nil {
			return EntriesResponse{}, s.statusError(MethodListEntries, err)
		}
		out := EntriesResponse{Entries: make([]EntryView, 0, len(entries))}
		for _, e := range entries {
			out.Entries = append(out.Entries, toEntryView(e))
		}
		return out, nil
	})
}

// statusError переводит доменную ошибку в gRPC-статус. Сбои инфраструктуры
// логируются, клиенту уходит только код Internal.
func (s *AllocationService) statusError(method string, err error) error {
	switch domain.ErrorKind(err) {
	case "not_found":
		return status.Error(codes.NotFound, err.Error())
	case "invalid_input":
		return status.Error(codes.InvalidArgument, err.Error())
	case "negative_stock_guard", "insufficient_stock", "scheduling_conflict":
		return status.Error(codes.FailedPrecondition, err.Error())
	case "duplicate_operation":
		return status.Error(codes.AlreadyExists, err.Error())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	s.logger.WithError(err).WithField("method", method).Error("allocation request failed")
	return status.Error(codes.Internal, "internal error")
}

// unary декодирует запрос, вызывает fn и кодирует ответ.
func unary[Req, Resp any](ctx context.Context, in *structpb.Struct, fn func(context.Context, Req) (Resp, error)) (*structpb.Struct, error) {
	var req Req
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	resp, err := fn(ctx, req)
	if err != nil {
		return nil, err
	}
	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}
