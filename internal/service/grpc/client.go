package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// AllocationClient — типизированный клиент поверх AllocationServiceDesc.
type AllocationClient struct {
	cc grpc.ClientConnInterface
}

// NewAllocationClient создаёт клиента на готовом соединении.
func NewAllocationClient(cc grpc.ClientConnInterface) *AllocationClient {
	return &AllocationClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, c *AllocationClient, method string, req any, opts ...grpc.CallOption) (Resp, error) {
	var resp Resp
	in, err := toStruct(req)
	if err != nil {
		return resp, status.Error(codes.InvalidArgument, err.Error())
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return resp, err
	}
	if err := fromStruct(out, &resp); err != nil {
		return resp, status.Error(codes.Internal, err.Error())
	}
	return resp, nil
}

func (c *AllocationClient) ValidateTrip(ctx context.Context, req TripValidationRequest, opts ...grpc.CallOption) (ValidationResponse, error) {
	return invoke[ValidationResponse](ctx, c, MethodValidateTrip, req, opts...)
}

func (c *AllocationClient) FindConflicts(ctx context.Context, req ConflictRequest, opts ...grpc.CallOption) (ConflictResponse, error) {
	return invoke[ConflictResponse](ctx, c, MethodFindConflicts, req, opts...)
}

func (c *AllocationClient) FindAlternatives(ctx context.Context, req AlternativesRequest, opts ...grpc.CallOption) (AlternativesResponse, error) {
	return invoke[AlternativesResponse](ctx, c, MethodFindAlternatives, req, opts...)
}

func (c *AllocationClient) ValidateStock(ctx context.Context, req StockCheckRequest, opts ...grpc.CallOption) (ValidationResponse, error) {
	return invoke[ValidationResponse](ctx, c, MethodValidateStock, req, opts...)
}

func (c *AllocationClient) AvailableStock(ctx context.Context, req AvailabilityRequest, opts ...grpc.CallOption) (AvailabilityResponse, error) {
	return invoke[AvailabilityResponse](ctx, c, MethodAvailableStock, req, opts...)
}

func (c *AllocationClient) Reserve(ctx context.Context, req ReserveRequest, opts ...grpc.CallOption) (ReserveResponse, error) {
	return invoke[ReserveResponse](ctx, c, MethodReserve, req, opts...)
}

func (c *AllocationClient) Release(ctx context.Context, req ReleaseRequest, opts ...grpc.CallOption) error {
	_, err := invoke[ReleaseResponse](ctx, c, MethodRelease, req, opts...)
	return err
}

func (c *AllocationClient) Commit(ctx context.Context, req CommitRequest, opts ...grpc.CallOption) (CommitResponse, error) {
	return invoke[CommitResponse](ctx, c, MethodCommit, req, opts...)
}

func (c *AllocationClient) RecordIncrease(ctx context.Context, req MutationRequest, opts ...grpc.CallOption) (MutationResponse, error) {
	return invoke[MutationResponse](ctx, c, MethodRecordIncrease, req, opts...)
}

func (c *AllocationClient) RecordDecrease(ctx context.Context, req MutationRequest, opts ...grpc.CallOption) (MutationResponse, error) {
	return invoke[MutationResponse](ctx, c, MethodRecordDecrease, req, opts...)
}

func (c *AllocationClient) Reverse(ctx context.Context, req ReverseRequest, opts ...grpc.CallOption) (MutationResponse, error) {
	return invoke[MutationResponse](ctx, c, MethodReverse, req, opts...)
}

func (c *AllocationClient) GetEntry(ctx context.Context, req EntryRequest, opts ...grpc.CallOption) (EntryView, error) {
	return invoke[EntryView](ctx, c, MethodGetEntry, req, opts...)
}

func (c *AllocationClient) ListEntries(ctx context.Context, req EntriesRequest, opts ...grpc.CallOption) (EntriesResponse, error) {
	return invoke[EntriesResponse](ctx, c, MethodListEntries, req, opts...)
}
