package grpcsvc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName — полное имя gRPC-сервиса распределения ресурсов.
const ServiceName = "fleet.v1.AllocationService"

const (
	MethodValidateTrip     = "ValidateTrip"
	MethodFindConflicts    = "FindConflicts"
	MethodFindAlternatives = "FindAlternatives"
	MethodValidateStock    = "ValidateStock"
	MethodAvailableStock   = "AvailableStock"
	MethodReserve          = "Reserve"
	MethodRelease          = "Release"
	MethodCommit           = "Commit"
	MethodRecordIncrease   = "RecordIncrease"
	MethodRecordDecrease   = "RecordDecrease"
	MethodReverse          = "Reverse"
	MethodGetEntry         = "GetEntry"
	MethodListEntries      = "ListEntries"
)

// FullMethod возвращает путь метода в формате /package.Service/Method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// AllocationServer — серверная сторона сервиса. Запросы и ответы передаются
// как google.protobuf.Struct, поля описаны DTO из messages.go.
type AllocationServer interface {
	ValidateTrip(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindConflicts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindAlternatives(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AvailableStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reserve(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Release(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Commit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordIncrease(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordDecrease(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reverse(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetEntry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListEntries(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structMethod func(AllocationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// AllocationServiceDesc описывает сервис для grpc.Server без сгенерированного кода.
var AllocationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AllocationServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc(MethodValidateTrip, AllocationServer.ValidateTrip),
		methodDesc(MethodFindConflicts, AllocationServer.FindConflicts),
		methodDesc(MethodFindAlternatives, AllocationServer.FindAlternatives),
		methodDesc(MethodValidateStock, AllocationServer.ValidateStock),
		methodDesc(MethodAvailableStock, AllocationServer.AvailableStock),
		methodDesc(MethodReserve, AllocationServer.Reserve),
		methodDesc(MethodRelease, AllocationServer.Release),
		methodDesc(MethodCommit, AllocationServer.Commit),
		methodDesc(MethodRecordIncrease, AllocationServer.RecordIncrease),
		methodDesc(MethodRecordDecrease, AllocationServer.RecordDecrease),
		methodDesc(MethodReverse, AllocationServer.Reverse),
		methodDesc(MethodGetEntry, AllocationServer.GetEntry),
		methodDesc(MethodListEntries, AllocationServer.ListEntries),
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterAllocationServiceServer регистрирует реализацию на сервере.
func RegisterAllocationServiceServer(s grpc.ServiceRegistrar, srv AllocationServer) {
	s.RegisterService(&AllocationServiceDesc, srv)
}

func methodDesc(name string, call structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AllocationServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AllocationServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
