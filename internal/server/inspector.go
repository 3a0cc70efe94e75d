package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// 訊息全部使用 protobuf well-known types，不需要另外產生程式碼
const (
	InspectorServiceName = "beaver.exec.v1.Inspector"

	inspectorStatusMethod       = "/beaver.exec.v1.Inspector/Status"
	inspectorBreakersMethod     = "/beaver.exec.v1.Inspector/Breakers"
	inspectorResetBreakerMethod = "/beaver.exec.v1.Inspector/ResetBreaker"
	inspectorEnqueueMethod      = "/beaver.exec.v1.Inspector/Enqueue"
)

// InspectorServer Inspector 服務端介面
type InspectorServer interface {
	// Status 任務統計與 Worker 數量
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// Breakers 所有熔斷器的快照
	Breakers(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// ResetBreaker 將指定熔斷器設回 CLOSED
	ResetBreaker(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// Enqueue 提交任務，請求格式為 {"jobs": [...]}
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterInspectorServer 將 srv 註冊到 gRPC 伺服器
func RegisterInspectorServer(s grpc.ServiceRegistrar, srv InspectorServer) {
	s.RegisterService(&inspectorServiceDesc, srv)
}

var inspectorServiceDesc = grpc.ServiceDesc{
	ServiceName: InspectorServiceName,
	HandlerType: (*InspectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: inspectorStatusHandler},
		{MethodName: "Breakers", Handler: inspectorBreakersHandler},
		{MethodName: "ResetBreaker", Handler: inspectorResetBreakerHandler},
		{MethodName: "Enqueue", Handler: inspectorEnqueueHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "beaver/exec/v1/inspector.proto",
}

func inspectorStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: inspectorStatusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InspectorServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func inspectorBreakersHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).Breakers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: inspectorBreakersMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InspectorServer).Breakers(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func inspectorResetBreakerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).ResetBreaker(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: inspectorResetBreakerMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InspectorServer).ResetBreaker(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func inspectorEnqueueHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).Enqueue(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: inspectorEnqueueMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InspectorServer).Enqueue(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// InspectorClient Inspector 客戶端
type InspectorClient struct {
	cc grpc.ClientConnInterface
}

func NewInspectorClient(cc grpc.ClientConnInterface) *InspectorClient {
	return &InspectorClient{cc: cc}
}

func (c *InspectorClient) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, inspectorStatusMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InspectorClient) Breakers(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, inspectorBreakersMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *InspectorClient) ResetBreaker(ctx context.Context, name string, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, inspectorResetBreakerMethod, wrapperspb.String(name), &emptypb.Empty{}, opts...)
}

// Enqueue jobs 的每個元素為 JSON 相容的 map（id、processor、payload、idempotent_key、timeout_ms）
func (c *InspectorClient) Enqueue(ctx context.Context, jobs []interface{}, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"jobs": jobs})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, inspectorEnqueueMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
