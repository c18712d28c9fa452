// ============================================================================
// buildd Control Service - 管理介面 (gRPC)
// ============================================================================
//
// Package: internal/control
// 文件: service.go
// 功能: 讓 CLI 查詢執行中 daemon 的狀態、要求 drain、立即重送 replay queue
//
// 服務: buildd.control.v1.Control
//   - Status (Empty) → Struct   目前 slot / job / replay 積壓
//   - Drain  (Empty) → Empty    停止 claim，進行中的建置繼續
//   - Replay (Empty) → Struct   {"delivered": N}
//
// 訊息全部使用 protobuf well-known types (emptypb / structpb)，
// 不需要產生程式碼；Status 以 JSON 形狀放進 Struct。
//
// ============================================================================

package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName = "buildd.control.v1.Control"

	statusMethod = "/" + ServiceName + "/Status"
	drainMethod  = "/" + ServiceName + "/Drain"
	replayMethod = "/" + ServiceName + "/Replay"
)

// ControlServer is the server API for the Control service.
type ControlServer interface {
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Drain(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Replay(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&Control_ServiceDesc, srv)
}

func _Control_Status_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: statusMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Status(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Drain_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Drain(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: drainMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Drain(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Control_Replay_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Replay(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: replayMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Replay(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Control_ServiceDesc is the grpc.ServiceDesc for the Control service.
var Control_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: _Control_Status_Handler},
		{MethodName: "Drain", Handler: _Control_Drain_Handler},
		{MethodName: "Replay", Handler: _Control_Replay_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "buildd/control/v1/control.proto",
}
