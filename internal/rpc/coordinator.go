package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	Coordinator_SettlementCallback_FullMethodName = "/settlement.v1.Coordinator/SettlementCallback"
	Coordinator_WithdrawalCallback_FullMethodName = "/settlement.v1.Coordinator/WithdrawalCallback"
	Coordinator_TriggerTimeout_FullMethodName     = "/settlement.v1.Coordinator/TriggerTimeout"
)

// CoordinatorClient is the gateway-facing callback API of the coordinator.
type CoordinatorClient interface {
	SettlementCallback(ctx context.Context, in *SettlementCallbackRequest, opts ...grpc.CallOption) (*CallbackResponse, error)
	WithdrawalCallback(ctx context.Context, in *WithdrawalCallbackRequest, opts ...grpc.CallOption) (*CallbackResponse, error)
	TriggerTimeout(ctx context.Context, in *TriggerTimeoutRequest, opts ...grpc.CallOption) (*TriggerTimeoutResponse, error)
}

type coordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) CoordinatorClient {
	return &coordinatorClient{cc}
}

func (c *coordinatorClient) SettlementCallback(ctx context.Context, in *SettlementCallbackRequest, opts ...grpc.CallOption) (*CallbackResponse, error) {
	out := new(CallbackResponse)
	if err := c.cc.Invoke(ctx, Coordinator_SettlementCallback_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) WithdrawalCallback(ctx context.Context, in *WithdrawalCallbackRequest, opts ...grpc.CallOption) (*CallbackResponse, error) {
	out := new(CallbackResponse)
	if err := c.cc.Invoke(ctx, Coordinator_WithdrawalCallback_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinatorClient) TriggerTimeout(ctx context.Context, in *TriggerTimeoutRequest, opts ...grpc.CallOption) (*TriggerTimeoutResponse, error) {
	out := new(TriggerTimeoutResponse)
	if err := c.cc.Invoke(ctx, Coordinator_TriggerTimeout_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

// CoordinatorServer is implemented by the coordinator process.
type CoordinatorServer interface {
	SettlementCallback(context.Context, *SettlementCallbackRequest) (*CallbackResponse, error)
	WithdrawalCallback(context.Context, *WithdrawalCallbackRequest) (*CallbackResponse, error)
	TriggerTimeout(context.Context, *TriggerTimeoutRequest) (*TriggerTimeoutResponse, error)
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&Coordinator_ServiceDesc, srv)
}

func _Coordinator_SettlementCallback_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SettlementCallbackRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).SettlementCallback(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordinator_SettlementCallback_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).SettlementCallback(ctx, req.(*SettlementCallbackRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordinator_WithdrawalCallback_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(WithdrawalCallbackRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).WithdrawalCallback(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordinator_WithdrawalCallback_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).WithdrawalCallback(ctx, req.(*WithdrawalCallbackRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Coordinator_TriggerTimeout_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TriggerTimeoutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).TriggerTimeout(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Coordinator_TriggerTimeout_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).TriggerTimeout(ctx, req.(*TriggerTimeoutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var Coordinator_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "settlement.v1.Coordinator",
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SettlementCallback", Handler: _Coordinator_SettlementCallback_Handler},
		{MethodName: "WithdrawalCallback", Handler: _Coordinator_WithdrawalCallback_Handler},
		{MethodName: "TriggerTimeout", Handler: _Coordinator_TriggerTimeout_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "settlement/v1/coordinator.json",
}
