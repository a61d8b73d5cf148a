package rpc

import (
	"context"

	"github.com/holiman/uint256"
	"google.golang.org/grpc"
)

const Resolver_Decrypt_FullMethodName = "/fhe.v1.Resolver/Decrypt"

type ResolverClient interface {
	Decrypt(ctx context.Context, in *DecryptRequest, opts ...grpc.CallOption) (*DecryptResponse, error)
}

type resolverClient struct {
	cc grpc.ClientConnInterface
}

func NewResolverClient(cc grpc.ClientConnInterface) ResolverClient {
	return &resolverClient{cc}
}

func (c *resolverClient) Decrypt(ctx context.Context, in *DecryptRequest, opts ...grpc.CallOption) (*DecryptResponse, error) {
	out := new(DecryptResponse)
	if err := c.cc.Invoke(ctx, Resolver_Decrypt_FullMethodName, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

type ResolverServer interface {
	Decrypt(context.Context, *DecryptRequest) (*DecryptResponse, error)
}

func RegisterResolverServer(s grpc.ServiceRegistrar, srv ResolverServer) {
	s.RegisterService(&Resolver_ServiceDesc, srv)
}

func _Resolver_Decrypt_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(DecryptRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ResolverServer).Decrypt(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: Resolver_Decrypt_FullMethodName,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ResolverServer).Decrypt(ctx, req.(*DecryptRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var Resolver_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "fhe.v1.Resolver",
	HandlerType: (*ResolverServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Decrypt", Handler: _Resolver_Decrypt_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fhe/v1/resolver.json",
}

// RemoteDecrypter adapts a ResolverClient to the worker's decrypter
// interface.
type RemoteDecrypter struct {
	client ResolverClient
}

func NewRemoteDecrypter(cc grpc.ClientConnInterface) *RemoteDecrypter {
	return &RemoteDecrypter{client: NewResolverClient(cc)}
}

func (d *RemoteDecrypter) Decrypt(ctx context.Context, requestID uint256.Int) (uint64, error) {
	resp, err := d.client.Decrypt(ctx, &DecryptRequest{RequestID: requestID.Dec()})
	if err != nil {
		return 0, err
	}
	return resp.Plaintext, nil
}
