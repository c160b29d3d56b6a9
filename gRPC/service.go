package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Hand-written service description; messages are generic structs so the
// service needs no generated code.

type FilamentServiceServer interface {
	Detect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Model(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

const (
	detectMethod   = "/" + ServiceName + "/Detect"
	modelMethod    = "/" + ServiceName + "/Model"
	shutdownMethod = "/" + ServiceName + "/Shutdown"
)

func RegisterFilamentServiceServer(s grpc.ServiceRegistrar, srv FilamentServiceServer) {
	s.RegisterService(&FilamentService_ServiceDesc, srv)
}

func unary[Req any, Resp any](method string, call func(FilamentServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(FilamentServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(FilamentServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var FilamentService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FilamentServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: unary(detectMethod, FilamentServiceServer.Detect)},
		{MethodName: "Model", Handler: unary(modelMethod, FilamentServiceServer.Model)},
		{MethodName: "Shutdown", Handler: unary(shutdownMethod, FilamentServiceServer.Shutdown)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "filament/v1/filament.proto",
}

type FilamentServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewFilamentServiceClient(cc grpc.ClientConnInterface) *FilamentServiceClient {
	return &FilamentServiceClient{cc: cc}
}

func (c *FilamentServiceClient) Detect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, detectMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FilamentServiceClient) Model(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, modelMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *FilamentServiceClient) Shutdown(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, shutdownMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
