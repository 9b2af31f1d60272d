package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "venue.v1.OrderService"

// OrderServiceServer is the server side of venue.v1.OrderService. Every
// message is a google.protobuf.Struct.
type OrderServiceServer interface {
	PlaceOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateComposite(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCompositeStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type call func(OrderServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn call) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(OrderServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("PlaceOrder", OrderServiceServer.PlaceOrder),
		unary("CancelOrder", OrderServiceServer.CancelOrder),
		unary("GetOrder", OrderServiceServer.GetOrder),
		unary("CreateComposite", OrderServiceServer.CreateComposite),
		unary("GetCompositeStatus", OrderServiceServer.GetCompositeStatus),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "venue/v1/order_service.proto",
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls venue.v1.OrderService over any client connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PlaceOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "PlaceOrder", in, opts...)
}

func (c *Client) CancelOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CancelOrder", in, opts...)
}

func (c *Client) GetOrder(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetOrder", in, opts...)
}

func (c *Client) CreateComposite(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "CreateComposite", in, opts...)
}

func (c *Client) GetCompositeStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetCompositeStatus", in, opts...)
}
