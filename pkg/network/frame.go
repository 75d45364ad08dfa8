package network

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// Frame is the only gRPC message type: an already encoded request, filter or
// inventory. frameCodec passes it through untouched.
type Frame struct {
	Data []byte
}

type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", v)
	}
	return f.Data, nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("unexpected message type %T", v)
	}
	f.Data = append([]byte(nil), data...)
	return nil
}

func (frameCodec) Name() string {
	return "datanet-frame"
}

// DataNetworkServer is the server side of the datanet.DataNetwork service.
type DataNetworkServer interface {
	Deliver(context.Context, *Frame) (*Frame, error)
	Inventory(context.Context, *Frame) (*Frame, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DataNetworkServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: unaryHandler(deliverMethod, DataNetworkServer.Deliver)},
		{MethodName: "Inventory", Handler: unaryHandler(inventoryMethod, DataNetworkServer.Inventory)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "datanet.proto",
}

type methodHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryHandler(fullMethod string, call func(DataNetworkServer, context.Context, *Frame) (*Frame, error)) methodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Frame)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DataNetworkServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DataNetworkServer), ctx, req.(*Frame))
		}
		return interceptor(ctx, in, info, handler)
	}
}
