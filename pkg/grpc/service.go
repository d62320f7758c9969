package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The device gateway carries google.protobuf.Struct messages so firmware can
// send the same JSON-shaped reading it posts over HTTP or MQTT.
const (
	DeviceGatewayServiceName = "smartplant.v1.DeviceGateway"
	PostReadingMethod        = "/" + DeviceGatewayServiceName + "/PostReading"
	StreamCommandsMethod     = "/" + DeviceGatewayServiceName + "/StreamCommands"
)

type DeviceGatewayServer interface {
	PostReading(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StreamCommands(*structpb.Struct, DeviceGateway_StreamCommandsServer) error
}

type DeviceGateway_StreamCommandsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type streamCommandsServer struct {
	grpc.ServerStream
}

func (x *streamCommandsServer) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

func postReadingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DeviceGatewayServer).PostReading(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: PostReadingMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DeviceGatewayServer).PostReading(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamCommandsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(DeviceGatewayServer).StreamCommands(in, &streamCommandsServer{stream})
}

var DeviceGatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: DeviceGatewayServiceName,
	HandlerType: (*DeviceGatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PostReading",
			Handler:    postReadingHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamCommands",
			Handler:       streamCommandsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "smartplant/v1/device_gateway.proto",
}

func RegisterDeviceGatewayServer(s grpc.ServiceRegistrar, srv DeviceGatewayServer) {
	s.RegisterService(&DeviceGatewayServiceDesc, srv)
}

type DeviceGatewayClient struct {
	cc grpc.ClientConnInterface
}

func NewDeviceGatewayClient(cc grpc.ClientConnInterface) *DeviceGatewayClient {
	return &DeviceGatewayClient{cc: cc}
}

func (c *DeviceGatewayClient) PostReading(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PostReadingMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type DeviceGateway_StreamCommandsClient interface {
	Recv() (*structpb.Struct, error)
	grpc.ClientStream
}

type streamCommandsClient struct {
	grpc.ClientStream
}

func (x *streamCommandsClient) Recv() (*structpb.Struct, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (c *DeviceGatewayClient) StreamCommands(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (DeviceGateway_StreamCommandsClient, error) {
	stream, err := c.cc.NewStream(ctx, &DeviceGatewayServiceDesc.Streams[0], StreamCommandsMethod, opts...)
	if err != nil {
		return nil, err
	}
	x := &streamCommandsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
