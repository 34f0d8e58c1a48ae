package service

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "metasrv.MetaService"

// Full method names.
const (
	MethodHandshake       = "/" + serviceName + "/Handshake"
	MethodWrite           = "/" + serviceName + "/Write"
	MethodForward         = "/" + serviceName + "/Forward"
	MethodAppendEntries   = "/" + serviceName + "/AppendEntries"
	MethodInstallSnapshot = "/" + serviceName + "/InstallSnapshot"
	MethodVote            = "/" + serviceName + "/Vote"
	MethodGet             = "/" + serviceName + "/Get"
)

// MetaServiceServer is the server API of the metadata service.
type MetaServiceServer interface {
	Handshake(HandshakeServerStream) error
	Write(context.Context, *RaftRequest) (*RaftReply, error)
	Forward(context.Context, *RaftRequest) (*RaftReply, error)
	AppendEntries(context.Context, *RaftRequest) (*RaftReply, error)
	InstallSnapshot(context.Context, *RaftRequest) (*RaftReply, error)
	Vote(context.Context, *RaftRequest) (*RaftReply, error)
	Get(context.Context, *GetReq) (*GetReply, error)
}

// RegisterMetaServiceServer registers srv on s.
func RegisterMetaServiceServer(s grpc.ServiceRegistrar, srv MetaServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req any, Resp any](method string, call func(MetaServiceServer, context.Context, *Req) (*Resp, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MetaServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MetaServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func handshakeHandler(srv any, stream grpc.ServerStream) error {
	return srv.(MetaServiceServer).Handshake(&handshakeServerStream{stream})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MetaServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Write", Handler: unaryHandler(MethodWrite, MetaServiceServer.Write)},
		{MethodName: "Forward", Handler: unaryHandler(MethodForward, MetaServiceServer.Forward)},
		{MethodName: "AppendEntries", Handler: unaryHandler(MethodAppendEntries, MetaServiceServer.AppendEntries)},
		{MethodName: "InstallSnapshot", Handler: unaryHandler(MethodInstallSnapshot, MetaServiceServer.InstallSnapshot)},
		{MethodName: "Vote", Handler: unaryHandler(MethodVote, MetaServiceServer.Vote)},
		{MethodName: "Get", Handler: unaryHandler(MethodGet, MetaServiceServer.Get)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Handshake",
			Handler:       handshakeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "metasrv.proto",
}

// HandshakeServerStream is the server side of the Handshake stream.
type HandshakeServerStream interface {
	Send(*HandshakeResponse) error
	Recv() (*HandshakeRequest, error)
	grpc.ServerStream
}

type handshakeServerStream struct {
	grpc.ServerStream
}

func (x *handshakeServerStream) Send(m *HandshakeResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *handshakeServerStream) Recv() (*HandshakeRequest, error) {
	m := new(HandshakeRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// MetaServiceClient is the raw client API of the metadata service.
type MetaServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewMetaServiceClient(cc grpc.ClientConnInterface) *MetaServiceClient {
	return &MetaServiceClient{cc: cc}
}

func (c *MetaServiceClient) invoke(ctx context.Context, method string, in *RaftRequest, opts ...grpc.CallOption) (*RaftReply, error) {
	out := new(RaftReply)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MetaServiceClient) Write(ctx context.Context, in *RaftRequest, opts ...grpc.CallOption) (*RaftReply, error) {
	return c.invoke(ctx, MethodWrite, in, opts...)
}

func (c *MetaServiceClient) Forward(ctx context.Context, in *RaftRequest, opts ...grpc.CallOption) (*RaftReply, error) {
	return c.invoke(ctx, MethodForward, in, opts...)
}

func (c *MetaServiceClient) AppendEntries(ctx context.Context, in *RaftRequest, opts ...grpc.CallOption) (*RaftReply, error) {
	return c.invoke(ctx, MethodAppendEntries, in, opts...)
}

func (c *MetaServiceClient) InstallSnapshot(ctx context.Context, in *RaftRequest, opts ...grpc.CallOption) (*RaftReply, error) {
	return c.invoke(ctx, MethodInstallSnapshot, in, opts...)
}

func (c *MetaServiceClient) Vote(ctx context.Context, in *RaftRequest, opts ...grpc.CallOption) (*RaftReply, error) {
	return c.invoke(ctx, MethodVote, in, opts...)
}

func (c *MetaServiceClient) Get(ctx context.Context, in *GetReq, opts ...grpc.CallOption) (*GetReply, error) {
	out := new(GetReply)
	if err := c.cc.Invoke(ctx, MethodGet, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// HandshakeClientStream is the client side of the Handshake stream.
type HandshakeClientStream interface {
	Send(*HandshakeRequest) error
	Recv() (*HandshakeResponse, error)
	grpc.ClientStream
}

func (c *MetaServiceClient) Handshake(ctx context.Context, opts ...grpc.CallOption) (HandshakeClientStream, error) {
	stream, err := c.cc.NewStream(ctx, &serviceDesc.Streams[0], MethodHandshake, opts...)
	if err != nil {
		return nil, err
	}
	return &handshakeClientStream{stream}, nil
}

type handshakeClientStream struct {
	grpc.ClientStream
}

func (x *handshakeClientStream) Send(m *HandshakeRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *handshakeClientStream) Recv() (*HandshakeResponse, error) {
	m := new(HandshakeResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}
