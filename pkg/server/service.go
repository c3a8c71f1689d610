package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "massh.Dispatch"

// Full method names.
const (
	MethodHosts    = "/" + ServiceName + "/Hosts"
	MethodJobs     = "/" + ServiceName + "/Jobs"
	MethodExecute  = "/" + ServiceName + "/Execute"
	MethodDownload = "/" + ServiceName + "/Download"
	MethodUpload   = "/" + ServiceName + "/Upload"
)

// DispatchServer is the server API of the massh.Dispatch service. Requests
// and responses are google.protobuf.Struct messages; streaming methods send
// one message per host.
type DispatchServer interface {
	Hosts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Jobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Execute(*structpb.Struct, grpc.ServerStream) error
	Download(*structpb.Struct, grpc.ServerStream) error
	Upload(*structpb.Struct, grpc.ServerStream) error
}

// Register adds srv to s.
func Register(s grpc.ServiceRegistrar, srv DispatchServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the massh.Dispatch service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DispatchServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Hosts", Handler: unaryHandler(MethodHosts, DispatchServer.Hosts)},
		{MethodName: "Jobs", Handler: unaryHandler(MethodJobs, DispatchServer.Jobs)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Execute", Handler: streamHandler(DispatchServer.Execute), ServerStreams: true},
		{StreamName: "Download", Handler: streamHandler(DispatchServer.Download), ServerStreams: true},
		{StreamName: "Upload", Handler: streamHandler(DispatchServer.Upload), ServerStreams: true},
	},
	Metadata: "massh/dispatch",
}

type unaryMethod func(DispatchServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, m unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return m(srv.(DispatchServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return m(srv.(DispatchServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type streamMethod func(DispatchServer, *structpb.Struct, grpc.ServerStream) error

func streamHandler(m streamMethod) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			return err
		}
		return m(srv.(DispatchServer), in, stream)
	}
}

// streamDesc returns the descriptor of the named stream.
func streamDesc(name string) *grpc.StreamDesc {
	for i := range ServiceDesc.Streams {
		if ServiceDesc.Streams[i].StreamName == name {
			return &ServiceDesc.Streams[i]
		}
	}
	return nil
}
