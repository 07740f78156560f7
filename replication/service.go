package replication

import (
	"context"

	"google.golang.org/grpc"
)

// fullServiceName is the logical service name these RPCs are registered
// under, standing in for a `.proto` package.service path.
const fullServiceName = "replication.Replication"

// Server is the primary-side implementation of spec.md §4.7's three
// methods. It is hand-registered as a grpc.ServiceDesc below rather than
// generated from a `.proto` file (see messages.go).
type Server interface {
	Hello(ctx context.Context, req *HelloRequest) (*HelloResponse, error)
	LogEntries(req *LogEntriesRequest, stream LogEntriesStream) error
	Snapshot(req *SnapshotRequest, stream SnapshotStream) error
}

// LogEntriesStream is the server-streaming handle LogEntries writes
// frames to.
type LogEntriesStream interface {
	Send(*LogEntriesResponse) error
	grpc.ServerStream
}

// SnapshotStream is the server-streaming handle Snapshot writes frames
// to.
type SnapshotStream interface {
	Send(*SnapshotResponse) error
	grpc.ServerStream
}

type logEntriesServerStream struct{ grpc.ServerStream }

func (x *logEntriesServerStream) Send(m *LogEntriesResponse) error {
	return x.ServerStream.SendMsg(m)
}

type snapshotServerStream struct{ grpc.ServerStream }

func (x *snapshotServerStream) Send(m *SnapshotResponse) error {
	return x.ServerStream.SendMsg(m)
}

func helloHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(HelloRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).Hello(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullServiceName + "/Hello"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).Hello(ctx, req.(*HelloRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func logEntriesHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(LogEntriesRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(Server).LogEntries(m, &logEntriesServerStream{stream})
}

func snapshotHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(SnapshotRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(Server).Snapshot(m, &snapshotServerStream{stream})
}

// ServiceDesc is the hand-authored equivalent of what protoc-gen-go-grpc
// would emit for a `replication.proto` defining Hello (unary),
// LogEntries (server stream), and Snapshot (server stream).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: fullServiceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Hello", Handler: helloHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "LogEntries", Handler: logEntriesHandler, ServerStreams: true},
		{StreamName: "Snapshot", Handler: snapshotHandler, ServerStreams: true},
	},
	Metadata: "replication.proto",
}

// RegisterServer registers srv with s under ServiceDesc, the hand-rolled
// analogue of a generated RegisterReplicationServer function.
func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}
