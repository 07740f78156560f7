package replication

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// Client is the follower-side handle for the three replication RPCs,
// the hand-rolled analogue of a generated ReplicationClient.
type Client struct {
	cc *grpc.ClientConn
}

// NewClient wraps an already-dialed connection to a primary.
func NewClient(cc *grpc.ClientConn) *Client { return &Client{cc: cc} }

// callOptions always negotiates the gob codec via content-subtype.
func callOptions(opts ...grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
}

// NamespaceContext attaches the x-namespace-bin metadata header spec.md
// §6 requires on every call.
func NamespaceContext(ctx context.Context, namespace string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "x-namespace-bin", namespace)
}

// SessionContext attaches both the namespace header and the
// x-session-token header returned by a prior Hello, required on every
// call after Hello.
func SessionContext(ctx context.Context, namespace, sessionToken string) context.Context {
	ctx = NamespaceContext(ctx, namespace)
	return metadata.AppendToOutgoingContext(ctx, "x-session-token", sessionToken)
}

// Hello calls the primary's Hello RPC. The caller must have attached a
// namespace via NamespaceContext.
func (c *Client) Hello(ctx context.Context, opts ...grpc.CallOption) (*HelloResponse, error) {
	out := new(HelloResponse)
	err := c.cc.Invoke(ctx, "/"+fullServiceName+"/Hello", &HelloRequest{}, out, callOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LogEntriesClient streams frames from a LogEntries call.
type LogEntriesClient interface {
	Recv() (*LogEntriesResponse, error)
	grpc.ClientStream
}

type logEntriesClientStream struct{ grpc.ClientStream }

func (x *logEntriesClientStream) Recv() (*LogEntriesResponse, error) {
	m := new(LogEntriesResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// LogEntries opens a LogEntries stream starting at nextOffset. The
// caller must have attached namespace and session-token headers via
// SessionContext.
func (c *Client) LogEntries(ctx context.Context, nextOffset uint64, opts ...grpc.CallOption) (LogEntriesClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/"+fullServiceName+"/LogEntries", callOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	x := &logEntriesClientStream{stream}
	req := &LogEntriesRequest{NextOffset: nextOffset, WalFlavor: FlavorWALV1}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// SnapshotClient streams frames from a Snapshot call.
type SnapshotClient interface {
	Recv() (*SnapshotResponse, error)
	grpc.ClientStream
}

type snapshotClientStream struct{ grpc.ClientStream }

func (x *snapshotClientStream) Recv() (*SnapshotResponse, error) {
	m := new(SnapshotResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Snapshot opens a Snapshot stream sufficient to reconstruct every page
// at nextOffset.
func (c *Client) Snapshot(ctx context.Context, nextOffset uint64, opts ...grpc.CallOption) (SnapshotClient, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[1], "/"+fullServiceName+"/Snapshot", callOptions(opts...)...)
	if err != nil {
		return nil, err
	}
	x := &snapshotClientStream{stream}
	req := &SnapshotRequest{NextOffset: nextOffset, WalFlavor: FlavorWALV1}
	if err := x.ClientStream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
