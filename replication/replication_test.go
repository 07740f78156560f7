package replication_test

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/replication"
	"github.com/dreamsxin/wal/segment"
)

// fakeLogSource is an in-memory replication.LogSource backing one
// namespace's committed frames, standing in for the registry package
// (which this package must not import, to avoid a cycle).
type fakeLogSource struct {
	logID      uuid.UUID
	generation uint64
	oldest     uint64
	frames     []frame.Checked
}

func (f *fakeLogSource) Identity(string) (uuid.UUID, uint64, error) {
	return f.logID, f.generation, nil
}

func (f *fakeLogSource) CurrentFrameNo(string) (uint64, error) {
	if len(f.frames) == 0 {
		return 0, nil
	}
	return f.frames[len(f.frames)-1].Header.FrameNo, nil
}

func (f *fakeLogSource) OldestFrameNo(string) (uint64, error) { return f.oldest, nil }

func (f *fakeLogSource) StreamFrames(ctx context.Context, _ string, from uint64, emit func(frame.Checked) error) error {
	for _, cf := range f.frames {
		if cf.Header.FrameNo < from {
			continue
		}
		if err := emit(cf); err != nil {
			return err
		}
	}
	return nil
}

type noSnapshotSource struct{}

func (noSnapshotSource) FetchSnapshot(context.Context, string, uint64) (*segment.Sealed, error) {
	return nil, fmt.Errorf("no snapshot configured")
}

func dialServer(t *testing.T, srv replication.Server) (*replication.Client, func()) {
	t.Helper()
	lis := bufconn.Listen(1024 * 1024)
	gs := grpc.NewServer()
	replication.RegisterServer(gs, srv)
	go gs.Serve(lis)

	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithInsecure(),
		grpc.WithBlock(),
	)
	require.NoError(t, err)

	return replication.NewClient(cc), func() {
		cc.Close()
		gs.Stop()
	}
}

func TestHelloReturnsLogIdentityAndCurrentFrame(t *testing.T) {
	src := &fakeLogSource{logID: uuid.New(), generation: 3, frames: []frame.Checked{
		{Header: frame.Header{FrameNo: 1}, Data: []byte("a")},
		{Header: frame.Header{FrameNo: 2}, Data: []byte("b")},
	}}
	server := replication.NewServer("primary-1", src, noSnapshotSource{})
	client, closeFn := dialServer(t, server)
	defer closeFn()

	ctx := replication.NamespaceContext(context.Background(), "acme")
	resp, err := client.Hello(ctx)
	require.NoError(t, err)
	require.Equal(t, "primary-1", resp.DatabaseID)
	require.Equal(t, src.logID, uuid.UUID(resp.LogID))
	require.Equal(t, uint64(3), resp.GenerationID)
	require.Equal(t, uint64(2), resp.CurrentReplicationIndex)
	require.NotEmpty(t, resp.SessionToken)
}

func TestHelloWithoutNamespaceFails(t *testing.T) {
	server := replication.NewServer("primary-1", &fakeLogSource{}, noSnapshotSource{})
	client, closeFn := dialServer(t, server)
	defer closeFn()

	_, err := client.Hello(context.Background()) // no namespace attached
	require.Error(t, err)
}

func TestLogEntriesStreamsFramesInOrder(t *testing.T) {
	src := &fakeLogSource{logID: uuid.New(), frames: []frame.Checked{
		{Header: frame.Header{FrameNo: 1}, Data: []byte("a")},
		{Header: frame.Header{FrameNo: 2}, Data: []byte("b")},
		{Header: frame.Header{FrameNo: 3}, Data: []byte("c")},
	}}
	server := replication.NewServer("primary-1", src, noSnapshotSource{})
	client, closeFn := dialServer(t, server)
	defer closeFn()

	ctx := replication.NamespaceContext(context.Background(), "acme")
	hello, err := client.Hello(ctx)
	require.NoError(t, err)

	ctx = replication.SessionContext(context.Background(), "acme", hello.SessionToken)
	stream, err := client.LogEntries(ctx, 1)
	require.NoError(t, err)

	var got []uint64
	for {
		resp, err := stream.Recv()
		if err != nil {
			break
		}
		cf, err := replication.DecodeFrame(resp.FrameBytes)
		require.NoError(t, err)
		got = append(got, cf.Header.FrameNo)
	}
	require.Equal(t, []uint64{1, 2, 3}, got)
}

func TestLogEntriesWithoutHelloIsRejected(t *testing.T) {
	src := &fakeLogSource{logID: uuid.New()}
	server := replication.NewServer("primary-1", src, noSnapshotSource{})
	client, closeFn := dialServer(t, server)
	defer closeFn()

	ctx := replication.NamespaceContext(context.Background(), "acme")
	stream, err := client.LogEntries(ctx, 1)
	require.NoError(t, err) // the stream itself opens fine

	_, err = stream.Recv()
	require.Error(t, err)
	require.Equal(t, "NO_HELLO", status.Convert(err).Message())
}

func TestLogEntriesBelowOldestNeedsSnapshot(t *testing.T) {
	src := &fakeLogSource{logID: uuid.New(), oldest: 10, frames: []frame.Checked{
		{Header: frame.Header{FrameNo: 10}},
	}}
	server := replication.NewServer("primary-1", src, noSnapshotSource{})
	client, closeFn := dialServer(t, server)
	defer closeFn()

	ctx := replication.NamespaceContext(context.Background(), "acme")
	hello, err := client.Hello(ctx)
	require.NoError(t, err)

	ctx = replication.SessionContext(context.Background(), "acme", hello.SessionToken)
	stream, err := client.LogEntries(ctx, 1)
	require.NoError(t, err)

	_, err = stream.Recv()
	require.Error(t, err)
	require.Equal(t, "NEED_SNAPSHOT", status.Convert(err).Message())
}
