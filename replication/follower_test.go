package replication_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/injector"
	"github.com/dreamsxin/wal/internal/testutil"
	"github.com/dreamsxin/wal/replication"
	"github.com/dreamsxin/wal/segment"
	"github.com/dreamsxin/wal/walvfs"
)

// recordingHook is a stub injector.Hook that records every flush it is
// asked to apply, standing in for a real walvfs.Hook so these tests stay
// independent of segment/disk state.
type recordingHook struct {
	calls []struct {
		headers  []walvfs.PageHeader
		sizeAfter uint32
		isCommit  bool
	}
}

func (h *recordingHook) Frames(headers []walvfs.PageHeader, sizeAfter uint32, isCommit bool) error {
	h.calls = append(h.calls, struct {
		headers  []walvfs.PageHeader
		sizeAfter uint32
		isCommit  bool
	}{headers, sizeAfter, isCommit})
	return nil
}

// page pads b out to a full frame.PageSize buffer: injector.Push slices
// every pushed frame's data down to pageSize before verifying its
// checksum, so a test frame's Data must be at least that long.
func page(b byte) []byte {
	p := make([]byte, frame.PageSize)
	p[0] = b
	return p
}

// chainedFrames builds a run of checksum-chained frames starting from
// prevChecksum, matching the on-disk chain a real segment.Head.Append
// would produce, so injector.Push's chain verification accepts them.
func chainedFrames(prevChecksum uint32, fill []byte, commitAt int) []frame.Checked {
	frames := make([]frame.Checked, len(fill))
	seed := prevChecksum
	for i, b := range fill {
		data := page(b)
		sizeAfter := uint32(0)
		if i == commitAt {
			sizeAfter = uint32(len(fill))
		}
		h := frame.Header{PageNo: uint32(i + 1), SizeAfter: sizeAfter, FrameNo: uint64(i + 1)}
		checksum := frame.Verify(seed, h, data)
		frames[i] = frame.Checked{Checksum: checksum, Header: h, Data: data}
		seed = checksum
	}
	return frames
}

func TestFollowerSyncBeforeHandshakeFails(t *testing.T) {
	src := &fakeLogSource{logID: uuid.New()}
	server := replication.NewServer("primary-1", src, noSnapshotSource{})
	client, closeFn := dialServer(t, server)
	defer closeFn()

	hook := &recordingHook{}
	inj := injector.New(hook, 10, 0)
	follower := replication.NewFollower(client, "acme", inj, hook, frame.PageSize)

	err := follower.Sync(context.Background(), 1)
	require.Error(t, err)
}

func TestFollowerHandshakeThenSyncPushesFramesIntoInjector(t *testing.T) {
	frames := chainedFrames(0, []byte{0x01, 0x02}, 1)
	src := &fakeLogSource{logID: uuid.New(), generation: 1, frames: frames}
	server := replication.NewServer("primary-1", src, noSnapshotSource{})
	client, closeFn := dialServer(t, server)
	defer closeFn()

	hook := &recordingHook{}
	inj := injector.New(hook, 10, 0)
	follower := replication.NewFollower(client, "acme", inj, hook, frame.PageSize)

	_, err := follower.Handshake(context.Background())
	require.NoError(t, err)

	require.NoError(t, follower.Sync(context.Background(), 1))

	require.Len(t, hook.calls, 1, "both frames should flush together on the commit frame")
	require.True(t, hook.calls[0].isCommit)
	require.Len(t, hook.calls[0].headers, 2)
	require.False(t, inj.InTxn())
}

func TestFollowerSyncNeedsSnapshotWhenBelowOldest(t *testing.T) {
	frames := chainedFrames(0, []byte{0x01}, 0)
	src := &fakeLogSource{logID: uuid.New(), oldest: 10, frames: frames}
	server := replication.NewServer("primary-1", src, noSnapshotSource{})
	client, closeFn := dialServer(t, server)
	defer closeFn()

	hook := &recordingHook{}
	inj := injector.New(hook, 10, 0)
	follower := replication.NewFollower(client, "acme", inj, hook, frame.PageSize)

	_, err := follower.Handshake(context.Background())
	require.NoError(t, err)

	err = follower.Sync(context.Background(), 1)
	require.ErrorIs(t, err, replication.ErrNeedSnapshot)
}

// compactedSnapshotSource serves a real compacted, sealed segment built
// from two committed pages, standing in for registry.FetchSnapshot.
type compactedSnapshotSource struct {
	sealed *segment.Sealed
}

func (s compactedSnapshotSource) FetchSnapshot(context.Context, string, uint64) (*segment.Sealed, error) {
	return s.sealed, nil
}

func newCompactedSnapshot(t *testing.T) *segment.Sealed {
	t.Helper()
	filer := testutil.NewMemFiler()
	h, err := segment.CreateHead(filer, "src", uuid.New(), 1, 0, frame.PageSize)
	require.NoError(t, err)
	_, err = h.Append(1, page(0x01), false, 0)
	require.NoError(t, err)
	_, err = h.Append(2, page(0x02), true, 2)
	require.NoError(t, err)
	sealed, err := h.Seal()
	require.NoError(t, err)

	out, err := filer.Create(segment.Info{ID: "compacted"})
	require.NoError(t, err)
	_, err = sealed.Compact(out, uuid.New())
	require.NoError(t, err)

	compacted, err := filer.Open(segment.Info{ID: "compacted"})
	require.NoError(t, err)
	result, err := segment.OpenSealedFromFile(compacted)
	require.NoError(t, err)
	return result
}

func TestFollowerApplySnapshotWritesFramesThroughHook(t *testing.T) {
	src := &fakeLogSource{logID: uuid.New()}
	server := replication.NewServer("primary-1", src, compactedSnapshotSource{sealed: newCompactedSnapshot(t)})
	client, closeFn := dialServer(t, server)
	defer closeFn()

	hook := &recordingHook{}
	inj := injector.New(hook, 10, 0)
	follower := replication.NewFollower(client, "acme", inj, hook, frame.PageSize)

	_, err := follower.Handshake(context.Background())
	require.NoError(t, err)

	applied, err := follower.ApplySnapshot(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, uint64(2), applied)

	require.Len(t, hook.calls, 1, "snapshot frames must be applied as one transaction through the hook")
	require.True(t, hook.calls[0].isCommit)
	require.Len(t, hook.calls[0].headers, 2)
	require.Equal(t, uint32(1), hook.calls[0].headers[0].PageNo)
	require.Equal(t, page(0x01), hook.calls[0].headers[0].Data)
	require.Equal(t, uint32(2), hook.calls[0].headers[1].PageNo)
	require.Equal(t, page(0x02), hook.calls[0].headers[1].Data)
}

func TestFollowerResetClearsSessionAndInjectorState(t *testing.T) {
	frames := chainedFrames(0, []byte{0x01}, 0)
	src := &fakeLogSource{logID: uuid.New(), frames: frames}
	server := replication.NewServer("primary-1", src, noSnapshotSource{})
	client, closeFn := dialServer(t, server)
	defer closeFn()

	hook := &recordingHook{}
	inj := injector.New(hook, 10, 0)
	follower := replication.NewFollower(client, "acme", inj, hook, frame.PageSize)

	_, err := follower.Handshake(context.Background())
	require.NoError(t, err)

	follower.Reset(0)

	// A session is required again: Sync must fail until Handshake runs.
	err = follower.Sync(context.Background(), 1)
	require.Error(t, err)
	require.False(t, inj.InTxn())
}
