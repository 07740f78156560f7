package injector_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/injector"
	"github.com/dreamsxin/wal/internal/testutil"
	"github.com/dreamsxin/wal/seglist"
	"github.com/dreamsxin/wal/segment"
	"github.com/dreamsxin/wal/walvfs"
)

func page(b byte) []byte {
	p := make([]byte, frame.PageSize)
	for i := range p {
		p[i] = b
	}
	return p
}

func newHook(t *testing.T) *walvfs.Hook {
	t.Helper()
	filer := testutil.NewMemFiler()
	logID := uuid.New()
	head, err := segment.CreateHead(filer, "000001", logID, 1, 0xfeed, frame.PageSize)
	require.NoError(t, err)
	list := seglist.New()
	rotate := func(sealed *segment.Sealed) (*segment.Head, error) {
		return segment.CreateHead(filer, "000002", logID, sealed.Info().LastCommittedFrameNo+1, 0xfeed, frame.PageSize)
	}
	return walvfs.New(head, list, rotate, nil)
}

func chain(t *testing.T, prev uint32, pageNo uint32, frameNo uint64, sizeAfter uint32, data []byte) (frame.Checked, uint32) {
	t.Helper()
	h := frame.Header{PageNo: pageNo, SizeAfter: sizeAfter, FrameNo: frameNo}
	_, sum := frame.Encode(prev, h, data)
	return frame.Checked{Checksum: sum, Header: h, Data: data}, sum
}

func TestPushCommitFlushesImmediately(t *testing.T) {
	hook := newHook(t)
	inj := injector.New(hook, 10, 0xfeed)

	cf, _ := chain(t, 0xfeed, 1, 1, 2, page(0x01))
	require.NoError(t, inj.Push(cf, frame.PageSize))
	require.False(t, inj.InTxn())

	cf2, _ := chain(t, cf.Checksum, 2, 2, 2, page(0x02))
	require.NoError(t, inj.Push(cf2, frame.PageSize))
	require.False(t, inj.InTxn())

	snap, err := hook.BeginRead()
	require.NoError(t, err)
	require.Equal(t, uint64(2), snap.FrameNo)

	loc, ok, err := hook.FindFrame(snap, 1)
	require.NoError(t, err)
	require.True(t, ok)
	data, err := hook.ReadFrame(loc, 1)
	require.NoError(t, err)
	require.Equal(t, page(0x01), data)
}

func TestPushConflictLeavesWALUntouched(t *testing.T) {
	hook := newHook(t)
	inj := injector.New(hook, 10, 0xfeed)

	bad := frame.Checked{
		Checksum: 0xdeadbeef,
		Header:   frame.Header{PageNo: 1, FrameNo: 1},
		Data:     page(0x01),
	}
	err := inj.Push(bad, frame.PageSize)
	require.ErrorIs(t, err, injector.ErrConflict)
	require.False(t, inj.InTxn())

	snap, err := hook.BeginRead()
	require.NoError(t, err)
	require.Equal(t, uint64(0), snap.FrameNo)
}

func TestPushNonCommitBuffersUntilCapacity(t *testing.T) {
	hook := newHook(t)
	inj := injector.New(hook, 2, 0xfeed)

	cf, sum := chain(t, 0xfeed, 1, 1, 0, page(0x01))
	require.NoError(t, inj.Push(cf, frame.PageSize))
	require.True(t, inj.InTxn())

	cf2, _ := chain(t, sum, 2, 2, 0, page(0x02))
	err := inj.Push(cf2, frame.PageSize)
	require.ErrorIs(t, err, injector.ErrBufferFull)

	// Nothing committed yet: BeginRead still observes frame_no 0.
	snap, err := hook.BeginRead()
	require.NoError(t, err)
	require.Equal(t, uint64(0), snap.FrameNo)
}
