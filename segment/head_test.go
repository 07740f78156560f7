package segment_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/internal/testutil"
	"github.com/dreamsxin/wal/segment"
)

func page(b byte) []byte {
	p := make([]byte, frame.PageSize)
	for i := range p {
		p[i] = b
	}
	return p
}

// TestScenario1FreshPrimarySingleWriter implements spec.md §8 scenario 1.
func TestScenario1FreshPrimarySingleWriter(t *testing.T) {
	filer := testutil.NewMemFiler()
	logID := uuid.New()

	h, err := segment.CreateHead(filer, "000001", logID, 1, 0xfeed, frame.PageSize)
	require.NoError(t, err)

	fno1, err := h.Append(1, page(0x01), false, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), fno1)

	fno2, err := h.Append(2, page(0x02), true, 2)
	require.NoError(t, err)
	require.Equal(t, uint64(2), fno2)

	data, ok, err := h.ReadPage(1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(0x01), data)

	data, ok, err = h.ReadPage(2, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(0x02), data)

	_, ok, err = h.ReadPage(3, 2)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, uint32(2), h.DbSize())
}

// TestScenario2SealAndReload implements spec.md §8 scenario 2.
func TestScenario2SealAndReload(t *testing.T) {
	filer := testutil.NewMemFiler()
	logID := uuid.New()

	h, err := segment.CreateHead(filer, "000001", logID, 1, 0xfeed, frame.PageSize)
	require.NoError(t, err)
	_, err = h.Append(1, page(0x01), false, 0)
	require.NoError(t, err)
	_, err = h.Append(2, page(0x02), true, 2)
	require.NoError(t, err)

	sealed, err := h.Seal()
	require.NoError(t, err)
	require.True(t, sealed.Info().Sealed())
	require.Equal(t, uint64(1), sealed.Info().StartFrameNo)
	require.Equal(t, uint64(2), sealed.Info().LastCommittedFrameNo)
	require.Equal(t, uint64(2), sealed.Info().FrameCount)

	reopened, err := segment.OpenSealed(filer, sealed.Info())
	require.NoError(t, err)

	data, ok, err := reopened.ReadPage(1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(0x01), data)

	data, ok, err = reopened.ReadPage(2, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(0x02), data)
}

func TestSealEmptyHeadReadsZeroFrames(t *testing.T) {
	filer := testutil.NewMemFiler()
	h, err := segment.CreateHead(filer, "000001", uuid.New(), 1, 1, frame.PageSize)
	require.NoError(t, err)

	sealed, err := h.Seal()
	require.NoError(t, err)
	require.Equal(t, uint64(0), sealed.Info().FrameCount)

	it := sealed.IterateFrames(1)
	_, ok, err := it.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAppendRejectsWrongPageSize(t *testing.T) {
	filer := testutil.NewMemFiler()
	h, err := segment.CreateHead(filer, "000001", uuid.New(), 1, 1, frame.PageSize)
	require.NoError(t, err)

	_, err = h.Append(1, make([]byte, 10), false, 0)
	require.ErrorIs(t, err, frame.ErrInvalidPageSize)
}

func TestReadPageReturnsHighestFrameNoWithinSnapshot(t *testing.T) {
	filer := testutil.NewMemFiler()
	h, err := segment.CreateHead(filer, "000001", uuid.New(), 1, 1, frame.PageSize)
	require.NoError(t, err)

	_, err = h.Append(1, page(0xAA), true, 1) // frame_no 1
	require.NoError(t, err)
	_, err = h.Append(1, page(0xBB), true, 1) // frame_no 2, overwrites page 1
	require.NoError(t, err)

	data, ok, err := h.ReadPage(1, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(0xAA), data)

	data, ok, err = h.ReadPage(1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(0xBB), data)
}

func TestCompactProducesFinalPageVersionsOnly(t *testing.T) {
	filer := testutil.NewMemFiler()
	h, err := segment.CreateHead(filer, "000001", uuid.New(), 1, 1, frame.PageSize)
	require.NoError(t, err)
	_, err = h.Append(1, page(0x01), false, 0)
	require.NoError(t, err)
	_, err = h.Append(1, page(0x02), false, 0) // second write to page 1
	require.NoError(t, err)
	_, err = h.Append(2, page(0x03), true, 2)
	require.NoError(t, err)

	sealed, err := h.Seal()
	require.NoError(t, err)

	outInfo := segment.Info{ID: "000001-compacted"} // the ID Compact gives its result
	out, err := filer.Create(outInfo)
	require.NoError(t, err)

	res, err := sealed.Compact(out, uuid.New())
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Info.FrameCount) // only 2 distinct pages

	compacted, err := segment.OpenSealed(filer, res.Info)
	require.NoError(t, err)

	data, ok, err := compacted.ReadPage(1, res.Info.LastCommittedFrameNo)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(0x02), data) // final version wins

	data, ok, err = compacted.ReadPage(2, res.Info.LastCommittedFrameNo)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(0x03), data)
}

func TestRecoverHeadTruncatesUncommittedTail(t *testing.T) {
	filer := testutil.NewMemFiler()
	h, err := segment.CreateHead(filer, "000001", uuid.New(), 1, 1, frame.PageSize)
	require.NoError(t, err)

	_, err = h.Append(1, page(0x01), true, 1) // committed, header persisted
	require.NoError(t, err)

	// Simulate a crash mid-commit: append a frame but never call Seal or
	// a further committing Append, so the on-disk header's FrameCount
	// still only reflects the first frame even though the second frame's
	// bytes are physically present on disk.
	_, err = h.Append(2, page(0x02), false, 0)
	require.NoError(t, err)

	persistedInfo := segment.InfoFromHeader("000001", h.Info().Header())
	persistedInfo.FrameCount = 1
	persistedInfo.LastCommittedFrameNo = 1

	recovered, err := segment.RecoverHead(filer, persistedInfo)
	require.NoError(t, err)

	data, ok, err := recovered.ReadPage(1, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, page(0x01), data)

	_, ok, err = recovered.ReadPage(2, 2)
	require.NoError(t, err)
	require.False(t, ok, "uncommitted tail frame must not be visible after recovery")
}
