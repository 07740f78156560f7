package seglist_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/internal/testutil"
	"github.com/dreamsxin/wal/seglist"
	"github.com/dreamsxin/wal/segment"
)

func sealOne(t *testing.T, filer *testutil.MemFiler, id string, pageNo uint32, b byte) *segment.Sealed {
	t.Helper()
	h, err := segment.CreateHead(filer, id, uuid.New(), 1, 1, frame.PageSize)
	require.NoError(t, err)
	page := make([]byte, frame.PageSize)
	for i := range page {
		page[i] = b
	}
	_, err = h.Append(pageNo, page, true, 1)
	require.NoError(t, err)
	sealed, err := h.Seal()
	require.NoError(t, err)
	return sealed
}

func TestPrependOrdersHeadFirst(t *testing.T) {
	filer := testutil.NewMemFiler()
	l := seglist.New()

	n1 := l.Prepend(sealOne(t, filer, "seg-1", 1, 0x01))
	n2 := l.Prepend(sealOne(t, filer, "seg-2", 1, 0x02))

	head := l.Head()
	require.Equal(t, n2, head)
	require.Equal(t, n1, head.Next())
	head.Release()

	require.Equal(t, 2, l.Len())
}

func TestDropTailUnlinksOldestSegment(t *testing.T) {
	filer := testutil.NewMemFiler()
	l := seglist.New()

	oldest := l.Prepend(sealOne(t, filer, "seg-1", 1, 0x01))
	l.Prepend(sealOne(t, filer, "seg-2", 1, 0x02))

	dropped := l.DropTail()
	require.Equal(t, oldest, dropped)
	require.Equal(t, 1, l.Len())
}

func TestReaderHoldsNodeAliveAcrossDropTail(t *testing.T) {
	filer := testutil.NewMemFiler()
	l := seglist.New()

	oldestSeg := sealOne(t, filer, "seg-1", 1, 0x01)
	oldest := l.Prepend(oldestSeg)
	l.Prepend(sealOne(t, filer, "seg-2", 1, 0x02))

	// A reader acquires the oldest node before it is structurally dropped.
	require.True(t, oldest.Acquire())

	dropped := l.DropTail()
	require.Equal(t, oldest, dropped)
	require.Equal(t, 1, l.Len())

	// The reader can still read through its held reference.
	data, ok, err := oldestSeg.ReadPage(1, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing the list's own reference already happened inside DropTail;
	// releasing the reader's reference now drops it to zero and closes it.
	oldest.Release()

	data, ok, err = oldestSeg.ReadPage(1, 1)
	require.Error(t, err)
	_ = data
	_ = ok
}

func TestWalkVisitsAllNodesHeadToTail(t *testing.T) {
	filer := testutil.NewMemFiler()
	l := seglist.New()

	l.Prepend(sealOne(t, filer, "seg-1", 1, 0x01))
	l.Prepend(sealOne(t, filer, "seg-2", 1, 0x02))
	l.Prepend(sealOne(t, filer, "seg-3", 1, 0x03))

	var ids []string
	l.Walk(func(n *seglist.Node) bool {
		ids = append(ids, n.Seg.Info().ID)
		return true
	})
	require.Equal(t, []string{"seg-3", "seg-2", "seg-1"}, ids)
}

func TestConcurrentReadersAndMutators(t *testing.T) {
	filer := testutil.NewMemFiler()
	l := seglist.New()
	for i := 0; i < 5; i++ {
		l.Prepend(sealOne(t, filer, "seg-"+string(rune('a'+i)), 1, byte(i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Walk(func(n *seglist.Node) bool { return true })
		}()
	}
	wg.Wait()
	require.Equal(t, 5, l.Len())
}
