package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/internal/testutil"
	"github.com/dreamsxin/wal/segment"
	"github.com/dreamsxin/wal/store"
)

func sealedSegment(t *testing.T) *segment.Sealed {
	t.Helper()
	filer := testutil.NewMemFiler()
	h, err := segment.CreateHead(filer, "src", uuid.New(), 1, 1, frame.PageSize)
	require.NoError(t, err)
	_, err = h.Append(1, page(0x01), true, 1)
	require.NoError(t, err)
	sealed, err := h.Seal()
	require.NoError(t, err)
	return sealed
}

func TestSchedulerStoresAndNotifiesSubscribers(t *testing.T) {
	backend, err := store.NewLocalFS(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	sched := store.New(backend, 2)
	defer sched.Close()

	updates := sched.Subscribe()

	var gotDurable uint64
	done := make(chan struct{})
	sched.Enqueue(store.Request{
		Namespace: "acme",
		Segment:   sealedSegment(t),
		OnStore: func(durableFrameNo uint64) {
			gotDurable = durableFrameNo
			close(done)
		},
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for store job to complete")
	}
	require.Equal(t, uint64(1), gotDurable)

	select {
	case u := <-updates:
		require.Equal(t, "acme", u.Namespace)
		require.Equal(t, uint64(1), u.FrameNo)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for durable update")
	}

	segs, err := backend.ListSegments(context.Background(), "acme", 0, nil)
	require.NoError(t, err)
	require.Len(t, segs, 1)
}

func TestSchedulerProcessesNamespacesIndependently(t *testing.T) {
	backend, err := store.NewLocalFS(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)
	sched := store.New(backend, 1)
	defer sched.Close()

	doneA := make(chan struct{})
	doneB := make(chan struct{})
	sched.Enqueue(store.Request{Namespace: "a", Segment: sealedSegment(t), OnStore: func(uint64) { close(doneA) }})
	sched.Enqueue(store.Request{Namespace: "b", Segment: sealedSegment(t), OnStore: func(uint64) { close(doneB) }})

	for _, ch := range []chan struct{}{doneA, doneB} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for store job to complete")
		}
	}
}
