package store_test

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/internal/testutil"
	"github.com/dreamsxin/wal/segment"
	"github.com/dreamsxin/wal/store"
)

func page(b byte) []byte {
	p := make([]byte, frame.PageSize)
	for i := range p {
		p[i] = b
	}
	return p
}

// compactedArtifact builds a sealed, compacted segment entirely in
// memory and returns its bytes, ready to hand to a Backend.Store.
func compactedArtifact(t *testing.T) (*segment.CompactedResult, []byte) {
	t.Helper()
	filer := testutil.NewMemFiler()
	h, err := segment.CreateHead(filer, "src", uuid.New(), 1, 1, frame.PageSize)
	require.NoError(t, err)
	_, err = h.Append(1, page(0x01), false, 0)
	require.NoError(t, err)
	_, err = h.Append(2, page(0x02), true, 2)
	require.NoError(t, err)
	sealed, err := h.Seal()
	require.NoError(t, err)

	out, err := filer.Create(segment.Info{ID: "compacted"})
	require.NoError(t, err)
	res, err := sealed.Compact(out, uuid.New())
	require.NoError(t, err)

	compacted, err := filer.Open(segment.Info{ID: "compacted"})
	require.NoError(t, err)
	defer compacted.Close()
	buf := make([]byte, compacted.(*testutil.MemFile).Len())
	_, err = compacted.ReadAt(buf, 0)
	require.NoError(t, err)

	return res, buf
}

func TestLocalFSStoreFindFetchRoundTrips(t *testing.T) {
	res, data := compactedArtifact(t)

	backend, err := store.NewLocalFS(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)

	ctx := context.Background()
	key, err := backend.Store(ctx, "acme", res, bytes.NewReader(data), nil)
	require.NoError(t, err)

	found, err := backend.FindSegment(ctx, "acme", store.FindSegmentRequest{UntilFrameNo: res.Info.LastCommittedFrameNo}, nil)
	require.NoError(t, err)
	require.Equal(t, key, found)

	rc, err := backend.FetchSegmentData(ctx, "acme", key, nil)
	require.NoError(t, err)
	defer rc.Close()
	got := make([]byte, len(data))
	_, err = rc.Read(got)
	require.NoError(t, err)
	require.Equal(t, data, got)

	segs, err := backend.ListSegments(ctx, "acme", 0, nil)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	require.Equal(t, res.Info.StartFrameNo, segs[0].StartFrameNo)
}

func TestLocalFSRestoreWritesFinalPageBytes(t *testing.T) {
	res, data := compactedArtifact(t)

	backend, err := store.NewLocalFS(filepath.Join(t.TempDir(), "objects"))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = backend.Store(ctx, "acme", res, bytes.NewReader(data), nil)
	require.NoError(t, err)

	out := testutil.NewMemFiler()
	f, err := out.Create(segment.Info{ID: "restored"})
	require.NoError(t, err)

	require.NoError(t, backend.Restore(ctx, "acme", store.RestoreOptions{}, f, nil))

	buf := make([]byte, frame.PageSize)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, page(0x01), buf)

	_, err = f.ReadAt(buf, frame.PageSize)
	require.NoError(t, err)
	require.Equal(t, page(0x02), buf)
}

func TestLocalFSFindSegmentMissingFrameErrors(t *testing.T) {
	backend, err := store.NewLocalFS(t.TempDir())
	require.NoError(t, err)

	_, err = backend.FindSegment(context.Background(), "ghost", store.FindSegmentRequest{UntilFrameNo: 1}, nil)
	require.Error(t, err)
}
