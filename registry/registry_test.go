package registry_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/wal/frame"
	"github.com/dreamsxin/wal/internal/meta"
	"github.com/dreamsxin/wal/registry"
	"github.com/dreamsxin/wal/walvfs"
)

func page(b byte) []byte {
	p := make([]byte, frame.PageSize)
	for i := range p {
		p[i] = b
	}
	return p
}

func newRegistry(t *testing.T) (*registry.Registry, *meta.Store) {
	t.Helper()
	dir := t.TempDir()
	m, err := meta.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	r := registry.New(registry.Config{
		Dir:         dir,
		Meta:        m,
		AllowCreate: true,
	})
	return r, m
}

func TestOpenUnknownNamespaceCreatesFreshHandle(t *testing.T) {
	r, _ := newRegistry(t)

	h, err := r.Open("acme")
	require.NoError(t, err)
	defer h.Release()

	require.NotNil(t, h.Head())
	require.Equal(t, uint64(0), h.Head().Info().LastCommittedFrameNo)
}

func TestOpenWithoutAllowCreateFails(t *testing.T) {
	dir := t.TempDir()
	m, err := meta.Open(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	defer m.Close()

	r := registry.New(registry.Config{Dir: dir, Meta: m, AllowCreate: false})
	_, err = r.Open("acme")
	require.ErrorIs(t, err, registry.ErrNamespaceNotFound)
}

func TestConcurrentOpenSharesOneHandle(t *testing.T) {
	r, _ := newRegistry(t)

	h1, err := r.Open("acme")
	require.NoError(t, err)
	h2, err := r.Open("acme")
	require.NoError(t, err)
	require.Same(t, h1, h2)

	h1.Release()
	h2.Release()
}

func TestReleaseLastRefTearsDownHandleForNextOpen(t *testing.T) {
	r, _ := newRegistry(t)

	h1, err := r.Open("acme")
	require.NoError(t, err)
	h1.Release()

	h2, err := r.Open("acme")
	require.NoError(t, err)
	defer h2.Release()
	require.NotSame(t, h1, h2)
}

func TestWriteCheckpointCloseReopenRecoversAllFrames(t *testing.T) {
	r, _ := newRegistry(t)

	h, err := r.Open("acme")
	require.NoError(t, err)

	hook := h.Hook()
	require.NoError(t, hook.Frames([]walvfs.PageHeader{{PageNo: 1, Data: page(0x01)}}, 1, true))
	require.NoError(t, hook.Checkpoint(walvfs.CheckpointPassive))
	require.NoError(t, hook.Frames([]walvfs.PageHeader{{PageNo: 2, Data: page(0x02)}}, 2, true))

	h.Release()

	h2, err := r.Open("acme")
	require.NoError(t, err)
	defer h2.Release()

	var got []uint64
	err = r.StreamFrames(context.Background(), "acme", 1, func(cf frame.Checked) error {
		got = append(got, cf.Header.FrameNo)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, got)

	frameNo, err := r.CurrentFrameNo("acme")
	require.NoError(t, err)
	require.Equal(t, uint64(2), frameNo)
}
