package meta_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dreamsxin/wal/internal/meta"
)

func openStore(t *testing.T) *meta.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := meta.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadUnknownNamespaceReturnsErrNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.Load("acme")
	require.ErrorIs(t, err, meta.ErrNotFound)
}

func TestCreateThenLoadRoundTrips(t *testing.T) {
	s := openStore(t)
	created, err := s.Create("acme")
	require.NoError(t, err)
	require.Equal(t, uint64(1), created.Generation)

	loaded, err := s.Load("acme")
	require.NoError(t, err)
	require.Equal(t, created, loaded)
}

func TestCreateTwiceFails(t *testing.T) {
	s := openStore(t)
	_, err := s.Create("acme")
	require.NoError(t, err)
	_, err = s.Create("acme")
	require.Error(t, err)
}

func TestBumpGenerationIncrements(t *testing.T) {
	s := openStore(t)
	_, err := s.Create("acme")
	require.NoError(t, err)

	rec, err := s.BumpGeneration("acme")
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.Generation)

	rec, err = s.BumpGeneration("acme")
	require.NoError(t, err)
	require.Equal(t, uint64(3), rec.Generation)
}

func TestSetDurableFrameNoRejectsRegression(t *testing.T) {
	s := openStore(t)
	_, err := s.Create("acme")
	require.NoError(t, err)

	require.NoError(t, s.SetDurableFrameNo("acme", 10))
	require.NoError(t, s.SetDurableFrameNo("acme", 20))
	require.Error(t, s.SetDurableFrameNo("acme", 15))

	rec, err := s.Load("acme")
	require.NoError(t, err)
	require.Equal(t, uint64(20), rec.LastDurableFrameNo)
}

func TestNamespacesListsEveryCreatedRecord(t *testing.T) {
	s := openStore(t)
	_, err := s.Create("acme")
	require.NoError(t, err)
	_, err = s.Create("widgets")
	require.NoError(t, err)

	names, err := s.Namespaces()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"acme", "widgets"}, names)
}
