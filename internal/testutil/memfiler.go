// Package testutil provides in-memory test doubles shared across the
// module's test suites, in the spirit of the teacher's testStorage /
// stubStorage pattern in wal_stubs_test.go.
package testutil

import (
	"errors"
	"sync"

	"github.com/dreamsxin/wal/segment"
)

// MemFiler is an in-memory segment.Filer, avoiding real disk I/O in tests.
type MemFiler struct {
	mu    sync.Mutex
	files map[string]*MemFile
}

// NewMemFiler returns an empty in-memory filer.
func NewMemFiler() *MemFiler {
	return &MemFiler{files: make(map[string]*MemFile)}
}

func (f *MemFiler) Create(info segment.Info) (segment.WritableFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[info.ID]; ok {
		return nil, errors.New("testutil: segment already exists")
	}
	mf := &MemFile{opens: 1}
	f.files[info.ID] = mf
	return mf, nil
}

func (f *MemFiler) OpenWritable(info segment.Info) (segment.WritableFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mf, ok := f.files[info.ID]
	if !ok {
		return nil, errors.New("testutil: segment not found")
	}
	mf.addOpen()
	return mf, nil
}

func (f *MemFiler) Open(info segment.Info) (segment.ReadableFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mf, ok := f.files[info.ID]
	if !ok {
		return nil, errors.New("testutil: segment not found")
	}
	mf.addOpen()
	return mf, nil
}

func (f *MemFiler) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, id)
	return nil
}

func (f *MemFiler) List() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.files))
	for id := range f.files {
		ids = append(ids, id)
	}
	return ids, nil
}

// MemFile is an in-memory WritableFile/ReadableFile. Every Create, Open
// and OpenWritable hands out the same MemFile and counts one open
// handle; reads fail once every handle has been closed.
type MemFile struct {
	mu    sync.Mutex
	data  []byte
	opens int
}

func (m *MemFile) addOpen() {
	m.mu.Lock()
	m.opens++
	m.mu.Unlock()
}

func (m *MemFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func (m *MemFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opens <= 0 {
		return 0, errors.New("testutil: read from closed file")
	}
	if off >= int64(len(m.data)) {
		return 0, errors.New("testutil: read past EOF")
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, errors.New("testutil: short read")
	}
	return n, nil
}

func (m *MemFile) Sync() error { return nil }

func (m *MemFile) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size > int64(len(m.data)) {
		grown := make([]byte, size)
		copy(grown, m.data)
		m.data = grown
		return nil
	}
	m.data = m.data[:size]
	return nil
}

func (m *MemFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens--
	return nil
}

// Len returns the current size of the backing buffer, for assertions.
func (m *MemFile) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
