package registry

import (
	"fmt"
	"io"
)

// memReadableFile adapts an in-memory byte slice (a backend object
// fetched wholesale via FetchSegmentData) to segment.ReadableFile, so
// segment.OpenSealedFromFile can parse it without staging it to a
// temporary file on disk first.
type memReadableFile struct {
	data []byte
}

func (f *memReadableFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(f.data)) {
		return 0, fmt.Errorf("registry: memReadableFile: read past end at offset %d", off)
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}

func (f *memReadableFile) Close() error { return nil }

func readAll(r io.Reader) ([]byte, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("registry: read snapshot object: %w", err)
	}
	return buf, nil
}
