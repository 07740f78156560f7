package segment

import (
	"fmt"

	"github.com/dreamsxin/wal/frame"
)

// RecoverHead reopens an existing, previously-unsealed segment file as the
// active head, truncating any uncommitted tail: frames physically present
// past the persisted header's FrameCount that were written (and fsynced)
// but never committed because the process crashed between the frame
// fsync and the header rewrite (spec.md §4.2, §7, §8 scenario 6).
func RecoverHead(filer Filer, info Info) (*Head, error) {
	f, err := filer.OpenWritable(info)
	if err != nil {
		return nil, err
	}

	pageIdx := newPageIndex()
	checksum := info.Salt
	var ordinal uint64
	for ordinal = 0; ordinal < info.FrameCount; ordinal++ {
		buf := make([]byte, frame.CheckedFrameSize(info.PageSize))
		if _, err := f.ReadAt(buf, frame.FrameOffset(ordinal, info.PageSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("segment: recover: read frame %d: %w", ordinal, err)
		}
		cf, err := frame.Decode(checksum, buf, info.PageSize)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("segment: recover: %w", err)
		}
		checksum = cf.Checksum
		pageIdx.append(cf.Header.PageNo, ordinal)
	}

	// Discard anything physically present past the last known-committed
	// frame count: an uncommitted tail from a crashed transaction.
	if err := f.Truncate(frame.FrameOffset(info.FrameCount, info.PageSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: recover: truncate uncommitted tail: %w", err)
	}

	return &Head{
		filer:        filer,
		file:         f,
		info:         info,
		pageIdx:      pageIdx,
		lastChecksum: checksum,
	}, nil
}
