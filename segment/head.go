package segment

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamsxin/wal/frame"
)

var (
	// ErrFrameNoExhausted is returned by Append when the next frame_no
	// would overflow a uint64 (spec.md §8 boundary behavior).
	ErrFrameNoExhausted = errors.New("segment: frame number space exhausted")
	// ErrSealed is returned by any mutating call made against a segment
	// that has already been sealed.
	ErrSealed = errors.New("segment: segment is sealed")
)

// Head is the single mutable, appendable segment of a namespace: spec.md
// §4.2. Exactly one writer may call Append/Seal at a time; any number of
// goroutines may call ReadPage concurrently.
type Head struct {
	mu sync.RWMutex

	filer Filer
	file  WritableFile

	info         Info
	pageIdx      *pageIndex
	lastChecksum uint32
	sealed       bool
}

// CreateHead allocates a brand new, empty head segment starting at
// startFrameNo (the frame number the first appended frame will receive).
func CreateHead(filer Filer, id string, logID uuid.UUID, startFrameNo uint64, salt uint32, pageSize int) (*Head, error) {
	info := Info{
		ID:                   id,
		LogID:                logID,
		StartFrameNo:         startFrameNo,
		LastCommittedFrameNo: startFrameNo - 1,
		Salt:                 salt,
		PageSize:             pageSize,
	}
	f, err := filer.Create(info)
	if err != nil {
		return nil, err
	}
	h := &Head{filer: filer, file: f, info: info, pageIdx: newPageIndex(), lastChecksum: salt}
	if err := h.writeHeaderLocked(); err != nil {
		f.Close()
		return nil, err
	}
	return h, nil
}

// Info returns a snapshot of the segment's current header fields.
func (h *Head) Info() Info {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info
}

// nextFrameNoLocked returns the frame_no the next Append takes. Every
// frame, committed or not, takes the next number in order, so
// frame_no - start_frame_no is the frame's ordinal in the file (which
// ReadPage and the frame iterators rely on). With no uncommitted tail
// this equals:
//
//	max(last_committed_frame_no, start_frame_no - 1) + 1
func (h *Head) nextFrameNoLocked() uint64 {
	return h.info.StartFrameNo + h.info.FrameCount
}

// Append allocates the next frame_no, writes the frame, and — if
// committing — commits the transaction (updates size_after and
// last_committed_frame_no). The on-disk order is: write frame, fsync,
// rewrite header, fsync, so a crash between the two fsyncs leaves a
// recoverable uncommitted tail (spec.md §4.2).
func (h *Head) Append(pageNo uint32, page []byte, committing bool, sizeAfter uint32) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return 0, ErrSealed
	}
	if len(page) != h.info.PageSize {
		return 0, fmt.Errorf("%w: got %d want %d", frame.ErrInvalidPageSize, len(page), h.info.PageSize)
	}

	frameNo := h.nextFrameNoLocked()
	if frameNo == math.MaxUint64 {
		return 0, ErrFrameNoExhausted
	}

	ordinal := h.info.FrameCount
	hdr := frame.Header{PageNo: pageNo, FrameNo: frameNo}
	if committing {
		hdr.SizeAfter = sizeAfter
	}

	buf, newChecksum := frame.Encode(h.lastChecksum, hdr, page)
	off := frame.FrameOffset(ordinal, h.info.PageSize)
	if _, err := h.file.WriteAt(buf, off); err != nil {
		return 0, err
	}
	if err := h.file.Sync(); err != nil {
		return 0, err
	}

	h.lastChecksum = newChecksum
	h.info.FrameCount++
	h.pageIdx.append(pageNo, ordinal)

	if committing {
		h.info.LastCommittedFrameNo = frameNo
		h.info.SizeAfter = sizeAfter
		if err := h.writeHeaderLocked(); err != nil {
			return 0, err
		}
	}
	return frameNo, nil
}

// ReadPage returns the page at the most recent frame whose frame_no <=
// maxFrameNo that targets pageNo, or ok=false if no such frame exists in
// this segment.
func (h *Head) ReadPage(pageNo uint32, maxFrameNo uint64) (data []byte, ok bool, err error) {
	h.mu.RLock()
	startFrameNo := h.info.StartFrameNo
	pageSize := h.info.PageSize
	h.mu.RUnlock()

	if maxFrameNo < startFrameNo {
		return nil, false, nil
	}
	ordinal, found := h.pageIdx.atMost(pageNo, maxFrameNo-startFrameNo)
	if !found {
		return nil, false, nil
	}

	buf := make([]byte, pageSize)
	off := frame.PageOffset(ordinal, pageSize)
	if _, err := h.file.ReadAt(buf, off); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

// DbSize returns the segment's current size_after (the page count after
// the last committed transaction).
func (h *Head) DbSize() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.info.SizeAfter
}

// LastChecksum returns the running checksum of the last frame appended,
// i.e. the seed the next frame (local or injected) must chain from.
func (h *Head) LastChecksum() uint32 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastChecksum
}

// Seal flushes any pending writes, serializes the page index, marks the
// segment SEALED, and transfers file ownership to the returned Sealed.
// The Head must not be used again after Seal returns successfully.
func (h *Head) Seal() (*Sealed, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return nil, ErrSealed
	}

	idx := BuildDiskIndex(h.pageIdx.snapshotLatest())
	idxBuf := idx.Encode()
	idxOffset := frame.FrameOffset(h.info.FrameCount, h.info.PageSize)

	if _, err := h.file.WriteAt(idxBuf, idxOffset); err != nil {
		return nil, err
	}
	checksum := crc32Of(idxBuf)
	var checksumBuf [4]byte
	putU32(checksumBuf[:], checksum)
	if _, err := h.file.WriteAt(checksumBuf[:], idxOffset+int64(len(idxBuf))); err != nil {
		return nil, err
	}

	h.info.IndexOffset = uint64(idxOffset)
	h.info.IndexSize = uint64(len(idxBuf))
	h.info.Flags |= frame.FlagSealed
	h.info.SealedAt = nowFunc()
	h.sealed = true

	if err := h.writeHeaderLocked(); err != nil {
		return nil, err
	}
	if err := h.file.Sync(); err != nil {
		return nil, err
	}

	readable, err := h.filer.Open(h.info)
	if err != nil {
		return nil, err
	}
	if err := h.file.Close(); err != nil {
		readable.Close()
		return nil, err
	}

	return &Sealed{info: h.info, file: readable, index: idx}, nil
}

// TruncateTo discards every frame appended after frameCount (itself an
// ordinal, i.e. the value Info().FrameCount had at the point being
// restored to). It is the mechanism behind both Undo and SavepointUndo:
// since every Append is already fsynced, "discard" means rewinding the
// in-memory cursor and the on-disk file length back to that point,
// exactly as RecoverHead truncates an uncommitted tail left by a crash.
func (h *Head) TruncateTo(frameCount uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sealed {
		return ErrSealed
	}
	if frameCount > h.info.FrameCount {
		return fmt.Errorf("segment: truncate target %d is past current frame count %d", frameCount, h.info.FrameCount)
	}
	if frameCount == h.info.FrameCount {
		return nil
	}

	if err := h.file.Truncate(frame.FrameOffset(frameCount, h.info.PageSize)); err != nil {
		return err
	}

	checksum := h.info.Salt
	newIdx := newPageIndex()
	var ordinal uint64
	for ordinal = 0; ordinal < frameCount; ordinal++ {
		buf := make([]byte, frame.CheckedFrameSize(h.info.PageSize))
		if _, err := h.file.ReadAt(buf, frame.FrameOffset(ordinal, h.info.PageSize)); err != nil {
			return fmt.Errorf("segment: truncate: reread frame %d: %w", ordinal, err)
		}
		cf, err := frame.Decode(checksum, buf, h.info.PageSize)
		if err != nil {
			return fmt.Errorf("segment: truncate: %w", err)
		}
		checksum = cf.Checksum
		newIdx.append(cf.Header.PageNo, ordinal)
	}

	h.pageIdx = newIdx
	h.lastChecksum = checksum
	h.info.FrameCount = frameCount
	return nil
}

// HeadFrameIterator yields committed frames from a head segment in
// ascending order, as of the FrameCount/LastCommittedFrameNo snapshot
// taken when IterateFrames was called; it does not observe frames
// appended afterward. Mirrors Sealed's FrameIterator (segment/sealed.go)
// since a live head and a sealed segment are read identically once the
// committed boundary is known.
type HeadFrameIterator struct {
	h            *Head
	nextOrdinal  uint64
	limitOrdinal uint64
	pageSize     int
	seed         uint32
	done         bool
	err          error
}

// IterateFrames returns an iterator over every currently-committed frame
// with frame_no >= fromFrameNo.
func (h *Head) IterateFrames(fromFrameNo uint64) *HeadFrameIterator {
	h.mu.RLock()
	info := h.info
	h.mu.RUnlock()

	start := uint64(0)
	if fromFrameNo > info.StartFrameNo {
		start = fromFrameNo - info.StartFrameNo
	}
	var limitOrdinal uint64
	if info.LastCommittedFrameNo >= info.StartFrameNo {
		limitOrdinal = info.LastCommittedFrameNo - info.StartFrameNo + 1
	}

	it := &HeadFrameIterator{h: h, nextOrdinal: start, limitOrdinal: limitOrdinal, pageSize: info.PageSize, seed: info.Salt}
	if start > 0 {
		var buf [frame.ChecksumSize]byte
		h.mu.RLock()
		_, err := h.file.ReadAt(buf[:], frame.FrameOffset(start-1, info.PageSize))
		h.mu.RUnlock()
		if err != nil {
			it.err = fmt.Errorf("segment: iterate head frames: read preceding checksum: %w", err)
		} else {
			it.seed = getU32(buf[:])
		}
	}
	return it
}

// Next returns the next frame, or ok=false once the iterator reaches the
// committed boundary captured at IterateFrames time.
func (it *HeadFrameIterator) Next() (frame.Checked, bool, error) {
	if it.err != nil {
		err := it.err
		it.err = nil
		it.done = true
		return frame.Checked{}, false, err
	}
	if it.done || it.nextOrdinal >= it.limitOrdinal {
		it.done = true
		return frame.Checked{}, false, nil
	}
	buf := make([]byte, frame.CheckedFrameSize(it.pageSize))
	it.h.mu.RLock()
	_, err := it.h.file.ReadAt(buf, frame.FrameOffset(it.nextOrdinal, it.pageSize))
	it.h.mu.RUnlock()
	if err != nil {
		it.done = true
		return frame.Checked{}, false, err
	}
	cf, err := frame.Decode(it.seed, buf, it.pageSize)
	if err != nil {
		it.done = true
		return frame.Checked{}, false, err
	}
	it.seed = cf.Checksum
	it.nextOrdinal++
	return cf, true, nil
}

// Close releases the underlying file without sealing.
func (h *Head) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.file.Close()
}

func (h *Head) writeHeaderLocked() error {
	buf := h.info.Header().Encode()
	if _, err := h.file.WriteAt(buf, 0); err != nil {
		return err
	}
	return h.file.Sync()
}
