package segment

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dreamsxin/wal/frame"
)

// Sealed is an immutable, shareable, index-addressed past segment:
// spec.md §4.3. Its content is bit-identical for the lifetime of the
// file; any mutation after Seal/OpenSealed is a bug. The file is opened
// read-only.
type Sealed struct {
	info  Info
	file  ReadableFile
	index *DiskIndex
}

// OpenSealed opens an existing sealed segment file, validating its header
// and loading its on-disk page index.
func OpenSealed(filer Filer, info Info) (*Sealed, error) {
	f, err := filer.Open(info)
	if err != nil {
		return nil, err
	}
	idx, err := loadDiskIndex(f, info)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Sealed{info: info, file: f, index: idx}, nil
}

func loadDiskIndex(f ReadableFile, info Info) (*DiskIndex, error) {
	if info.IndexSize == 0 {
		return &DiskIndex{}, nil
	}
	buf := make([]byte, info.IndexSize)
	if _, err := f.ReadAt(buf, int64(info.IndexOffset)); err != nil {
		return nil, fmt.Errorf("segment: read index: %w", err)
	}
	var checksumBuf [4]byte
	if _, err := f.ReadAt(checksumBuf[:], int64(info.IndexOffset+info.IndexSize)); err != nil {
		return nil, fmt.Errorf("segment: read index checksum: %w", err)
	}
	if want, got := getU32(checksumBuf[:]), crc32Of(buf); want != got {
		return nil, fmt.Errorf("%w: index checksum want %x got %x", frame.ErrInvalidHeaderChecksum, want, got)
	}
	return DecodeDiskIndex(buf)
}

// OpenSealedFromFile builds a Sealed directly from an already-open
// ReadableFile, parsing the segment header and on-disk index from it,
// without going through a Filer. Used to treat a fetched backend object
// (e.g. bytes read from a GetObject call, wrapped in an in-memory
// ReadableFile) as a regular sealed segment for frame iteration, per
// spec.md §4.7's Snapshot RPC ("in practice, a single compacted segment
// obtained from the backend, re-framed").
func OpenSealedFromFile(f ReadableFile) (*Sealed, error) {
	hdrBuf := make([]byte, frame.HeaderSize)
	if _, err := f.ReadAt(hdrBuf, 0); err != nil {
		return nil, fmt.Errorf("segment: read header: %w", err)
	}
	hdr, err := frame.DecodeSegmentHeader(hdrBuf)
	if err != nil {
		return nil, err
	}
	info := InfoFromHeader("", hdr)
	idx, err := loadDiskIndex(f, info)
	if err != nil {
		return nil, err
	}
	return &Sealed{info: info, file: f, index: idx}, nil
}

// Info returns the segment's header fields.
func (s *Sealed) Info() Info { return s.info }

// LastChecksum returns the running checksum chain value left by this
// segment's final frame — the seed the next segment's first frame (or a
// mid-chain reader starting right after this segment) must chain from.
// Empty segments (FrameCount == 0) have nothing to chain from but their
// own Salt.
func (s *Sealed) LastChecksum() (uint32, error) {
	if s.info.FrameCount == 0 {
		return s.info.Salt, nil
	}
	var buf [frame.ChecksumSize]byte
	off := frame.FrameOffset(s.info.FrameCount-1, s.info.PageSize)
	if _, err := s.file.ReadAt(buf[:], off); err != nil {
		return 0, fmt.Errorf("segment: last checksum: %w", err)
	}
	return getU32(buf[:]), nil
}

// Close closes the underlying file handle.
func (s *Sealed) Close() error { return s.file.Close() }

// ReadPage finds the largest frame ordinal for pageNo via the on-disk
// index, validates frame_no <= maxFrameNo, and reads the page bytes.
func (s *Sealed) ReadPage(pageNo uint32, maxFrameNo uint64) (data []byte, ok bool, err error) {
	ordinal, found := s.index.Lookup(pageNo)
	if !found {
		return nil, false, nil
	}
	frameNo := s.info.StartFrameNo + ordinal
	if frameNo > maxFrameNo {
		return nil, false, nil
	}
	buf := make([]byte, s.info.PageSize)
	off := frame.PageOffset(ordinal, s.info.PageSize)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, false, err
	}
	return buf, true, nil
}

// FrameIterator yields frames from a sealed segment in ascending order.
// It is finite and non-restartable.
type FrameIterator struct {
	s           *Sealed
	nextOrdinal uint64
	seed        uint32 // checksum the next frame's chain must extend from
	done        bool
	err         error
}

// IterateFrames returns an iterator over every frame with frame_no >=
// fromFrameNo, used by replication and compaction. When fromFrameNo lands
// mid-segment, the chain's seed is the on-disk checksum already stored in
// the preceding frame record (re-reading only its 4-byte checksum
// prefix), not s.info.Salt — that only seeds ordinal 0, and replaying
// every earlier frame's full header+data just to recompute a checksum
// the file already recorded would be wasted I/O.
func (s *Sealed) IterateFrames(fromFrameNo uint64) *FrameIterator {
	start := uint64(0)
	if fromFrameNo > s.info.StartFrameNo {
		start = fromFrameNo - s.info.StartFrameNo
	}
	it := &FrameIterator{s: s, nextOrdinal: start, seed: s.info.Salt}
	if start > 0 {
		var buf [frame.ChecksumSize]byte
		if _, err := s.file.ReadAt(buf[:], frame.FrameOffset(start-1, s.info.PageSize)); err != nil {
			it.err = fmt.Errorf("segment: iterate frames: read preceding checksum: %w", err)
		} else {
			it.seed = getU32(buf[:])
		}
	}
	return it
}

// Next returns the next frame, or ok=false once the iterator is exhausted.
func (it *FrameIterator) Next() (frame.Checked, bool, error) {
	if it.err != nil {
		err := it.err
		it.err = nil
		it.done = true
		return frame.Checked{}, false, err
	}
	if it.done || it.nextOrdinal >= it.s.info.FrameCount {
		it.done = true
		return frame.Checked{}, false, nil
	}
	pageSize := it.s.info.PageSize
	buf := make([]byte, frame.CheckedFrameSize(pageSize))
	off := frame.FrameOffset(it.nextOrdinal, pageSize)
	if _, err := it.s.file.ReadAt(buf, off); err != nil {
		it.done = true
		return frame.Checked{}, false, err
	}
	cf, err := frame.Decode(it.seed, buf, pageSize)
	if err != nil {
		it.done = true
		return frame.Checked{}, false, err
	}
	it.seed = cf.Checksum
	it.nextOrdinal++
	return cf, true, nil
}

// CompactedResult describes a freshly written compacted segment.
type CompactedResult struct {
	Info  Info
	Index *DiskIndex
}

// Compact writes each final version of each page (the highest-frame-no
// entry per page) in page-number order to out, followed by an index
// mapping page_no to the frame's ordinal in the compacted file (see the
// note below on byte offsets), per spec.md §6's compacted segment layout. newLogID identifies the compacted artifact's lineage.
func (s *Sealed) Compact(out WritableFile, newLogID uuid.UUID) (*CompactedResult, error) {
	latest := s.index // already page_no -> ordinal, final version per page by construction of BuildDiskIndex
	pageSize := s.info.PageSize

	// Re-frame each page's final version in page-number order. The FST
	// conceptually maps page_no -> byte_offset (spec.md §6); since our
	// frames are fixed-size, byte_offset is an affine function of the new
	// ordinal, so we persist ordinals (as every other sealed segment
	// does) and mark the result FlagCompacted so readers know frame_no
	// reflects position-in-compacted-order rather than original arrival
	// order. This lets ReadPage/IterateFrames work unmodified.
	newOrdinals := make(map[uint32]uint64, latest.Len())
	checksum := s.info.Salt
	buf := make([]byte, pageSize)

	for i, pageNo := range latest.pageNos {
		oldOrdinal := latest.ordinals[i]
		off := frame.PageOffset(oldOrdinal, pageSize)
		if _, err := s.file.ReadAt(buf, off); err != nil {
			return nil, fmt.Errorf("segment: compact read page %d: %w", pageNo, err)
		}
		newOrdinal := uint64(i)
		hdr := frame.Header{PageNo: pageNo, FrameNo: s.info.StartFrameNo + newOrdinal}
		if newOrdinal == uint64(latest.Len())-1 {
			hdr.SizeAfter = s.info.SizeAfter
		}
		frameBuf, newChecksum := frame.Encode(checksum, hdr, buf)
		checksum = newChecksum
		if _, err := out.WriteAt(frameBuf, frame.FrameOffset(newOrdinal, pageSize)); err != nil {
			return nil, fmt.Errorf("segment: compact write page %d: %w", pageNo, err)
		}
		newOrdinals[pageNo] = newOrdinal
	}

	idx := BuildDiskIndex(newOrdinals)
	idxBuf := idx.Encode()
	idxOffset := frame.FrameOffset(uint64(latest.Len()), pageSize)
	if _, err := out.WriteAt(idxBuf, idxOffset); err != nil {
		return nil, err
	}
	idxChecksum := crc32Of(idxBuf)
	var checksumBuf [4]byte
	putU32(checksumBuf[:], idxChecksum)
	if _, err := out.WriteAt(checksumBuf[:], idxOffset+int64(len(idxBuf))); err != nil {
		return nil, err
	}

	info := Info{
		ID:                   s.info.ID + "-compacted",
		LogID:                newLogID,
		StartFrameNo:         s.info.StartFrameNo,
		LastCommittedFrameNo: s.info.StartFrameNo + uint64(latest.Len()) - 1,
		FrameCount:           uint64(latest.Len()),
		SizeAfter:            s.info.SizeAfter,
		Salt:                 s.info.Salt,
		Flags:                frame.FlagSealed | frame.FlagCompacted,
		PageSize:             pageSize,
		IndexOffset:          uint64(idxOffset),
		IndexSize:            uint64(len(idxBuf)),
		SealedAt:             nowFunc(),
	}
	hdrBuf := info.Header().Encode()
	if _, err := out.WriteAt(hdrBuf, 0); err != nil {
		return nil, err
	}
	if err := out.Sync(); err != nil {
		return nil, err
	}

	return &CompactedResult{Info: info, Index: idx}, nil
}
