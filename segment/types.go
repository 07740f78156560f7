// Package segment implements the head (mutable, appendable) and sealed
// (immutable, index-addressed) segment file formats described in spec.md
// §4.2–§4.3, built directly on the wire layout in package frame.
//
// The split mirrors the teacher's head/tail segment split in
// dreamsxin-wal's wal.go: a single exclusively-owned writable segment plus
// any number of shareable, read-only sealed segments.
package segment

import (
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/dreamsxin/wal/frame"
)

// Info is the friendly, in-memory form of a segment's identity and
// position in the log, independent of whatever storage backs the bytes.
// It is the Go analogue of the teacher's types.SegmentInfo.
type Info struct {
	// ID uniquely names this segment's file within a namespace directory.
	ID string

	LogID                uuid.UUID
	StartFrameNo         uint64
	LastCommittedFrameNo uint64
	FrameCount           uint64
	SizeAfter            uint32
	Salt                 uint32
	Flags                uint32
	PageSize             int

	IndexOffset uint64
	IndexSize   uint64

	CreatedAt time.Time
	SealedAt  time.Time
}

// Sealed reports whether this Info describes a sealed segment.
func (i Info) Sealed() bool { return i.Flags&frame.FlagSealed != 0 }

// Header builds the on-disk SegmentHeader for this Info.
func (i Info) Header() frame.SegmentHeader {
	var sealedMillis uint64
	if !i.SealedAt.IsZero() {
		sealedMillis = uint64(i.SealedAt.UnixMilli())
	}
	return frame.SegmentHeader{
		Magic:                frame.Magic,
		Version:              frame.Version,
		StartFrameNo:         i.StartFrameNo,
		LastCommittedFrameNo: i.LastCommittedFrameNo,
		FrameCount:           i.FrameCount,
		SizeAfter:            i.SizeAfter,
		IndexOffset:          i.IndexOffset,
		IndexSize:            i.IndexSize,
		Flags:                i.Flags,
		Salt:                 i.Salt,
		PageSize:             uint16(i.PageSize),
		LogID:                i.LogID,
		SealedAtMillis:       sealedMillis,
	}
}

// InfoFromHeader converts a decoded on-disk header back into Info. id is
// supplied by the caller since it is a filesystem-level concern, not part
// of the on-disk header.
func InfoFromHeader(id string, h frame.SegmentHeader) Info {
	var sealedAt time.Time
	if h.SealedAtMillis != 0 {
		sealedAt = time.UnixMilli(int64(h.SealedAtMillis))
	}
	return Info{
		ID:                   id,
		LogID:                h.LogID,
		StartFrameNo:         h.StartFrameNo,
		LastCommittedFrameNo: h.LastCommittedFrameNo,
		FrameCount:           h.FrameCount,
		SizeAfter:            h.SizeAfter,
		Salt:                 h.Salt,
		Flags:                h.Flags,
		PageSize:             int(h.PageSize),
		IndexOffset:          h.IndexOffset,
		IndexSize:            h.IndexSize,
		SealedAt:             sealedAt,
	}
}

// WritableFile is the minimal file interface a head segment needs.
type WritableFile interface {
	io.WriterAt
	io.ReaderAt
	Sync() error
	Truncate(size int64) error
	Close() error
}

// ReadableFile is the minimal file interface a sealed segment needs.
type ReadableFile interface {
	io.ReaderAt
	Close() error
}

// Filer abstracts the filesystem operations a namespace needs to manage
// segment files, so tests can substitute an in-memory implementation — the
// same seam as the teacher's types.SegmentFiler.
type Filer interface {
	// Create makes a brand new segment file for info and returns it open
	// for writing.
	Create(info Info) (WritableFile, error)
	// OpenWritable reopens an existing unsealed segment file for writing,
	// used during recovery of a crashed head.
	OpenWritable(info Info) (WritableFile, error)
	// Open opens an existing sealed segment file read-only.
	Open(info Info) (ReadableFile, error)
	// Delete removes a segment file. Missing files are not an error.
	Delete(id string) error
	// List returns the IDs of all segment files present in the filer.
	List() ([]string, error)
}
