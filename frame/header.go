// Package frame implements the fixed-layout, checksum-chained on-disk
// encoding shared by every segment file: the segment header and the
// per-frame header that precedes each page image.
//
// All integers are little-endian on disk regardless of host byte order;
// every accessor in this package converts on the way in and out so callers
// never see a raw byte slice.
package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/google/uuid"
)

// Format version. Segments written with a different version are refused;
// the target design freezes little-endian encoding and the CRC32-Castagnoli
// polynomial as the canonical v1 format and does not attempt to read v2+.
const Version uint16 = 1

// Magic is the first 8 bytes of every segment file.
const Magic uint64 = 0x5741_4c53_4547_3031 // "WALSEG01"

// PageSize is fixed at 4096 in v1 of the format; other sizes are reserved.
const PageSize = 4096

// Flags bits carried in SegmentHeader.Flags.
const (
	// FlagUnordered marks a segment into which frames may be inserted out
	// of order, as happens on a follower applying a replicated stream.
	FlagUnordered uint32 = 1 << 0
	// FlagSealed marks a segment as immutable.
	FlagSealed uint32 = 1 << 1
	// FlagCompacted marks a segment as the output of compaction: frames
	// are stored in page-number order rather than write order. Not part
	// of spec.md's two required bits, but the bitset is documented as
	// open to extra flags ("at least FRAME_UNORDERED and SEALED").
	FlagCompacted uint32 = 1 << 2
)

// CRCTable is the checksum polynomial frozen for the v1 wire and disk
// format: CRC32-Castagnoli, the same choice ulysseses-wal's framer makes.
var CRCTable = crc32.MakeTable(crc32.Castagnoli)

// HeaderSize is the fixed, on-disk size in bytes of SegmentHeader.
const HeaderSize = 92

// FrameHeaderSize is the fixed, on-disk size of FrameHeader.
const FrameHeaderSize = 16

// ChecksumSize is the size of the running checksum prefixed to every frame.
const ChecksumSize = 4

// CheckedFrameSize returns the total on-disk size of one frame record
// (checksum + FrameHeader + page bytes) for the given page size.
func CheckedFrameSize(pageSize int) int {
	return ChecksumSize + FrameHeaderSize + pageSize
}

// SegmentHeader is the fixed-size header at the start of every segment
// file. Field order and widths match spec.md §6 exactly.
type SegmentHeader struct {
	Magic                 uint64
	Version               uint16
	StartFrameNo          uint64
	LastCommittedFrameNo  uint64
	FrameCount            uint64
	SizeAfter             uint32
	IndexOffset           uint64
	IndexSize             uint64
	Flags                 uint32
	Salt                  uint32
	PageSize              uint16
	LogID                 uuid.UUID
	SealedAtMillis        uint64
	HeaderChecksum        uint32
}

// HasFlag reports whether all bits in mask are set.
func (h SegmentHeader) HasFlag(mask uint32) bool { return h.Flags&mask == mask }

// Sealed reports whether the segment carries FlagSealed.
func (h SegmentHeader) Sealed() bool { return h.HasFlag(FlagSealed) }

// Encode serializes h into a HeaderSize-byte buffer, little-endian, with
// HeaderChecksum computed over all preceding bytes (the field itself is
// zeroed for the purposes of the checksum).
func (h SegmentHeader) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.encodeInto(buf)
	h.HeaderChecksum = crc32.Checksum(buf[:HeaderSize-4], CRCTable)
	binary.LittleEndian.PutUint32(buf[HeaderSize-4:], h.HeaderChecksum)
	return buf
}

func (h SegmentHeader) encodeInto(buf []byte) {
	o := 0
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[o:], v)
		o += 8
	}
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[o:], v)
		o += 4
	}
	putU16 := func(v uint16) {
		binary.LittleEndian.PutUint16(buf[o:], v)
		o += 2
	}
	putU64(h.Magic)
	putU16(h.Version)
	putU64(h.StartFrameNo)
	putU64(h.LastCommittedFrameNo)
	putU64(h.FrameCount)
	putU32(h.SizeAfter)
	putU64(h.IndexOffset)
	putU64(h.IndexSize)
	putU32(h.Flags)
	putU32(h.Salt)
	putU16(h.PageSize)
	copy(buf[o:o+16], h.LogID[:])
	o += 16
	putU64(h.SealedAtMillis)
	// HeaderChecksum (last 4 bytes) left zero here; callers append it.
}

// DecodeSegmentHeader parses a HeaderSize-byte buffer and validates the
// magic, version, and header checksum.
func DecodeSegmentHeader(buf []byte) (SegmentHeader, error) {
	if len(buf) < HeaderSize {
		return SegmentHeader{}, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidHeaderVersion, len(buf))
	}
	var h SegmentHeader
	o := 0
	getU64 := func() uint64 {
		v := binary.LittleEndian.Uint64(buf[o:])
		o += 8
		return v
	}
	getU32 := func() uint32 {
		v := binary.LittleEndian.Uint32(buf[o:])
		o += 4
		return v
	}
	getU16 := func() uint16 {
		v := binary.LittleEndian.Uint16(buf[o:])
		o += 2
		return v
	}
	h.Magic = getU64()
	if h.Magic != Magic {
		return SegmentHeader{}, fmt.Errorf("%w: bad magic %x", ErrInvalidHeaderVersion, h.Magic)
	}
	h.Version = getU16()
	if h.Version != Version {
		return SegmentHeader{}, fmt.Errorf("%w: version %d", ErrInvalidHeaderVersion, h.Version)
	}
	h.StartFrameNo = getU64()
	h.LastCommittedFrameNo = getU64()
	h.FrameCount = getU64()
	h.SizeAfter = getU32()
	h.IndexOffset = getU64()
	h.IndexSize = getU64()
	h.Flags = getU32()
	h.Salt = getU32()
	h.PageSize = getU16()
	copy(h.LogID[:], buf[o:o+16])
	o += 16
	h.SealedAtMillis = getU64()
	h.HeaderChecksum = getU32()

	if h.PageSize != PageSize {
		return SegmentHeader{}, fmt.Errorf("%w: page size %d", ErrInvalidPageSize, h.PageSize)
	}

	want := crc32.Checksum(buf[:HeaderSize-4], CRCTable)
	if want != h.HeaderChecksum {
		return SegmentHeader{}, fmt.Errorf("%w: want %x got %x", ErrInvalidHeaderChecksum, want, h.HeaderChecksum)
	}
	return h, nil
}
