package frame

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Header is the fixed 16-byte header that precedes every page image inside
// a segment file.
type Header struct {
	PageNo    uint32
	SizeAfter uint32 // 0 means this frame does not commit a transaction
	FrameNo   uint64
}

// IsCommit reports whether this frame commits a transaction.
func (h Header) IsCommit() bool { return h.SizeAfter != 0 }

func (h Header) encodeInto(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.PageNo)
	binary.LittleEndian.PutUint32(buf[4:8], h.SizeAfter)
	binary.LittleEndian.PutUint64(buf[8:16], h.FrameNo)
}

// DecodeHeader parses a FrameHeaderSize-byte buffer.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < FrameHeaderSize {
		return Header{}, fmt.Errorf("%w: short frame header", ErrInvalidFrameChecksum)
	}
	return Header{
		PageNo:    binary.LittleEndian.Uint32(buf[0:4]),
		SizeAfter: binary.LittleEndian.Uint32(buf[4:8]),
		FrameNo:   binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// Checked is a fully decoded on-disk frame record: the running checksum,
// its header, and the page bytes it carries.
type Checked struct {
	Checksum uint32
	Header   Header
	Data     []byte
}

// Verify computes the next running checksum for a frame, chaining from
// prevChecksum (the seed for frame 0 is SegmentHeader.Salt) per spec.md §3:
//
//	checksum(n) = CRC32(checksum(n-1) || header(n) || data(n))
func Verify(prevChecksum uint32, h Header, data []byte) uint32 {
	crc := crc32.New(CRCTable)
	var seed [4]byte
	binary.LittleEndian.PutUint32(seed[:], prevChecksum)
	crc.Write(seed[:])
	var hbuf [FrameHeaderSize]byte
	h.encodeInto(hbuf[:])
	crc.Write(hbuf[:])
	crc.Write(data)
	return crc.Sum32()
}

// Encode serializes a checksum-chained frame (checksum || header || data)
// for append to a segment file. prevChecksum seeds the chain.
func Encode(prevChecksum uint32, h Header, data []byte) (buf []byte, newChecksum uint32) {
	newChecksum = Verify(prevChecksum, h, data)
	buf = make([]byte, ChecksumSize+FrameHeaderSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], newChecksum)
	h.encodeInto(buf[4 : 4+FrameHeaderSize])
	copy(buf[4+FrameHeaderSize:], data)
	return buf, newChecksum
}

// Decode parses a CheckedFrameSize(pageSize)-byte record and validates its
// checksum against prevChecksum.
func Decode(prevChecksum uint32, buf []byte, pageSize int) (Checked, error) {
	want := CheckedFrameSize(pageSize)
	if len(buf) < want {
		return Checked{}, fmt.Errorf("%w: short frame record (%d of %d bytes)", ErrInvalidFrameChecksum, len(buf), want)
	}
	checksum := binary.LittleEndian.Uint32(buf[0:4])
	h, err := DecodeHeader(buf[4 : 4+FrameHeaderSize])
	if err != nil {
		return Checked{}, err
	}
	data := buf[4+FrameHeaderSize : 4+FrameHeaderSize+pageSize]

	if got := Verify(prevChecksum, h, data); got != checksum {
		return Checked{}, fmt.Errorf("%w: frame %d want %x got %x", ErrInvalidFrameChecksum, h.FrameNo, checksum, got)
	}
	return Checked{Checksum: checksum, Header: h, Data: data}, nil
}

// FrameOffset returns the byte offset of the ordinal-th frame record
// (0-based) within a segment file of the given page size. Purely
// arithmetic on fixed-size records.
func FrameOffset(ordinal uint64, pageSize int) int64 {
	return int64(HeaderSize) + int64(ordinal)*int64(CheckedFrameSize(pageSize))
}

// PageOffset returns the byte offset of the page bytes within the
// ordinal-th frame record.
func PageOffset(ordinal uint64, pageSize int) int64 {
	return FrameOffset(ordinal, pageSize) + ChecksumSize + FrameHeaderSize
}
