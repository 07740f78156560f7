package segment

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// DiskIndex is the persistent, ordered page_no -> frame-ordinal map
// written at the tail of a sealed segment file (spec.md §3's "Page
// index" / §6's `index_offset`/`index_size`).
//
// The original design calls for a finite-state transducer (FST); no FST
// library is present anywhere in the retrieval corpus (see DESIGN.md), so
// this is a sorted array of (page_no, ordinal) pairs searched with binary
// search — the same compact-ordered-map role, serialized the way the
// teacher's segment/reader.go already serializes its own flat index
// (fixed-width entries at a known offset, looked up arithmetically).
type DiskIndex struct {
	pageNos  []uint32
	ordinals []uint64
}

type diskIndexEntry struct {
	pageNo  uint32
	ordinal uint64
}

const diskIndexEntrySize = 4 + 8

// BuildDiskIndex sorts the page index snapshot by page number into a
// DiskIndex ready to serialize.
func BuildDiskIndex(pageToOrdinal map[uint32]uint64) *DiskIndex {
	entries := make([]diskIndexEntry, 0, len(pageToOrdinal))
	for p, o := range pageToOrdinal {
		entries = append(entries, diskIndexEntry{p, o})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].pageNo < entries[j].pageNo })

	idx := &DiskIndex{
		pageNos:  make([]uint32, len(entries)),
		ordinals: make([]uint64, len(entries)),
	}
	for i, e := range entries {
		idx.pageNos[i] = e.pageNo
		idx.ordinals[i] = e.ordinal
	}
	return idx
}

// Len returns the number of entries in the index.
func (d *DiskIndex) Len() int { return len(d.pageNos) }

// ForEach calls fn for every (page_no, ordinal) entry in ascending
// page_no order, stopping early if fn returns an error.
func (d *DiskIndex) ForEach(fn func(pageNo uint32, ordinal uint64) error) error {
	for i := range d.pageNos {
		if err := fn(d.pageNos[i], d.ordinals[i]); err != nil {
			return err
		}
	}
	return nil
}

// Lookup finds the frame ordinal for pageNo, if present.
func (d *DiskIndex) Lookup(pageNo uint32) (uint64, bool) {
	i := sort.Search(len(d.pageNos), func(i int) bool { return d.pageNos[i] >= pageNo })
	if i < len(d.pageNos) && d.pageNos[i] == pageNo {
		return d.ordinals[i], true
	}
	return 0, false
}

// Encode serializes the index as: count:u32 little-endian, then count
// fixed-width (page_no:u32, ordinal:u64) records in ascending page_no
// order.
func (d *DiskIndex) Encode() []byte {
	buf := make([]byte, 4+len(d.pageNos)*diskIndexEntrySize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(d.pageNos)))
	o := 4
	for i := range d.pageNos {
		binary.LittleEndian.PutUint32(buf[o:o+4], d.pageNos[i])
		binary.LittleEndian.PutUint64(buf[o+4:o+12], d.ordinals[i])
		o += diskIndexEntrySize
	}
	return buf
}

// DecodeDiskIndex parses a buffer produced by Encode.
func DecodeDiskIndex(buf []byte) (*DiskIndex, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("segment: disk index too short (%d bytes)", len(buf))
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	want := 4 + int(count)*diskIndexEntrySize
	if len(buf) < want {
		return nil, fmt.Errorf("segment: disk index truncated: want %d got %d bytes", want, len(buf))
	}
	idx := &DiskIndex{
		pageNos:  make([]uint32, count),
		ordinals: make([]uint64, count),
	}
	o := 4
	for i := 0; i < int(count); i++ {
		idx.pageNos[i] = binary.LittleEndian.Uint32(buf[o : o+4])
		idx.ordinals[i] = binary.LittleEndian.Uint64(buf[o+4 : o+12])
		o += diskIndexEntrySize
	}
	return idx, nil
}
