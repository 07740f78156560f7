package segment

import (
	"encoding/binary"
	"hash/crc32"
	"time"

	"github.com/dreamsxin/wal/frame"
)

func crc32Of(b []byte) uint32 { return crc32.Checksum(b, frame.CRCTable) }

func putU32(buf []byte, v uint32) { binary.LittleEndian.PutUint32(buf, v) }

func getU32(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf) }

// nowFunc is a seam so tests can pin SealedAt; production always uses the
// wall clock.
var nowFunc = time.Now
