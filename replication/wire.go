package replication

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/dreamsxin/wal/frame"
)

// EncodeFrame gob-encodes a checked frame for the FrameBytes field of a
// LogEntriesResponse/SnapshotResponse. The disk format (checksum||header||
// data) is not reused directly because frame.Header's encoder is
// unexported outside package frame; gob already carries every call on
// this RPC transport (codec.go), so reusing it here keeps one wire
// convention instead of two.
func EncodeFrame(cf frame.Checked) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cf); err != nil {
		return nil, fmt.Errorf("replication: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFrame reverses EncodeFrame.
func DecodeFrame(b []byte) (frame.Checked, error) {
	var cf frame.Checked
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&cf); err != nil {
		return frame.Checked{}, fmt.Errorf("replication: decode frame: %w", err)
	}
	return cf, nil
}
