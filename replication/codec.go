package replication

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is both the encoding.Codec's registered name and the
// content-subtype negotiated on every call via grpc.CallContentSubtype,
// producing the content-type "application/grpc+gobframe" spec.md §6
// describes generically as "binary framing" over a streaming RPC
// transport.
const codecName = "gobframe"

func init() {
	encoding.RegisterCodec(gobCodec{})
}

// gobCodec implements google.golang.org/grpc/encoding.Codec by
// gob-encoding the plain request/response structs in this package. Real
// HTTP/2 framing, flow control, metadata, and status codes all come from
// grpc-go; only the payload marshaling is hand-rolled, and only because
// no protobuf definition for these messages exists in the retrieval
// corpus.
type gobCodec struct{}

func (gobCodec) Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("replication: gob marshal: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("replication: gob unmarshal: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return codecName }
