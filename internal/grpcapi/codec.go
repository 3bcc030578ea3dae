package grpcapi

import (
	"bytes"
	"encoding/json"

	"google.golang.org/grpc/encoding"

	"github.com/policy-hub/coordinator/internal/telemetry/ingest"
)

// CodecName is the content subtype of the coordinator's gRPC messages.
const CodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// rawFrame holds an undecoded request. Server handlers receive frames from the
// codec and decode them strictly once the call is authenticated.
type rawFrame []byte

// jsonCodec carries plain Go structs, which have no protobuf descriptors.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal rejects unknown fields. Errors are validation errors with a field list.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	if f, ok := v.(*rawFrame); ok {
		*f = append((*f)[:0], data...)
		return nil
	}
	return ingest.DecodeJSON(bytes.NewReader(data), v)
}

func (jsonCodec) Name() string {
	return CodecName
}

// decodeFrame decodes f into v with the same rules as the HTTP surface.
func decodeFrame(f rawFrame, v any) error {
	return ingest.DecodeJSON(bytes.NewReader(f), v)
}
