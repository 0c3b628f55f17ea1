package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec over plain
// JSON rather than protobuf wire encoding. swapd's request/response types
// are hand-written Go structs, not protoc output, so there is no
// proto.Message to satisfy the default codec; registering a JSON codec lets
// the rest of the stack (transport, interceptors, streaming, prometheus
// metrics) stay exactly the grpc-ecosystem stack the teacher uses.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

// CodecName is the content subtype grpc.CallContentSubtype expects;
// dialers pass it via grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName))
// so every call on the connection is marshaled with jsonCodec.
const CodecName = "json"
