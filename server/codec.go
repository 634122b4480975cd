package server

import (
	"github.com/fxamacker/cbor/v2"
)

// cborCodec lets connect carry plain Go structs as CBOR. The connect
// protocol advertises it as application/cbor.
//
// Messages are the structs in messages.go rather than generated protobuf
// types, so the service needs no protoc step, and responses use the same
// keyasint CBOR encoding as the persisted verification results.
type cborCodec struct{}

func (cborCodec) Name() string                       { return "cbor" }
func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
