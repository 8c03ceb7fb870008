// Package codec registers a JSON-backed grpc.Codec under the name "proto",
// overriding grpc's built-in protobuf codec. The installer's wire messages
// (api/dsi) are plain Go structs rather than protoc-generated proto.Message
// implementations, so the real protobuf codec cannot marshal them; this is
// the one deliberate deviation from a protoc-backed transport, documented
// in DESIGN.md. Everything else about the gRPC transport (the server,
// the listener, the service descriptor, the client stub shapes) is used
// exactly as generated code would use it.
package codec

import "google.golang.org/grpc/encoding"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
