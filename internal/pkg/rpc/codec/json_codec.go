package codec

import "encoding/json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name must be "proto" to replace grpc's default codec: grpc selects a
// codec by content-subtype, and clients/servers that don't set one
// explicitly negotiate "proto".
func (jsonCodec) Name() string {
	return "proto"
}
