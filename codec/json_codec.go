package codec

import "encoding/json"

// JSONCodec serializes any value as JSON. It is the default codec: slower
// than the binary codec but works for every payload type without extra code.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
