package codec

import (
	"encoding"
	"errors"
)

// BinaryCodec serializes values that implement encoding.BinaryMarshaler /
// encoding.BinaryUnmarshaler. Payload types that hand-roll their wire layout
// use this codec to skip the JSON reflection cost.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	m, ok := v.(encoding.BinaryMarshaler)
	if !ok {
		return nil, errors.New("BinaryCodec: v must implement encoding.BinaryMarshaler")
	}
	return m.MarshalBinary()
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	u, ok := v.(encoding.BinaryUnmarshaler)
	if !ok {
		return errors.New("BinaryCodec: v must implement encoding.BinaryUnmarshaler")
	}
	return u.UnmarshalBinary(data)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
