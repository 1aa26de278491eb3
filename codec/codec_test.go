package codec

import (
	"encoding/binary"
	"errors"
	"testing"
)

type point struct {
	X, Y int32
}

func (p *point) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.X))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Y))
	return buf, nil
}

func (p *point) UnmarshalBinary(data []byte) error {
	if len(data) != 8 {
		return errors.New("point: need 8 bytes")
	}
	p.X = int32(binary.BigEndian.Uint32(data[0:4]))
	p.Y = int32(binary.BigEndian.Uint32(data[4:8]))
	return nil
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := GetCodec(CodecTypeJSON)
	if c.Type() != CodecTypeJSON {
		t.Fatalf("expected JSON codec, got type %d", c.Type())
	}

	in := &point{X: 3, Y: -7}
	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	out := &point{}
	if err := c.Decode(data, out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if *out != *in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestJSONCodecDecodeMalformed(t *testing.T) {
	c := &JSONCodec{}
	out := &point{}
	if err := c.Decode([]byte("{not json"), out); err == nil {
		t.Fatal("expected error decoding malformed JSON")
	}
}

func TestBinaryCodecRoundTrip(t *testing.T) {
	c := GetCodec(CodecTypeBinary)
	if c.Type() != CodecTypeBinary {
		t.Fatalf("expected binary codec, got type %d", c.Type())
	}

	in := &point{X: 42, Y: 99}
	data, err := c.Encode(in)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(data) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(data))
	}

	out := &point{}
	if err := c.Decode(data, out); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if *out != *in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestBinaryCodecRejectsPlainValue(t *testing.T) {
	c := &BinaryCodec{}
	if _, err := c.Encode(struct{}{}); err == nil {
		t.Fatal("expected error encoding a value without MarshalBinary")
	}
	if err := c.Decode(nil, struct{}{}); err == nil {
		t.Fatal("expected error decoding into a value without UnmarshalBinary")
	}
}
