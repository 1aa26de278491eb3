package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	// Prepare header and body
	header := Header{
		Flags:   FlagFlexible,
		Txid:    12345,
		Ordinal: 0x6e545a4d2a32f01b,
		BodyLen: 11,
	}
	body := []byte("hello world")

	// Encode header and body into buffer
	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	// Decode header and body from buffer
	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// Verify decoded header
	if decodedHeader.Flags != header.Flags {
		t.Errorf("Flags mismatch: got %d, want %d", decodedHeader.Flags, header.Flags)
	}
	if decodedHeader.Txid != header.Txid {
		t.Errorf("Txid mismatch: got %d, want %d", decodedHeader.Txid, header.Txid)
	}
	if decodedHeader.Ordinal != header.Ordinal {
		t.Errorf("Ordinal mismatch: got %d, want %d", decodedHeader.Ordinal, header.Ordinal)
	}
	if decodedHeader.BodyLen != header.BodyLen {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, header.BodyLen)
	}

	// Verify decoded body
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	var buf bytes.Buffer
	frame := make([]byte, HeaderSize)
	// Wrong magic, everything else plausible
	frame[0], frame[1], frame[2] = 0x00, 0x00, 0x00
	frame[3] = Version
	buf.Write(frame)

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected error for invalid magic number, but got nil")
	}
	if !strings.Contains(err.Error(), "invalid magic number") {
		t.Errorf("error message should contain 'invalid magic number', instead: %v", err)
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	frame := make([]byte, HeaderSize)
	frame[0], frame[1], frame[2] = MagicByte1, MagicByte2, MagicByte3
	frame[3] = 0xFF // wrong version
	buf.Write(frame)

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected error for unsupported version, but got nil")
	}
	if !strings.Contains(err.Error(), "unsupported version") {
		t.Errorf("error message should contain 'unsupported version', instead: %v", err)
	}
}

func TestDecodeUnknownFlags(t *testing.T) {
	var buf bytes.Buffer
	frame := make([]byte, HeaderSize)
	frame[0], frame[1], frame[2] = MagicByte1, MagicByte2, MagicByte3
	frame[3] = Version
	frame[4] = 0x80 // unknown flag bit
	buf.Write(frame)

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected error for unknown flag bits, but got nil")
	}
	if !strings.Contains(err.Error(), "unknown flag bits") {
		t.Errorf("error message should contain 'unknown flag bits', instead: %v", err)
	}
}

func TestReservedOrdinalNeedsControlFlag(t *testing.T) {
	// A user frame carrying the epitaph ordinal must be rejected.
	header := Header{
		Flags:   0,
		Txid:    1,
		Ordinal: OrdinalEpitaph,
		BodyLen: EpitaphBodySize,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, make([]byte, EpitaphBodySize)); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("expected error for reserved ordinal without control flag, but got nil")
	}

	// And a control frame carrying a user ordinal must be rejected too.
	header = Header{
		Flags:   FlagControl,
		Txid:    0,
		Ordinal: 42,
		BodyLen: 0,
	}
	buf.Reset()
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	_, _, err = Decode(&buf)
	if err == nil {
		t.Fatal("expected error for control frame with user ordinal, but got nil")
	}
}

func TestEpitaphRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeEpitaph(&buf, -25); err != nil {
		t.Fatalf("EncodeEpitaph failed: %v", err)
	}

	header, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !header.IsControl() {
		t.Error("epitaph frame should carry the control flag")
	}
	if header.Ordinal != OrdinalEpitaph {
		t.Errorf("Ordinal mismatch: got %#x, want %#x", header.Ordinal, OrdinalEpitaph)
	}

	status, err := DecodeEpitaph(body)
	if err != nil {
		t.Fatalf("DecodeEpitaph failed: %v", err)
	}
	if status != -25 {
		t.Errorf("status mismatch: got %d, want -25", status)
	}
}

func TestKeepaliveRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeKeepalive(&buf); err != nil {
		t.Fatalf("EncodeKeepalive failed: %v", err)
	}

	header, body, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !header.IsControl() || header.Ordinal != OrdinalKeepalive {
		t.Errorf("unexpected keepalive header: %+v", header)
	}
	if len(body) != 0 {
		t.Errorf("expected empty body, got length %d", len(body))
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	// 1MB body
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		Txid:    999,
		Ordinal: 7,
		BodyLen: uint32(len(largeBody)),
	}

	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body content mismatch")
	}
}
