// Package protocol implements the binary frame format used on every wirelink
// channel.
//
// It solves TCP's sticky packet problem by using a fixed-size 22-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6        10        14              22
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┬───────────────┐
//	│magic │v │fl│rz│  txid   │ bodyLen │    ordinal    │    body ...   │
//	│ wlp  │01│  │  │ uint32  │ uint32  │    uint64     │ bodyLen bytes │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┴───────────────┘
//
// The ordinal identifies a method within a protocol; the txid correlates a
// two-way request with its response on one channel (txid 0 means no response
// is expected). Control frames — the epitaph and the keepalive — are marked
// with FlagControl and use reserved ordinals that can never belong to a user
// method.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Magic number bytes: "wlp" (wirelink protocol).
// Used to quickly identify whether the incoming data is a valid wirelink
// frame, rejecting non-protocol connections hitting the wrong port.
const (
	MagicByte1 byte = 0x77 // 'w'
	MagicByte2 byte = 0x6c // 'l'
	MagicByte3 byte = 0x70 // 'p'
	Version    byte = 0x01
	HeaderSize int  = 22 // 3 (magic) + 1 (version) + 1 (flags) + 1 (reserved) + 4 (txid) + 4 (bodyLen) + 8 (ordinal)
)

// Header flag bits.
const (
	// FlagControl marks a frame as a control message (epitaph, keepalive)
	// rather than a protocol-defined method call.
	FlagControl byte = 1 << 0
	// FlagFlexible marks a call to a flexible method: the receiver may route
	// an unknown ordinal to its unknown-method path instead of tearing down
	// the connection.
	FlagFlexible byte = 1 << 1

	flagsKnown = FlagControl | FlagFlexible
)

// Reserved ordinals. OrdinalEpitaph is the all-ones value and must never be
// assigned to a user method; OrdinalKeepalive is 0, which is likewise never a
// valid method ordinal.
const (
	OrdinalEpitaph   uint64 = 0xFFFFFFFFFFFFFFFF
	OrdinalKeepalive uint64 = 0
)

// EpitaphBodySize is the fixed body length of an epitaph frame: a single
// big-endian int32 status code.
const EpitaphBodySize = 4

// Header represents the fixed 22-byte frame header.
// It carries the routing metadata needed to dispatch the following body.
type Header struct {
	Flags   byte   // FlagControl / FlagFlexible
	Txid    uint32 // Transaction id — correlates a two-way request with its response; 0 = one-way/event
	Ordinal uint64 // Method ordinal within the protocol, or a reserved control ordinal
	BodyLen uint32 // Body length in bytes — solves TCP sticky packet problem
}

// IsControl reports whether the frame is a control message.
func (h *Header) IsControl() bool {
	return h.Flags&FlagControl != 0
}

// IsFlexible reports whether the caller marked the method as flexible.
func (h *Header) IsFlexible() bool {
	return h.Flags&FlagFlexible != 0
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same
// writer, otherwise frames from different calls will interleave and corrupt
// the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	buf := make([]byte, HeaderSize)

	// Magic number: 3 bytes — protocol identification
	buf[0] = MagicByte1
	buf[1] = MagicByte2
	buf[2] = MagicByte3
	// Version: 1 byte — for future protocol upgrades
	buf[3] = Version
	// Flags: 1 byte
	buf[4] = h.Flags
	// buf[5] is reserved and stays zero
	// Transaction id: 4 bytes, big-endian (network byte order)
	binary.BigEndian.PutUint32(buf[6:10], h.Txid)
	// Body length: 4 bytes, big-endian
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)
	// Ordinal: 8 bytes, big-endian
	binary.BigEndian.PutUint64(buf[14:22], h.Ordinal)

	// Write header
	if _, err := w.Write(buf); err != nil {
		return err
	}
	// Write body (may be nil for keepalive frames)
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, flag bits, and the pairing between
// the control flag and reserved ordinals. Uses io.ReadFull to guarantee
// exactly N bytes are read, preventing partial reads.
//
// Validation failures are coding errors: the caller must treat them as fatal
// to the connection. An io error from the underlying reader is returned
// unwrapped so that peer closure stays distinguishable from malformed input.
func Decode(r io.Reader) (*Header, []byte, error) {
	// Step 1: Read the fixed 22-byte header
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	// Step 2: Validate magic number — reject non-protocol connections
	if headerBuf[0] != MagicByte1 || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}

	// Step 3: Validate version
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}

	// Step 4: Validate flags — unknown bits are a coding error
	flags := headerBuf[4]
	if flags&^flagsKnown != 0 {
		return nil, nil, fmt.Errorf("unknown flag bits: %#x", flags)
	}

	// Step 5: Parse txid, body length, and ordinal
	txid := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	ordinal := binary.BigEndian.Uint64(headerBuf[14:22])

	// Step 6: Reserved ordinals are only valid on control frames, and
	// control frames may not use user ordinals.
	isReserved := ordinal == OrdinalEpitaph || ordinal == OrdinalKeepalive
	if isReserved != (flags&FlagControl != 0) {
		return nil, nil, fmt.Errorf("ordinal %#x does not match control flag %#x", ordinal, flags)
	}
	if ordinal == OrdinalEpitaph && bodyLen != EpitaphBodySize {
		return nil, nil, fmt.Errorf("epitaph body must be %d bytes, got %d", EpitaphBodySize, bodyLen)
	}

	// Step 7: Read exactly bodyLen bytes — this is how we solve TCP sticky packet
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		Flags:   flags,
		Txid:    txid,
		Ordinal: ordinal,
		BodyLen: bodyLen,
	}, body, nil
}

// EncodeEpitaph writes an epitaph control frame carrying the given status.
// An epitaph is the last frame sent on a channel before closing it.
func EncodeEpitaph(w io.Writer, status int32) error {
	body := make([]byte, EpitaphBodySize)
	binary.BigEndian.PutUint32(body, uint32(status))
	h := Header{
		Flags:   FlagControl,
		Txid:    0,
		Ordinal: OrdinalEpitaph,
		BodyLen: EpitaphBodySize,
	}
	return Encode(w, &h, body)
}

// DecodeEpitaph extracts the status code from an epitaph frame body.
func DecodeEpitaph(body []byte) (int32, error) {
	if len(body) != EpitaphBodySize {
		return 0, fmt.Errorf("epitaph body must be %d bytes, got %d", EpitaphBodySize, len(body))
	}
	return int32(binary.BigEndian.Uint32(body)), nil
}

// EncodeKeepalive writes an empty keepalive control frame.
// Receivers skip keepalives silently; they exist only to keep idle
// connections from being reaped.
func EncodeKeepalive(w io.Writer) error {
	h := Header{
		Flags:   FlagControl,
		Txid:    0,
		Ordinal: OrdinalKeepalive,
		BodyLen: 0,
	}
	return Encode(w, &h, nil)
}
