package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// PayloadType identifies what a frame carries.
type PayloadType byte

// Payload types on the wire.
const (
	PayloadRequest      PayloadType = 'A'
	PayloadResponse     PayloadType = 'B'
	PayloadStream       PayloadType = 'S'
	PayloadCancelAll    PayloadType = 'X'
	PayloadCancelStream PayloadType = 'C'
)

func (t PayloadType) String() string {
	switch t {
	case PayloadRequest:
		return "request"
	case PayloadResponse:
		return "response"
	case PayloadStream:
		return "stream"
	case PayloadCancelAll:
		return "cancel-all"
	case PayloadCancelStream:
		return "cancel-stream"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// Valid reports whether t is one of the known payload types.
func (t PayloadType) Valid() bool {
	switch t {
	case PayloadRequest, PayloadResponse, PayloadStream, PayloadCancelAll, PayloadCancelStream:
		return true
	}
	return false
}

const (
	// HeaderLength is the fixed size of an encoded frame header.
	HeaderLength = 22
	// MaxPayloadLength bounds the body of a single frame.
	MaxPayloadLength = 4096

	flagEnd byte = 0x01
)

var (
	ErrPayloadTooLarge = errors.New("frame payload too large")
	ErrUnknownType     = errors.New("unknown payload type")
	ErrReservedFlags   = errors.New("reserved header flags set")
)

// Header describes one frame.
// Wire format: [type:u8][flags:u8][id:16][length:u32 BE]
type Header struct {
	Type   PayloadType
	ID     uuid.UUID
	Length uint32
	End    bool
}

// MarshalTo encodes h into b, which must be at least HeaderLength bytes.
func (h Header) MarshalTo(b []byte) error {
	if len(b) < HeaderLength {
		return fmt.Errorf("header buffer too small: %d bytes", len(b))
	}
	if !h.Type.Valid() {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownType, byte(h.Type))
	}
	if h.Length > MaxPayloadLength {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	b[0] = byte(h.Type)
	b[1] = 0
	if h.End {
		b[1] = flagEnd
	}
	copy(b[2:18], h.ID[:])
	binary.BigEndian.PutUint32(b[18:22], h.Length)
	return nil
}

// ParseHeader decodes a header from the first HeaderLength bytes of b.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderLength {
		return Header{}, fmt.Errorf("short header: %d bytes", len(b))
	}
	h := Header{
		Type:   PayloadType(b[0]),
		Length: binary.BigEndian.Uint32(b[18:22]),
		End:    b[1]&flagEnd != 0,
	}
	copy(h.ID[:], b[2:18])

	if !h.Type.Valid() {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrUnknownType, b[0])
	}
	if b[1]&^flagEnd != 0 {
		return Header{}, fmt.Errorf("%w: 0x%02x", ErrReservedFlags, b[1])
	}
	if h.Length > MaxPayloadLength {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// Frame is a header plus its body segment.
type Frame struct {
	Header
	Payload []byte
}

// AppendFrame appends the encoding of a frame with the given header fields
// and body to dst. The header length is taken from len(body).
func AppendFrame(dst []byte, typ PayloadType, id uuid.UUID, end bool, body []byte) ([]byte, error) {
	var hdr [HeaderLength]byte
	h := Header{Type: typ, ID: id, Length: uint32(len(body)), End: end}
	if len(body) > MaxPayloadLength {
		return dst, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(body))
	}
	if err := h.MarshalTo(hdr[:]); err != nil {
		return dst, err
	}
	dst = append(dst, hdr[:]...)
	return append(dst, body...), nil
}

// ReadFrame reads a single frame from the reader.
// Returns (nil, nil) on clean EOF during the header read.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderLength]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	h, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return &Frame{Header: h, Payload: payload}, nil
}
