// Package frame implements the client side of the RFC 6455 wire format:
// encoding of masked client frames and restartable decoding of server frames
// from an accumulating byte stream.
package frame

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// Opcode identifies the type of a frame per RFC 6455 Section 5.2.
type Opcode byte

const (
	// OpcodeText indicates a text frame.
	OpcodeText Opcode = 0x1
	// OpcodeBinary indicates a binary frame.
	OpcodeBinary Opcode = 0x2
	// OpcodeClose indicates a close frame.
	OpcodeClose Opcode = 0x8
	// OpcodePing indicates a ping frame.
	OpcodePing Opcode = 0x9
	// OpcodePong indicates a pong frame.
	OpcodePong Opcode = 0xA
)

// IsControl reports whether the opcode is a control frame opcode.
func (o Opcode) IsControl() bool {
	switch o {
	case OpcodeClose, OpcodePing, OpcodePong:
		return true
	default:
		return false
	}
}

// String returns the string representation of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpcodeText:
		return "TEXT"
	case OpcodeBinary:
		return "BINARY"
	case OpcodeClose:
		return "CLOSE"
	case OpcodePing:
		return "PING"
	case OpcodePong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// Close status codes as defined in RFC 6455 Section 7.4.1.
const (
	CloseNormalClosure   uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseProtocolError   uint16 = 1002
	CloseUnsupportedData uint16 = 1003
	CloseNoStatusRcvd    uint16 = 1005
	CloseAbnormalClosure uint16 = 1006
)

// Header layout masks for the first two frame bytes.
const (
	finBit     byte = 0x80
	maskBit    byte = 0x80
	opcodeMask byte = 0x0F
	lengthMask byte = 0x7F

	len16Marker byte = 126
	len64Marker byte = 127
)

// ErrPayloadTooLarge is returned when a payload length cannot be represented
// with the high 32 bits of the 64-bit length field zero. Payloads of 4 GiB
// and above are unsupported.
var ErrPayloadTooLarge = errors.New("frame payload too large")

// Frame is one decoded unit of the wire protocol.
type Frame struct {
	// Fin indicates whether this is the final fragment of a message.
	Fin bool
	// Opcode identifies the type of frame. Values outside the known set are
	// passed through for the caller to ignore.
	Opcode Opcode
	// Payload contains the frame's payload data. For decoded frames it
	// aliases the decoder's buffer and stays valid only until the next Feed.
	Payload []byte
}

// Encode builds a single client frame: FIN set, mask bit set, a fresh random
// 4-byte mask key, and the payload XORed with the key cycled by index mod 4.
//
// Parameters:
//   - op: The frame opcode
//   - payload: The payload bytes; nil encodes a frame of length zero
//
// Returns:
//   - The complete frame bytes, or an error if the payload length is
//     unsupported or no mask key could be generated
func Encode(op Opcode, payload []byte) ([]byte, error) {
	n := uint64(len(payload))
	if n>>32 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, n)
	}

	headerLen := 2
	switch {
	case n >= 65536:
		headerLen += 8
	case n >= uint64(len16Marker):
		headerLen += 2
	}

	buf := make([]byte, headerLen+4+len(payload))
	buf[0] = finBit | byte(op)

	switch {
	case n >= 65536:
		buf[1] = maskBit | len64Marker
		binary.BigEndian.PutUint64(buf[2:10], n)
	case n >= uint64(len16Marker):
		buf[1] = maskBit | len16Marker
		binary.BigEndian.PutUint16(buf[2:4], uint16(n))
	default:
		buf[1] = maskBit | byte(n)
	}

	key := buf[headerLen : headerLen+4]
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate mask key: %w", err)
	}

	out := buf[headerLen+4:]
	for i, b := range payload {
		out[i] = b ^ key[i%4]
	}

	return buf, nil
}

// EncodeClose builds a close frame whose payload is the 2-byte big-endian
// status code followed by the UTF-8 reason.
//
// Parameters:
//   - code: The close status code
//   - reason: The close reason, may be empty
//
// Returns:
//   - The complete frame bytes, or an error from Encode
func EncodeClose(code uint16, reason string) ([]byte, error) {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], code)
	copy(payload[2:], reason)
	return Encode(OpcodeClose, payload)
}

// ParseClose resolves a close frame payload into a status code and reason.
// A payload shorter than two bytes carries no code and resolves to
// CloseNormalClosure with an empty reason.
//
// Parameters:
//   - payload: The close frame payload
//
// Returns:
//   - The close status code and the UTF-8 reason
func ParseClose(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return CloseNormalClosure, ""
	}

	return binary.BigEndian.Uint16(payload[:2]), string(payload[2:])
}
