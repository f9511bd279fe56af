package frame

import (
	"encoding/binary"
	"fmt"
)

// Decoder turns an incoming byte stream into frames. Bytes are fed in
// arbitrary chunks; the decoder accumulates them and yields every frame that
// is complete, keeping the remainder for the next feed. Parsing is
// restartable: feeding nothing, or too little to complete a frame, produces
// no frames and no side effects.
//
// Servers must not mask frames they send. The decoder tolerates a set mask
// bit anyway: the frame is read and unmasked instead of the connection being
// failed. This is a deliberate leniency.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty Decoder.
//
// Returns:
//   - A Decoder ready to be fed bytes
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Buffered returns the number of remainder bytes held for the next feed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends p to the decoder's buffer and returns all frames that are now
// complete, in stream order. Returned payloads alias the internal buffer and
// stay valid only until the next Feed; callers that retain a payload must
// copy it.
//
// Parameters:
//   - p: The next chunk of stream bytes, may be empty
//
// Returns:
//   - The completed frames, or an error if a frame declares an unsupported
//     payload length. After an error the decoder must be discarded.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	d.buf = append(d.buf, p...)

	var frames []Frame
	for {
		f, n, err := d.next()
		if err != nil {
			return frames, err
		}
		if n == 0 {
			return frames, nil
		}

		frames = append(frames, f)
		d.buf = d.buf[n:]
	}
}

// next attempts to parse one frame from the front of the buffer. It returns
// the consumed byte count, zero when the buffer does not yet hold a complete
// frame.
func (d *Decoder) next() (Frame, int, error) {
	if len(d.buf) < 2 {
		return Frame{}, 0, nil
	}

	fin := d.buf[0]&finBit != 0
	opcode := Opcode(d.buf[0] & opcodeMask)
	masked := d.buf[1]&maskBit != 0

	headerLen := 2
	payloadLen := uint64(d.buf[1] & lengthMask)
	switch byte(payloadLen) {
	case len16Marker:
		headerLen += 2
		if len(d.buf) < headerLen {
			return Frame{}, 0, nil
		}
		payloadLen = uint64(binary.BigEndian.Uint16(d.buf[2:4]))
	case len64Marker:
		headerLen += 8
		if len(d.buf) < headerLen {
			return Frame{}, 0, nil
		}
		payloadLen = binary.BigEndian.Uint64(d.buf[2:10])
		if payloadLen>>32 != 0 {
			return Frame{}, 0, fmt.Errorf("%w: frame declares %d bytes", ErrPayloadTooLarge, payloadLen)
		}
	}

	var key []byte
	if masked {
		if len(d.buf) < headerLen+4 {
			return Frame{}, 0, nil
		}
		key = d.buf[headerLen : headerLen+4]
		headerLen += 4
	}

	total := headerLen + int(payloadLen)
	if len(d.buf) < total {
		return Frame{}, 0, nil
	}

	payload := d.buf[headerLen:total]
	if masked {
		for i := range payload {
			payload[i] ^= key[i%4]
		}
	}

	return Frame{Fin: fin, Opcode: opcode, Payload: payload}, total, nil
}
