package skytraq

import (
	"errors"
	"fmt"
)

const (
	Preamble1  = 0xA0
	Preamble2  = 0xA1
	Postamble1 = 0x0D
	Postamble2 = 0x0A

	// MsgAck and MsgNack are the receiver's responses to a configuration
	// message. The second payload byte echoes the acknowledged message ID.
	MsgAck  = 0x83
	MsgNack = 0x84

	// MaxFrameLength is the largest length the 16-bit length field can carry.
	MaxFrameLength = 0xFFFF

	// DefaultMaxPayload bounds the decoder's payload buffer when no size is
	// configured.
	DefaultMaxPayload = 512

	headerLen  = 4
	trailerLen = 3
)

var (
	ErrPayloadTooLarge = errors.New("skytraq: payload too large")
	ErrEmptyPayload    = errors.New("skytraq: empty payload")
	ErrUnexpectedByte  = errors.New("skytraq: unexpected byte")
	ErrIncomplete      = errors.New("skytraq: incomplete frame")
)

// Checksum is the XOR of every payload byte.
func Checksum(payload []byte) byte {
	var cs byte
	for _, b := range payload {
		cs ^= b
	}
	return cs
}

// AppendFrame wraps payload as A0 A1 | len (big-endian) | payload | xor | 0D 0A
// and appends the result to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return dst, ErrEmptyPayload
	}
	if len(payload) > MaxFrameLength {
		return dst, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxFrameLength)
	}
	dst = append(dst, Preamble1, Preamble2, byte(len(payload)>>8), byte(len(payload)))
	dst = append(dst, payload...)
	dst = append(dst, Checksum(payload), Postamble1, Postamble2)
	return dst, nil
}

// Frame returns a freshly allocated frame for payload.
func Frame(payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, headerLen+len(payload)+trailerLen), payload)
}

// Decode decodes exactly one complete frame. The returned payload is a copy.
func Decode(frame []byte) (Message, error) {
	d := NewDecoder(len(frame))
	for i, b := range frame {
		msg, done, err := d.Feed(b)
		if err != nil {
			return Message{}, err
		}
		if done {
			if i != len(frame)-1 {
				return Message{}, fmt.Errorf("skytraq: %d trailing bytes after frame", len(frame)-1-i)
			}
			msg.Payload = append([]byte(nil), msg.Payload...)
			return msg, nil
		}
	}
	return Message{}, ErrIncomplete
}
