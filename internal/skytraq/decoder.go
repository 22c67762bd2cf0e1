package skytraq

import "fmt"

type state uint8

const (
	stateIdle state = iota
	statePreamble2
	stateLengthHigh
	stateLengthLow
	statePayload
	stateChecksum
	statePostamble1
	statePostamble2
)

// Kind classifies a decoded message by its first payload byte.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAck
	KindNack
)

func (k Kind) String() string {
	switch k {
	case KindAck:
		return "ack"
	case KindNack:
		return "nack"
	default:
		return "unknown"
	}
}

// Message is one decoded vendor binary frame.
type Message struct {
	Kind Kind
	// Type is the message ID (first payload byte).
	Type byte
	// Code is the acknowledged message ID for Ack/Nack, zero otherwise.
	Code byte
	// Payload includes the message ID byte.
	Payload []byte
	// ChecksumOK reports whether the trailing XOR matched the payload.
	ChecksumOK bool
}

// Decoder is an incremental vendor binary frame decoder. Its state persists
// across Feed calls, so a frame may arrive split over any number of reads.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	st     state
	length int
	n      int
	sum    byte
	ckOK   bool
	buf    []byte
}

// NewDecoder returns a decoder whose payload buffer holds maxPayload bytes.
// Frames declaring a longer payload are rejected with ErrPayloadTooLarge.
func NewDecoder(maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if maxPayload > MaxFrameLength {
		maxPayload = MaxFrameLength
	}
	return &Decoder{buf: make([]byte, maxPayload)}
}

// Idle reports whether the decoder is between frames.
func (d *Decoder) Idle() bool {
	return d.st == stateIdle
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.st = stateIdle
	d.length = 0
	d.n = 0
	d.sum = 0
	d.ckOK = false
}

// Feed consumes one byte. When b completes a frame, done is true and msg holds
// the result; msg.Payload aliases the decoder's buffer and is only valid until
// the next call to Feed.
//
// A non-nil error means the partial frame was dropped and the decoder is idle
// again. ErrUnexpectedByte means b did not belong to a frame and may be
// examined as the start of something else.
func (d *Decoder) Feed(b byte) (msg Message, done bool, err error) {
	switch d.st {
	case stateIdle:
		if b != Preamble1 {
			return Message{}, false, ErrUnexpectedByte
		}
		d.Reset()
		d.st = statePreamble2

	case statePreamble2:
		if b != Preamble2 {
			d.Reset()
			return Message{}, false, ErrUnexpectedByte
		}
		d.st = stateLengthHigh

	case stateLengthHigh:
		d.length = int(b) << 8
		d.st = stateLengthLow

	case stateLengthLow:
		d.length |= int(b)
		if d.length == 0 {
			d.Reset()
			return Message{}, false, ErrEmptyPayload
		}
		if d.length > len(d.buf) {
			l := d.length
			d.Reset()
			return Message{}, false, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, l, len(d.buf))
		}
		d.st = statePayload

	case statePayload:
		d.buf[d.n] = b
		d.sum ^= b
		d.n++
		if d.n == d.length {
			d.st = stateChecksum
		}

	case stateChecksum:
		d.ckOK = b == d.sum
		d.st = statePostamble1

	case statePostamble1:
		// Postamble bytes are not checked; any two bytes close the frame.
		d.st = statePostamble2

	case statePostamble2:
		d.st = stateIdle
		return d.message(), true, nil
	}
	return Message{}, false, nil
}

func (d *Decoder) message() Message {
	p := d.buf[:d.n]
	m := Message{Type: p[0], Payload: p, ChecksumOK: d.ckOK}
	switch p[0] {
	case MsgAck:
		m.Kind = KindAck
	case MsgNack:
		m.Kind = KindNack
	}
	if m.Kind != KindUnknown && len(p) > 1 {
		m.Code = p[1]
	}
	return m
}
