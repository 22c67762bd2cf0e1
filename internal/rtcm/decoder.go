// Package rtcm frames RTCM 3 correction messages. Payloads are not decoded and
// the trailing 24-bit parity is carried through without being recomputed.
package rtcm

import (
	"errors"
	"fmt"
)

const (
	Preamble = 0xD3

	// MaxPayload is the largest length expressible in the 10-bit length field.
	MaxPayload = 0x3FF

	parityLen = 3
)

var (
	ErrPayloadTooLarge = errors.New("rtcm: payload too large")
	ErrUnexpectedByte  = errors.New("rtcm: unexpected byte")
)

type state uint8

const (
	stateIdle state = iota
	stateLengthHigh
	stateLengthLow
	statePayload
	stateParity
)

// Frame is a decoded RTCM frame, or one segment of it.
//
// When the decoder's working buffer is smaller than the declared length, the
// payload is delivered in order as several segments: every segment but the
// last has Partial set, and only the last carries Parity.
type Frame struct {
	// Length is the declared payload length of the whole frame.
	Length int
	// Offset is the position of Payload within the whole frame payload.
	Offset  int
	Payload []byte
	Parity  uint32
	Partial bool
}

// Decoder is an incremental RTCM frame decoder. A frame may arrive split over
// any number of Feed calls.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	st     state
	length int
	off    int
	n      int
	parity uint32
	pn     int
	buf    []byte
}

// NewDecoder returns a decoder with a working buffer of bufSize bytes. Values
// outside (0, MaxPayload] select MaxPayload, which never splits a frame.
func NewDecoder(bufSize int) *Decoder {
	if bufSize <= 0 || bufSize > MaxPayload {
		bufSize = MaxPayload
	}
	return &Decoder{buf: make([]byte, bufSize)}
}

// Idle reports whether the decoder is between frames.
func (d *Decoder) Idle() bool {
	return d.st == stateIdle
}

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.st = stateIdle
	d.length = 0
	d.off = 0
	d.n = 0
	d.parity = 0
	d.pn = 0
}

// Feed consumes one byte. done reports that f holds a frame or, with
// f.Partial, a full working buffer that must be consumed before the next call:
// f.Payload aliases the decoder's buffer.
func (d *Decoder) Feed(b byte) (f Frame, done bool, err error) {
	switch d.st {
	case stateIdle:
		if b != Preamble {
			return Frame{}, false, ErrUnexpectedByte
		}
		d.Reset()
		d.st = stateLengthHigh

	case stateLengthHigh:
		// The top six bits are reserved.
		d.length = int(b&0x03) << 8
		d.st = stateLengthLow

	case stateLengthLow:
		d.length |= int(b)
		if d.length == 0 {
			d.st = stateParity
		} else {
			d.st = statePayload
		}

	case statePayload:
		if d.n == len(d.buf) {
			// The previous call flushed this buffer as a partial segment.
			d.off += d.n
			d.n = 0
		}
		d.buf[d.n] = b
		d.n++
		if d.off+d.n == d.length {
			d.st = stateParity
			return Frame{}, false, nil
		}
		if d.n == len(d.buf) {
			return Frame{Length: d.length, Offset: d.off, Payload: d.buf[:d.n], Partial: true}, true, nil
		}

	case stateParity:
		d.parity = d.parity<<8 | uint32(b)
		d.pn++
		if d.pn == parityLen {
			d.st = stateIdle
			return Frame{Length: d.length, Offset: d.off, Payload: d.buf[:d.n], Parity: d.parity}, true, nil
		}
	}
	return Frame{}, false, nil
}

// AppendFrame rebuilds the wire form D3 | length | payload | parity.
func AppendFrame(dst, payload []byte, parity uint32) ([]byte, error) {
	if len(payload) > MaxPayload {
		return dst, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	dst = append(dst, Preamble, byte(len(payload)>>8)&0x03, byte(len(payload)))
	dst = append(dst, payload...)
	return append(dst, byte(parity>>16), byte(parity>>8), byte(parity)), nil
}
