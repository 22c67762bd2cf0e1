// Package relay forwards streamed receiver messages as UDP datagrams.
//
// Each datagram carries one message rebuilt to its wire form, tagged with a
// kind byte, protected by CRC-16/XMODEM and byte-stuffed between 0x7E flags
// so a receiver reading a lossy byte link can resynchronize.
package relay

import (
	"fmt"

	"github.com/sigurn/crc16"
)

const (
	flagByte   = 0x7E
	escapeByte = 0x7D
	escapeXor  = 0x20
)

// Kind tags the content of a datagram.
type Kind byte

const (
	KindRTCM   Kind = 0x01
	KindVendor Kind = 0x02
	KindRaw    Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindRTCM:
		return "rtcm"
	case KindVendor:
		return "vendor"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("Kind(0x%02x)", byte(k))
	}
}

var crcTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Frame wraps data as kind + data + CRC16 (big-endian), applies byte
// stuffing and adds 0x7E flags.
func Frame(kind Kind, data []byte) []byte {
	raw := make([]byte, 0, 1+len(data)+2)
	raw = append(raw, byte(kind))
	raw = append(raw, data...)
	crc := crc16.Checksum(raw, crcTable)
	raw = append(raw, byte(crc>>8), byte(crc))

	out := make([]byte, 0, 2+len(raw)*2)
	out = append(out, flagByte)
	for _, b := range raw {
		if b == flagByte || b == escapeByte {
			out = append(out, escapeByte, b^escapeXor)
			continue
		}
		out = append(out, b)
	}
	out = append(out, flagByte)
	return out
}

// Unframe reverses Frame. It returns the kind, the data, whether the CRC
// matched, and an error for malformed frames.
func Unframe(frame []byte) (kind Kind, data []byte, crcOK bool, err error) {
	if len(frame) < 5 {
		return 0, nil, false, fmt.Errorf("frame too short: %d", len(frame))
	}
	if frame[0] != flagByte || frame[len(frame)-1] != flagByte {
		return 0, nil, false, fmt.Errorf("missing start/end flags")
	}

	raw := make([]byte, 0, len(frame))
	for i := 1; i < len(frame)-1; i++ {
		b := frame[i]
		if b == escapeByte {
			i++
			if i >= len(frame)-1 {
				return 0, nil, false, fmt.Errorf("truncated escape at end of frame")
			}
			raw = append(raw, frame[i]^escapeXor)
			continue
		}
		raw = append(raw, b)
	}
	if len(raw) < 3 {
		return 0, nil, false, fmt.Errorf("unescaped payload too short: %d", len(raw))
	}

	body := raw[:len(raw)-2]
	crcGot := uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1])
	return Kind(body[0]), body[1:], crcGot == crc16.Checksum(body, crcTable), nil
}
