package engine

import "fmt"

// Kind tags a decoded Message.
type Kind uint8

const (
	KindVendorAck Kind = iota + 1
	KindVendorNack
	KindVendorUnknown
	KindRTCM
	// KindRaw is unframed passthrough, normally NMEA text.
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindVendorAck:
		return "vendor-ack"
	case KindVendorNack:
		return "vendor-nack"
	case KindVendorUnknown:
		return "vendor"
	case KindRTCM:
		return "rtcm"
	case KindRaw:
		return "raw"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Message is one unit of decoded receiver output.
//
// Payload is borrowed: it is only valid for the duration of the callback it
// is passed to. Consumers that keep it must copy it.
type Message struct {
	Kind Kind

	// Type is the vendor message ID.
	Type byte
	// Code is the acknowledged message ID of an Ack or Nack.
	Code byte

	// Payload is the vendor payload (including its ID byte), the RTCM payload,
	// or the raw passthrough bytes. It may be truncated by the stream
	// publisher; Length always holds the original size.
	Payload []byte
	Length  int

	// RTCM only.
	Parity  uint32
	Offset  int
	Partial bool
	// FrameLength is the declared RTCM payload length; it differs from Length
	// when the frame was delivered in segments.
	FrameLength int

	// IntegrityValid is false when a vendor checksum did not match. RTCM parity
	// is carried, not verified, so RTCM frames always report true.
	IntegrityValid bool
}

// Truncated reports whether the stream publisher cut the payload short.
func (m Message) Truncated() bool {
	return len(m.Payload) < m.Length
}
