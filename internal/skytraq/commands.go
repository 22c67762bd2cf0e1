package skytraq

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Message IDs of the configuration commands understood by PX1122R-class
// receivers.
const (
	MsgConfigureNMEATalkerID = 0x4B
	MsgConfigureInterval     = 0x64
	MsgConfigureRTK          = 0x6A

	subIDExtendedInterval = 0x02
	subIDSentenceInterval = 0x21
	subIDRTKMode          = 0x06
)

// Command is a receiver configuration message. AppendPayload appends the
// message ID, any sub-ID, and the body; multi-byte fields are big-endian.
type Command interface {
	MessageID() byte
	AppendPayload(dst []byte) []byte
}

// Encode frames cmd for transmission.
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("skytraq: nil command")
	}
	return Frame(cmd.AppendPayload(make([]byte, 0, 64)))
}

// RTKMode configures base/rover operation. Latitude and longitude are in
// degrees, Altitude and BaselineLength in meters.
type RTKMode struct {
	Mode           uint8
	Function       uint8
	SurveyLength   uint32
	StdDev         uint32
	Latitude       float64
	Longitude      float64
	Altitude       float32
	BaselineLength float32
}

func (RTKMode) MessageID() byte { return MsgConfigureRTK }

func (c RTKMode) AppendPayload(dst []byte) []byte {
	dst = append(dst, MsgConfigureRTK, subIDRTKMode, c.Mode, c.Function)
	dst = binary.BigEndian.AppendUint32(dst, c.SurveyLength)
	dst = binary.BigEndian.AppendUint32(dst, c.StdDev)
	dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(c.Latitude))
	dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(c.Longitude))
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(c.Altitude))
	dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(c.BaselineLength))
	return dst
}

func (c RTKMode) String() string {
	return fmt.Sprintf("rtk-mode mode=%d function=%d survey=%d std_dev=%d lat=%.8f lon=%.8f alt=%.2f baseline=%.2f",
		c.Mode, c.Function, c.SurveyLength, c.StdDev, c.Latitude, c.Longitude, c.Altitude, c.BaselineLength)
}

// SentenceInterval sets the output interval of a single proprietary sentence
// (for example $PSTI,030). Interval 0 disables it.
type SentenceInterval struct {
	SentenceID uint8
	Interval   uint8
}

func (SentenceInterval) MessageID() byte { return MsgConfigureInterval }

func (c SentenceInterval) AppendPayload(dst []byte) []byte {
	return append(dst, MsgConfigureInterval, subIDSentenceInterval, c.SentenceID, c.Interval)
}

func (c SentenceInterval) String() string {
	return fmt.Sprintf("sentence-interval id=%d interval=%d", c.SentenceID, c.Interval)
}

// Talker selects the NMEA talker ID prefix.
type Talker uint8

const (
	TalkerGP Talker = iota
	TalkerGN
	TalkerAuto
)

func (t Talker) String() string {
	switch t {
	case TalkerGP:
		return "GP"
	case TalkerGN:
		return "GN"
	case TalkerAuto:
		return "AUTO"
	default:
		return fmt.Sprintf("Talker(%d)", uint8(t))
	}
}

// ParseTalker maps "GP", "GN" or "AUTO" to a Talker.
func ParseTalker(s string) (Talker, error) {
	switch s {
	case "GP", "gp":
		return TalkerGP, nil
	case "GN", "gn":
		return TalkerGN, nil
	case "AUTO", "auto":
		return TalkerAuto, nil
	default:
		return 0, fmt.Errorf("skytraq: unknown talker id %q", s)
	}
}

// TalkerID configures the NMEA talker ID.
type TalkerID struct {
	Talker Talker
}

func (TalkerID) MessageID() byte { return MsgConfigureNMEATalkerID }

func (c TalkerID) AppendPayload(dst []byte) []byte {
	return append(dst, MsgConfigureNMEATalkerID, byte(c.Talker))
}

func (c TalkerID) String() string { return "talker-id " + c.Talker.String() }

// ExtendedInterval sets the output interval, in seconds, of every standard
// NMEA sentence at once. Zero disables a sentence. The receiver restarts its
// output after applying it.
type ExtendedInterval struct {
	GGA, GSA, GSV, GLL, RMC, VTG, ZDA, GNS, GBS, GRS, DTM, GST uint8
}

func (ExtendedInterval) MessageID() byte { return MsgConfigureInterval }

func (c ExtendedInterval) AppendPayload(dst []byte) []byte {
	return append(dst, MsgConfigureInterval, subIDExtendedInterval,
		c.GGA, c.GSA, c.GSV, c.GLL, c.RMC, c.VTG, c.ZDA, c.GNS, c.GBS, c.GRS, c.DTM, c.GST)
}

func (c ExtendedInterval) String() string {
	return fmt.Sprintf("extended-interval gga=%d gsa=%d gsv=%d gll=%d rmc=%d vtg=%d zda=%d gns=%d gbs=%d grs=%d dtm=%d gst=%d",
		c.GGA, c.GSA, c.GSV, c.GLL, c.RMC, c.VTG, c.ZDA, c.GNS, c.GBS, c.GRS, c.DTM, c.GST)
}
