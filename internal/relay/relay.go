package relay

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"gnss-relay/internal/engine"
	"gnss-relay/internal/rtcm"
	"gnss-relay/internal/skytraq"
)

// Sender delivers one datagram.
type Sender interface {
	Send(p []byte) error
}

type Config struct {
	// Kinds selects what is forwarded: "rtcm", "vendor", "raw". Empty
	// forwards RTCM and raw passthrough.
	Kinds []string
}

type Snapshot struct {
	Sent      uint64 `json:"sent"`
	Skipped   uint64 `json:"skipped"`
	Dropped   uint64 `json:"dropped"`
	SendErrs  uint64 `json:"send_errors"`
	LastError string `json:"last_error,omitempty"`
}

// Relay is an engine stream consumer. Handle runs on the engine worker and
// rebuilds each message to wire form before sending it.
type Relay struct {
	out   Sender
	kinds map[Kind]bool

	// RTCM segments of the frame being reassembled; worker-owned.
	seg []byte

	sent, skipped, dropped, sendErrs atomic.Uint64

	mu      sync.Mutex
	lastErr string
}

func New(cfg Config, out Sender) (*Relay, error) {
	if out == nil {
		return nil, fmt.Errorf("relay: sender is nil")
	}
	kinds, err := parseKinds(cfg.Kinds)
	if err != nil {
		return nil, err
	}
	return &Relay{out: out, kinds: kinds, seg: make([]byte, 0, rtcm.MaxPayload)}, nil
}

func parseKinds(names []string) (map[Kind]bool, error) {
	if len(names) == 0 {
		return map[Kind]bool{KindRTCM: true, KindRaw: true}, nil
	}
	kinds := make(map[Kind]bool, len(names))
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case "rtcm":
			kinds[KindRTCM] = true
		case "vendor":
			kinds[KindVendor] = true
		case "raw":
			kinds[KindRaw] = true
		default:
			return nil, fmt.Errorf("relay: unknown kind %q", n)
		}
	}
	return kinds, nil
}

// Handle is an engine.StreamFunc.
func (r *Relay) Handle(m engine.Message) {
	kind, wire, ok := r.wire(m)
	if !ok {
		return
	}
	if !r.kinds[kind] {
		r.skipped.Add(1)
		return
	}
	if err := r.out.Send(Frame(kind, wire)); err != nil {
		r.sendErrs.Add(1)
		r.setError(fmt.Sprintf("relay send failed: %v", err))
		return
	}
	r.sent.Add(1)
}

// wire rebuilds m to the bytes the receiver sent. ok is false when there is
// nothing to send yet or the message cannot be reproduced faithfully.
func (r *Relay) wire(m engine.Message) (Kind, []byte, bool) {
	if m.Truncated() {
		r.drop("relay dropped truncated %s message len=%d", m.Kind, m.Length)
		return 0, nil, false
	}
	switch m.Kind {
	case engine.KindRTCM:
		return r.rtcmWire(m)
	case engine.KindVendorAck, engine.KindVendorNack, engine.KindVendorUnknown:
		if !m.IntegrityValid {
			r.drop("relay dropped vendor frame with bad checksum type=0x%02x", m.Type)
			return 0, nil, false
		}
		b, err := skytraq.AppendFrame(nil, m.Payload)
		if err != nil {
			r.drop("relay dropped vendor frame: %v", err)
			return 0, nil, false
		}
		return KindVendor, b, true
	case engine.KindRaw:
		return KindRaw, append([]byte(nil), m.Payload...), true
	}
	return 0, nil, false
}

func (r *Relay) rtcmWire(m engine.Message) (Kind, []byte, bool) {
	if m.Offset == 0 && len(r.seg) > 0 {
		r.drop("relay dropped incomplete rtcm frame have=%d", len(r.seg))
		r.seg = r.seg[:0]
	}
	if m.Offset != len(r.seg) {
		r.drop("relay dropped rtcm segment offset=%d have=%d", m.Offset, len(r.seg))
		r.seg = r.seg[:0]
		return 0, nil, false
	}
	if m.Partial {
		r.seg = append(r.seg, m.Payload...)
		return 0, nil, false
	}
	payload := m.Payload
	if m.Offset > 0 {
		r.seg = append(r.seg, m.Payload...)
		payload = r.seg
	}
	b, err := rtcm.AppendFrame(nil, payload, m.Parity)
	r.seg = r.seg[:0]
	if err != nil {
		r.drop("relay dropped rtcm frame: %v", err)
		return 0, nil, false
	}
	return KindRTCM, b, true
}

func (r *Relay) drop(format string, args ...any) {
	r.dropped.Add(1)
	msg := fmt.Sprintf(format, args...)
	log.Print(msg)
	r.setError(msg)
}

func (r *Relay) setError(msg string) {
	r.mu.Lock()
	r.lastErr = msg
	r.mu.Unlock()
}

func (r *Relay) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.Lock()
	lastErr := r.lastErr
	r.mu.Unlock()
	return Snapshot{
		Sent:      r.sent.Load(),
		Skipped:   r.skipped.Load(),
		Dropped:   r.dropped.Load(),
		SendErrs:  r.sendErrs.Load(),
		LastError: lastErr,
	}
}
