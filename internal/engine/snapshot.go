package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	State          string `json:"state"`
	Streaming      bool   `json:"streaming"`
	CommandPending bool   `json:"command_pending"`

	Chunks   uint64 `json:"chunks"`
	Bytes    uint64 `json:"bytes"`
	Overruns uint64 `json:"overruns"`

	VendorFrames uint64 `json:"vendor_frames"`
	RTCMFrames   uint64 `json:"rtcm_frames"`
	RTCMSegments uint64 `json:"rtcm_segments"`
	RawRuns      uint64 `json:"raw_runs"`

	ChecksumErrors  uint64 `json:"checksum_errors"`
	PayloadTooLarge uint64 `json:"payload_too_large"`
	Malformed       uint64 `json:"malformed"`

	Published       uint64 `json:"published"`
	Truncated       uint64 `json:"truncated"`
	Suppressed      uint64 `json:"suppressed"`
	StaleResponses  uint64 `json:"stale_responses"`
	Commands        uint64 `json:"commands"`
	CommandTimeouts uint64 `json:"command_timeouts"`
	Nacks           uint64 `json:"nacks"`

	LastError    string   `json:"last_error,omitempty"`
	RecentErrors []string `json:"recent_errors,omitempty"`
}

type counters struct {
	chunks, bytes, overruns                         atomic.Uint64
	vendorFrames, rtcmFrames, rtcmSegments, rawRuns atomic.Uint64
	checksumErrors, payloadTooLarge, malformed      atomic.Uint64
	published, truncated, suppressed, stale         atomic.Uint64
	commands, commandTimeouts, nacks                atomic.Uint64
}

func (c *counters) fill(s *Snapshot) {
	s.Chunks = c.chunks.Load()
	s.Bytes = c.bytes.Load()
	s.Overruns = c.overruns.Load()
	s.VendorFrames = c.vendorFrames.Load()
	s.RTCMFrames = c.rtcmFrames.Load()
	s.RTCMSegments = c.rtcmSegments.Load()
	s.RawRuns = c.rawRuns.Load()
	s.ChecksumErrors = c.checksumErrors.Load()
	s.PayloadTooLarge = c.payloadTooLarge.Load()
	s.Malformed = c.malformed.Load()
	s.Published = c.published.Load()
	s.Truncated = c.truncated.Load()
	s.Suppressed = c.suppressed.Load()
	s.StaleResponses = c.stale.Load()
	s.Commands = c.commands.Load()
	s.CommandTimeouts = c.commandTimeouts.Load()
	s.Nacks = c.nacks.Load()
}

// errorTail keeps the most recent error lines, oldest first.
type errorTail struct {
	mu       sync.Mutex
	maxLines int
	lines    []string
}

func newErrorTail(maxLines int) *errorTail {
	if maxLines < 0 {
		maxLines = 0
	}
	return &errorTail{maxLines: maxLines, lines: make([]string, 0, maxLines)}
}

func (t *errorTail) add(now time.Time, line string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxLines == 0 {
		return
	}
	line = now.UTC().Format(time.RFC3339Nano) + " " + line
	if len(t.lines) < t.maxLines {
		t.lines = append(t.lines, line)
		return
	}
	copy(t.lines, t.lines[1:])
	t.lines[len(t.lines)-1] = line
}

func (t *errorTail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.lines) == 0 {
		return nil
	}
	out := make([]string, 0, len(t.lines))
	return append(out, t.lines...)
}
