package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gnss-relay/internal/engine"
	"gnss-relay/internal/replay"
)

type captureSummary struct {
	Segments    int
	RxChunks    int
	TxFrames    int
	Bytes       int
	MaxDuration time.Duration

	KindCounts     map[engine.Kind]int
	VendorIDCounts map[byte]int
	RTCMTypeCounts map[int]int
	ChecksumErrors uint64
	Malformed      uint64
	Overruns       uint64
}

// summarizeCapture decodes the received chunks of a capture offline.
func summarizeCapture(records []replay.Record) (captureSummary, error) {
	s := captureSummary{
		KindCounts:     map[engine.Kind]int{},
		VendorIDCounts: map[byte]int{},
		RTCMTypeCounts: map[int]int{},
	}

	origin := time.Duration(0)
	hasChunks := false
	for _, r := range records {
		if r.IsStart() {
			s.Segments++
			origin = r.At
			continue
		}
		hasChunks = true
		if at := r.At - origin; at > s.MaxDuration {
			s.MaxDuration = at
		}
		if r.Tx {
			s.TxFrames++
			continue
		}
		s.RxChunks++
		s.Bytes += len(r.Chunk)
	}
	if s.Segments == 0 && hasChunks {
		s.Segments = 1
	}
	if s.RxChunks == 0 {
		return s, nil
	}

	tr := replay.NewTransport(records, replay.TransportConfig{Speed: 1e12})
	e, err := engine.New(engine.Config{}, tr)
	if err != nil {
		return s, err
	}

	var mu sync.Mutex
	if err := e.StartStream(0, func(m engine.Message) {
		mu.Lock()
		defer mu.Unlock()
		if m.Kind == engine.KindRTCM {
			// The message number is the first 12 bits of the payload.
			if m.Offset == 0 && len(m.Payload) >= 2 {
				s.RTCMTypeCounts[int(m.Payload[0])<<4|int(m.Payload[1])>>4]++
			}
			if m.Partial {
				return
			}
		}
		s.KindCounts[m.Kind]++
		switch m.Kind {
		case engine.KindVendorAck, engine.KindVendorNack, engine.KindVendorUnknown:
			s.VendorIDCounts[m.Type]++
		}
	}); err != nil {
		return s, err
	}
	if err := e.Start(context.Background()); err != nil {
		return s, err
	}

	deadline := time.Now().Add(10 * time.Second)
	for e.Snapshot().Bytes < uint64(s.Bytes) {
		if time.Now().After(deadline) {
			_ = e.Close()
			return s, fmt.Errorf("decode did not finish: %d of %d bytes", e.Snapshot().Bytes, s.Bytes)
		}
		time.Sleep(time.Millisecond)
	}
	// Close waits for the chunk in progress.
	if err := e.Close(); err != nil {
		return s, err
	}
	snap := e.Snapshot()
	s.ChecksumErrors = snap.ChecksumErrors
	s.Malformed = snap.Malformed
	s.Overruns = snap.Overruns
	return s, nil
}

func printCaptureSummary(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}
	recs, err := replay.ReadFile(path)
	if err != nil {
		return err
	}
	s, err := summarizeCapture(recs)
	if err != nil {
		return err
	}

	fmt.Printf("path: %s\n", path)
	fmt.Printf("segments: %d\n", s.Segments)
	fmt.Printf("rx_chunks: %d\n", s.RxChunks)
	fmt.Printf("tx_frames: %d\n", s.TxFrames)
	fmt.Printf("bytes: %d\n", s.Bytes)
	fmt.Printf("max_duration: %s\n", s.MaxDuration)
	fmt.Printf("checksum_errors: %d\n", s.ChecksumErrors)
	fmt.Printf("malformed: %d\n", s.Malformed)
	fmt.Printf("overruns: %d\n", s.Overruns)

	kinds := make([]int, 0, len(s.KindCounts))
	for k := range s.KindCounts {
		kinds = append(kinds, int(k))
	}
	sort.Ints(kinds)
	fmt.Printf("kind_counts:\n")
	for _, k := range kinds {
		fmt.Printf("  %s: %d\n", engine.Kind(k), s.KindCounts[engine.Kind(k)])
	}

	ids := make([]int, 0, len(s.VendorIDCounts))
	for k := range s.VendorIDCounts {
		ids = append(ids, int(k))
	}
	sort.Ints(ids)
	fmt.Printf("vendor_id_counts:\n")
	for _, k := range ids {
		fmt.Printf("  0x%02X: %d\n", k, s.VendorIDCounts[byte(k)])
	}

	types := make([]int, 0, len(s.RTCMTypeCounts))
	for k := range s.RTCMTypeCounts {
		types = append(types, k)
	}
	sort.Ints(types)
	fmt.Printf("rtcm_type_counts:\n")
	for _, k := range types {
		fmt.Printf("  %d: %d\n", k, s.RTCMTypeCounts[k])
	}
	return nil
}
