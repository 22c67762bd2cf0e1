package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"gnss-relay/internal/config"
	"gnss-relay/internal/engine"
	"gnss-relay/internal/gnss"
	"gnss-relay/internal/relay"
	"gnss-relay/internal/serial"
	"gnss-relay/internal/skytraq"
)

func gnssConfig(cfg config.Config) (gnss.Config, error) {
	talker, err := skytraq.ParseTalker(cfg.Receiver.TalkerID)
	if err != nil {
		return gnss.Config{}, err
	}
	if cfg.Receiver.SampleInterval < 1 || cfg.Receiver.SampleInterval > 255 {
		return gnss.Config{}, fmt.Errorf("sample interval %d out of range", cfg.Receiver.SampleInterval)
	}

	out := gnss.Config{
		Serial: serial.Config{Device: cfg.Serial.Device, Baud: cfg.Serial.Baud},
		Engine: engine.Config{
			BufferCount:      cfg.Engine.BufferCount,
			BufferSize:       cfg.Engine.BufferSize,
			MaxVendorPayload: cfg.Engine.MaxVendorPayload,
			RTCMBufferSize:   cfg.Engine.RTCMBufferSize,
			CommandTimeout:   cfg.Engine.CommandTimeout,
			StreamCapacity:   cfg.Engine.StreamCapacity,
			ErrorTailLines:   cfg.Engine.ErrorTailLines,
		},
		Receiver: gnss.Receiver{
			SampleInterval: uint8(cfg.Receiver.SampleInterval),
			Talker:         talker,
			Latitude:       cfg.Receiver.Latitude,
			Longitude:      cfg.Receiver.Longitude,
			Elevation:      cfg.Receiver.Elevation,
			AntennaHeight:  cfg.Receiver.AntennaHeight,
			RTKMode:        cfg.Receiver.RTK.Mode,
			RTKFunction:    cfg.Receiver.RTK.Function,
			SurveyLength:   cfg.Receiver.RTK.SurveyLength,
			StdDev:         cfg.Receiver.RTK.StdDev,
			BaselineLength: cfg.Receiver.RTK.BaselineLength,
		},
		ConfigureOnStart: cfg.Receiver.ConfigureOnStart,
		StreamOnStart:    cfg.Relay.Enable && cfg.Relay.StreamOnStart,
		StreamCapacity:   cfg.Engine.StreamCapacity,
	}
	if cfg.Serial.Replay.Enable {
		out.ReplayPath = cfg.Serial.Replay.Path
		out.ReplaySpeed = cfg.Serial.Replay.Speed
		out.ReplayLoop = cfg.Serial.Replay.Loop
		out.ReplayAutoAck = cfg.Serial.Replay.AutoAck
	}
	if cfg.Serial.Record.Enable {
		out.RecordPath = cfg.Serial.Record.Path
	}
	return out, nil
}

type streamToggler interface {
	ToggleStream() (bool, error)
}

func toggleStream(t streamToggler) {
	on, err := t.ToggleStream()
	if err != nil {
		log.Printf("button: stream toggle failed: %v", err)
		return
	}
	log.Printf("button: streaming=%t", on)
}

type snapshotter interface {
	Snapshot() gnss.Snapshot
}

func statusLine(s gnss.Snapshot, r relay.Snapshot) string {
	e := s.Engine
	return fmt.Sprintf("gnss status source=%s state=%s streaming=%t configured=%t chunks=%d bytes=%d overruns=%d vendor=%d rtcm=%d raw=%d checksum_errors=%d commands=%d timeouts=%d nacks=%d relay_sent=%d relay_dropped=%d",
		s.Source, e.State, e.Streaming, s.Configured, e.Chunks, e.Bytes, e.Overruns,
		e.VendorFrames, e.RTCMFrames, e.RawRuns, e.ChecksumErrors,
		e.Commands, e.CommandTimeouts, e.Nacks, r.Sent, r.Dropped)
}

func logStatus(ctx context.Context, every time.Duration, svc snapshotter, rl *relay.Relay) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			log.Print(statusLine(svc.Snapshot(), rl.Snapshot()))
		}
	}
}
