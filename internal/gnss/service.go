// Package gnss runs the receiver link: it opens the transport, owns the
// protocol engine, applies the receiver configuration and switches the
// message stream on and off.
package gnss

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gnss-relay/internal/engine"
	"gnss-relay/internal/replay"
	"gnss-relay/internal/serial"
)

type Config struct {
	Serial serial.Config

	// ReplayPath plays a capture instead of opening the serial port.
	ReplayPath    string
	ReplaySpeed   float64
	ReplayLoop    bool
	ReplayAutoAck bool

	// RecordPath captures every received chunk and transmitted frame.
	RecordPath string

	Engine   engine.Config
	Receiver Receiver

	ConfigureOnStart bool
	StreamOnStart    bool
	// StreamCapacity bounds each streamed payload; 0 uses the engine default.
	StreamCapacity int
}

type Snapshot struct {
	Source string `json:"source"`
	Device string `json:"device,omitempty"`

	Configured    bool   `json:"configured"`
	LastConfigure string `json:"last_configure,omitempty"`

	Engine engine.Snapshot `json:"engine"`

	LastError string `json:"last_error,omitempty"`
}

// openTransport is replaced in tests.
var openTransport = defaultOpenTransport

func defaultOpenTransport(cfg Config) (engine.Transport, string, string, error) {
	var (
		tr     engine.Transport
		source string
		device string
	)
	if path := strings.TrimSpace(cfg.ReplayPath); path != "" {
		recs, err := replay.ReadFile(path)
		if err != nil {
			return nil, "", "", fmt.Errorf("replay load failed: %w", err)
		}
		tr = replay.NewTransport(recs, replay.TransportConfig{
			Speed:   cfg.ReplaySpeed,
			Loop:    cfg.ReplayLoop,
			AutoAck: cfg.ReplayAutoAck,
		})
		source, device = "replay", path
	} else {
		p, err := serial.Open(cfg.Serial)
		if err != nil {
			return nil, "", "", err
		}
		tr = p
		source, device = "serial", p.Device()
	}

	if path := strings.TrimSpace(cfg.RecordPath); path != "" {
		w, err := replay.CreateWriter(path)
		if err != nil {
			_ = tr.Close()
			return nil, "", "", fmt.Errorf("record create failed: %w", err)
		}
		log.Printf("gnss recording path=%s", path)
		tr = replay.NewRecording(tr, w)
	}
	return tr, source, device, nil
}

type Service struct {
	cfg Config

	eng    *engine.Engine
	stream engine.StreamFunc

	// cfgMu serializes configuration passes.
	cfgMu      sync.Mutex
	configured atomic.Bool

	sleep func(context.Context, time.Duration) error

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	source        string
	device        string
	lastConfigure string
	lastErr       string
}

// New builds the service. stream receives every message while streaming is
// on; it may be nil.
func New(cfg Config, stream engine.StreamFunc) *Service {
	return &Service{cfg: cfg, stream: stream, sleep: sleepCtx}
}

func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("gnss service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	s.mu.Lock()
	if s.eng != nil {
		s.mu.Unlock()
		return nil
	}
	tr, source, device, err := openTransport(s.cfg)
	if err != nil {
		s.lastErr = err.Error()
		s.mu.Unlock()
		return err
	}
	eng, err := engine.New(s.cfg.Engine, tr)
	if err != nil {
		_ = tr.Close()
		s.lastErr = err.Error()
		s.mu.Unlock()
		return err
	}
	s.eng = eng
	s.source = source
	s.device = device
	s.mu.Unlock()

	if err := eng.Start(ctx); err != nil {
		// Drop the failed engine so a later Start opens the link again.
		_ = eng.Close()
		s.mu.Lock()
		s.eng = nil
		s.mu.Unlock()
		s.setError(err.Error())
		return err
	}
	log.Printf("gnss enabled source=%s device=%s", source, device)

	if s.cfg.StreamOnStart && s.stream != nil {
		if err := s.StartStream(); err != nil {
			return err
		}
	}

	if s.cfg.ConfigureOnStart {
		childCtx, cancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.cancel = cancel
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Configure(childCtx, true); err != nil {
				log.Printf("gnss initial configuration failed: %v", err)
			}
		}()
	}
	return nil
}

// Configure applies the receiver settings. initial adds the one-time setup
// commands sent after power-up.
func (s *Service) Configure(ctx context.Context, initial bool) error {
	if s == nil {
		return fmt.Errorf("gnss service is nil")
	}
	eng := s.engine()
	if eng == nil {
		return engine.ErrNotRunning
	}
	return s.configureWith(ctx, eng, initial)
}

func (s *Service) configureWith(ctx context.Context, c Commander, initial bool) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	seq := s.cfg.Receiver.Sequence(initial)
	log.Printf("gnss configure initial=%t commands=%d interval=%ds", initial, len(seq), s.cfg.Receiver.SampleInterval)
	err := configure(ctx, c, seq, s.sleep)

	s.mu.Lock()
	s.lastConfigure = time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		s.lastErr = err.Error()
	}
	s.mu.Unlock()
	if err == nil {
		s.configured.Store(true)
	}
	return err
}

// UpdateReceiver replaces the receiver settings used by later Configure
// calls.
func (s *Service) UpdateReceiver(r Receiver) {
	s.cfgMu.Lock()
	s.cfg.Receiver = r
	s.cfgMu.Unlock()
}

func (s *Service) StartStream() error {
	eng := s.engine()
	if eng == nil {
		return engine.ErrNotRunning
	}
	if s.stream == nil {
		return fmt.Errorf("gnss: no stream consumer")
	}
	return eng.StartStream(s.cfg.StreamCapacity, s.stream)
}

func (s *Service) StopStream() {
	if eng := s.engine(); eng != nil {
		eng.StopStream()
	}
}

// ToggleStream flips streaming and reports whether it is now on.
func (s *Service) ToggleStream() (bool, error) {
	eng := s.engine()
	if eng == nil {
		return false, engine.ErrNotRunning
	}
	if eng.Streaming() {
		eng.StopStream()
		return false, nil
	}
	if err := s.StartStream(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) engine() *engine.Engine {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	eng := s.eng
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if eng != nil {
		if err := eng.Close(); err != nil {
			log.Printf("gnss close: %v", err)
		}
	}
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	snap := Snapshot{
		Source:        s.source,
		Device:        s.device,
		LastConfigure: s.lastConfigure,
		LastError:     s.lastErr,
	}
	eng := s.eng
	s.mu.Unlock()

	snap.Configured = s.configured.Load()
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	s.lastErr = msg
	s.mu.Unlock()
}
