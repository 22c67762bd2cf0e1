// Package serial is the UART transport for the protocol engine.
//
// The receive loop reads straight into the engine's rotation buffers; the
// driver never copies. Device may be empty to auto-detect the first
// /dev/ttyACM* or /dev/ttyUSB* node.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gnss-relay/internal/engine"
)

const DefaultBaud = 115200

var ErrPortClosed = errors.New("serial: port closed")

type Config struct {
	Device string
	Baud   int
}

// Port implements engine.Transport over a serial device.
type Port struct {
	device string
	baud   int
	dev    io.ReadWriteCloser

	wmu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	mu      sync.Mutex
	lastErr string
}

// Open resolves and opens the configured device. Reception does not begin
// until Start.
func Open(cfg Config) (*Port, error) {
	device := strings.TrimSpace(cfg.Device)
	if device == "" {
		device = autoDetectDevice(defaultCandidates())
		if device == "" {
			return nil, fmt.Errorf("serial auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
		}
	}
	baud := cfg.Baud
	if baud == 0 {
		baud = DefaultBaud
	}
	dev, err := openDevice(device, baud)
	if err != nil {
		return nil, fmt.Errorf("serial open failed device=%s baud=%d: %w", device, baud, err)
	}
	return newPort(dev, device, baud), nil
}

func newPort(dev io.ReadWriteCloser, device string, baud int) *Port {
	return &Port{dev: dev, device: device, baud: baud}
}

func (p *Port) Device() string { return p.device }
func (p *Port) Baud() int      { return p.baud }

// Start launches the receive loop, which runs until ctx is cancelled, the port
// is closed, or the device reports a hard error.
func (p *Port) Start(ctx context.Context, rx engine.Receiver) error {
	if p == nil {
		return fmt.Errorf("serial port is nil")
	}
	if rx == nil {
		return fmt.Errorf("serial: receiver is nil")
	}
	if p.closed.Load() {
		return ErrPortClosed
	}
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return fmt.Errorf("serial: already started")
	}
	childCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.readLoop(childCtx, rx)
	}()
	log.Printf("serial enabled device=%s baud=%d", p.device, p.baud)
	return nil
}

func (p *Port) readLoop(ctx context.Context, rx engine.Receiver) {
	buf := rx.RxBufRequest()
	for {
		if ctx.Err() != nil || p.closed.Load() {
			return
		}
		n, err := p.dev.Read(buf)
		if n > 0 {
			rx.RxReady(buf, 0, n)
			buf = rx.RxBufRequest()
		}
		if err == nil {
			continue
		}
		// An inter-byte timeout surfaces as a zero-length read or EOF.
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
			continue
		}
		if ctx.Err() != nil || p.closed.Load() {
			return
		}
		p.setError(fmt.Sprintf("serial read stopped device=%s: %v", p.device, err))
		log.Printf("serial read stopped device=%s: %v", p.device, err)
		return
	}
}

// Transmit writes p in full. Concurrent calls are serialized.
func (p *Port) Transmit(b []byte) error {
	if p == nil {
		return fmt.Errorf("serial port is nil")
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed.Load() {
		return ErrPortClosed
	}
	for len(b) > 0 {
		n, err := p.dev.Write(b)
		if err != nil {
			return fmt.Errorf("serial write device=%s: %w", p.device, err)
		}
		if n == 0 {
			return fmt.Errorf("serial write device=%s: %w", p.device, io.ErrShortWrite)
		}
		b = b[n:]
	}
	return nil
}

func (p *Port) Close() error {
	if p == nil || p.closed.Swap(true) {
		return nil
	}
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	err := p.dev.Close()
	p.wg.Wait()
	return err
}

// LastError returns the error that stopped the receive loop, if any.
func (p *Port) LastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

func (p *Port) setError(msg string) {
	p.mu.Lock()
	p.lastErr = msg
	p.mu.Unlock()
}

func defaultCandidates() []string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	return candidates
}

func autoDetectDevice(candidates []string) string {
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
