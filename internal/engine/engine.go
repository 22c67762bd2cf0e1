// Package engine turns the receiver's byte stream into messages and runs the
// command/response exchange with it.
//
// Reception follows a producer/worker split. A Transport's receive loop is the
// producer: it asks for a buffer (RxBufRequest), fills it, and reports the
// bytes (RxReady). RxReady only queues a reference; one worker goroutine owns
// every decoder and processes chunks in arrival order. Decoded messages go to
// the pending command when one is armed, otherwise to the stream subscriber.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"gnss-relay/internal/rtcm"
	"gnss-relay/internal/skytraq"
)

var (
	ErrTransportNotReady = errors.New("engine: transport not ready")
	ErrNotRunning        = errors.New("engine: not running")
	ErrClosed            = errors.New("engine: closed")
	ErrBufferOverrun     = errors.New("engine: buffer overrun")
)

const (
	stateStopped = "stopped"
	stateRunning = "running"
	stateError   = "error"
)

// Config sizes the engine. Zero values select defaults.
type Config struct {
	// BufferCount is the number of rotation buffers; at least 2.
	BufferCount int
	// BufferSize is the capacity of each rotation buffer.
	BufferSize int
	// MaxVendorPayload bounds vendor binary payloads.
	MaxVendorPayload int
	// RTCMBufferSize is the RTCM working buffer. Frames longer than this are
	// delivered in segments.
	RTCMBufferSize int
	// CommandTimeout bounds the wait for an Ack/Nack.
	CommandTimeout time.Duration
	// StreamCapacity is the default per-message capacity of a stream
	// subscription.
	StreamCapacity int
	// ErrorTailLines is how many recent errors Snapshot reports.
	ErrorTailLines int
}

func (c *Config) applyDefaults() {
	if c.BufferCount == 0 {
		c.BufferCount = 2
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 512
	}
	if c.MaxVendorPayload <= 0 {
		c.MaxVendorPayload = skytraq.DefaultMaxPayload
	}
	if c.RTCMBufferSize <= 0 {
		c.RTCMBufferSize = rtcm.MaxPayload
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 100 * time.Millisecond
	}
	if c.StreamCapacity <= 0 {
		c.StreamCapacity = 1024
	}
	if c.ErrorTailLines == 0 {
		c.ErrorTailLines = 20
	}
}

type family uint8

const (
	familyNone family = iota
	familyVendor
	familyRTCM
)

type Engine struct {
	cfg Config
	tr  Transport

	bufs  *rxBuffers
	ready chan rawChunk
	// freed is signalled whenever the worker releases a buffer.
	freed chan struct{}

	// Worker-owned decoder state.
	fam          family
	vendor       *skytraq.Decoder
	rtcm         *rtcm.Decoder
	seenOverruns uint64

	stream  atomic.Pointer[subscription]
	pending atomic.Pointer[pendingCommand]
	cmdSlot chan struct{}
	gen     atomic.Uint64

	stats counters
	errs  *errorTail

	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	mu      sync.Mutex
	state   string
	lastErr string
}

// New builds an engine on top of tr. It does not start reception.
func New(cfg Config, tr Transport) (*Engine, error) {
	if tr == nil {
		return nil, fmt.Errorf("engine: transport is nil")
	}
	cfg.applyDefaults()
	if cfg.BufferCount < 2 {
		return nil, fmt.Errorf("engine: buffer count must be >= 2, got %d", cfg.BufferCount)
	}
	return &Engine{
		cfg:     cfg,
		tr:      tr,
		bufs:    newRxBuffers(cfg.BufferCount, cfg.BufferSize),
		ready:   make(chan rawChunk, cfg.BufferCount),
		freed:   make(chan struct{}, 1),
		vendor:  skytraq.NewDecoder(cfg.MaxVendorPayload),
		rtcm:    rtcm.NewDecoder(cfg.RTCMBufferSize),
		cmdSlot: make(chan struct{}, 1),
		errs:    newErrorTail(cfg.ErrorTailLines),
		done:    make(chan struct{}),
		state:   stateStopped,
	}, nil
}

// Start launches the worker and starts the transport. A transport that fails
// to start leaves the engine in the "error" state; it is not retried.
func (e *Engine) Start(ctx context.Context) error {
	if e == nil {
		return fmt.Errorf("engine is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if e.closed.Load() {
		return ErrClosed
	}
	if e.started.Swap(true) {
		return fmt.Errorf("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.run(runCtx)

	if err := e.tr.Start(runCtx, e); err != nil {
		cancel()
		<-e.done
		err = fmt.Errorf("%w: %v", ErrTransportNotReady, err)
		e.setState(stateError, err.Error())
		log.Printf("engine start failed: %v", err)
		return err
	}
	e.setState(stateRunning, "")
	log.Printf("engine started buffers=%d buffer_size=%d command_timeout=%s",
		e.cfg.BufferCount, e.cfg.BufferSize, e.cfg.CommandTimeout)
	return nil
}

// Close stops the worker and closes the transport.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if e.closed.Swap(true) {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
	err := e.tr.Close()
	e.mu.Lock()
	if e.state != stateError {
		e.state = stateStopped
	}
	e.mu.Unlock()
	return err
}

// Done is closed when the worker exits.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// RxBufRequest implements Receiver.
func (e *Engine) RxBufRequest() []byte {
	return e.bufs.next()
}

// Current returns the buffer currently handed to the transport.
func (e *Engine) Current() []byte {
	return e.bufs.current()
}

// RxReady implements Receiver. It never blocks: if queueing the chunk would
// leave the transport without a free buffer, the chunk is dropped and counted
// as an overrun, and the transport keeps receiving into the same buffer.
func (e *Engine) RxReady(buf []byte, offset, length int) {
	if length <= 0 || e.closed.Load() {
		return
	}
	idx := e.bufs.indexOf(buf)
	if idx < 0 || offset < 0 || offset+length > len(e.bufs.bufs[idx]) {
		e.stats.malformed.Add(1)
		return
	}
	if !e.bufs.hasSpare(idx) {
		e.stats.overruns.Add(1)
		return
	}
	e.bufs.hold(idx)
	select {
	case e.ready <- rawChunk{index: idx, offset: offset, length: length}:
		e.stats.chunks.Add(1)
	default:
		e.bufs.release(idx)
		e.stats.overruns.Add(1)
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-e.ready:
			e.reportOverruns()
			e.process(c)
			e.bufs.release(c.index)
			select {
			case e.freed <- struct{}{}:
			default:
			}
		}
	}
}

// WaitRoom implements FlowController. It returns once the next chunk can be
// queued without an overrun, or with an error if ctx is done or the worker
// has stopped.
func (e *Engine) WaitRoom(ctx context.Context) error {
	for {
		if e.closed.Load() {
			return ErrClosed
		}
		if e.bufs.free() >= 2 && len(e.ready) < cap(e.ready) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return ErrClosed
		case <-e.freed:
		}
	}
}

// reportOverruns logs overruns counted by the producer, which must not log.
func (e *Engine) reportOverruns() {
	n := e.stats.overruns.Load()
	if n == e.seenOverruns {
		return
	}
	dropped := n - e.seenOverruns
	e.seenOverruns = n
	e.recordError(fmt.Errorf("%w: dropped %d chunk(s), total %d", ErrBufferOverrun, dropped, n))
}

// process feeds one chunk through the demultiplexer. Bytes seen while no frame
// is open and that do not start one are passed through as a raw run.
func (e *Engine) process(c rawChunk) {
	data := e.bufs.bytes(c)
	e.stats.bytes.Add(uint64(len(data)))

	rawStart := -1
	for i := 0; i < len(data); i++ {
		b := data[i]
		if e.fam == familyNone {
			switch b {
			case skytraq.Preamble1:
				e.fam = familyVendor
			case rtcm.Preamble:
				e.fam = familyRTCM
			default:
				if rawStart < 0 {
					rawStart = i
				}
				continue
			}
			if rawStart >= 0 {
				e.deliverRaw(data[rawStart:i])
				rawStart = -1
			}
		}
		if e.feed(b) {
			// Rejected inside a preamble; look at it again as a frame start.
			i--
		}
	}
	if rawStart >= 0 {
		e.deliverRaw(data[rawStart:])
	}
}

// feed passes b to the open decoder. It reports whether b must be re-examined.
func (e *Engine) feed(b byte) bool {
	switch e.fam {
	case familyVendor:
		msg, done, err := e.vendor.Feed(b)
		if e.vendor.Idle() {
			e.fam = familyNone
		}
		if err != nil {
			if errors.Is(err, skytraq.ErrUnexpectedByte) {
				e.stats.malformed.Add(1)
				return true
			}
			e.decodeError(err)
			return false
		}
		if done {
			e.deliverVendor(msg)
		}

	case familyRTCM:
		f, done, err := e.rtcm.Feed(b)
		if e.rtcm.Idle() {
			e.fam = familyNone
		}
		if err != nil {
			e.decodeError(err)
			return false
		}
		if done {
			e.deliverRTCM(f)
		}
	}
	return false
}

func (e *Engine) decodeError(err error) {
	switch {
	case errors.Is(err, skytraq.ErrPayloadTooLarge), errors.Is(err, rtcm.ErrPayloadTooLarge):
		e.stats.payloadTooLarge.Add(1)
	default:
		e.stats.malformed.Add(1)
	}
	e.recordError(err)
}

func (e *Engine) deliverVendor(msg skytraq.Message) {
	e.stats.vendorFrames.Add(1)
	m := Message{
		Kind:           KindVendorUnknown,
		Type:           msg.Type,
		Code:           msg.Code,
		Payload:        msg.Payload,
		Length:         len(msg.Payload),
		IntegrityValid: msg.ChecksumOK,
	}
	switch msg.Kind {
	case skytraq.KindAck:
		m.Kind = KindVendorAck
	case skytraq.KindNack:
		m.Kind = KindVendorNack
	}
	if !msg.ChecksumOK {
		e.stats.checksumErrors.Add(1)
		e.recordError(fmt.Errorf("skytraq: checksum mismatch type=0x%02x len=%d", msg.Type, len(msg.Payload)))
	}
	e.deliver(m)
}

func (e *Engine) deliverRTCM(f rtcm.Frame) {
	if f.Partial {
		e.stats.rtcmSegments.Add(1)
	} else {
		e.stats.rtcmFrames.Add(1)
	}
	e.deliver(Message{
		Kind:           KindRTCM,
		Payload:        f.Payload,
		Length:         len(f.Payload),
		Parity:         f.Parity,
		Offset:         f.Offset,
		Partial:        f.Partial,
		FrameLength:    f.Length,
		IntegrityValid: true,
	})
}

func (e *Engine) deliverRaw(p []byte) {
	if len(p) == 0 {
		return
	}
	e.stats.rawRuns.Add(1)
	e.deliver(Message{Kind: KindRaw, Payload: p, Length: len(p), IntegrityValid: true})
}

// deliver routes m to the pending command if one is armed, else to the stream.
func (e *Engine) deliver(m Message) {
	isResponse := m.Kind == KindVendorAck || m.Kind == KindVendorNack
	if p := e.pending.Load(); p != nil {
		if isResponse {
			e.resolve(p, m)
		} else {
			e.stats.suppressed.Add(1)
		}
		return
	}
	if isResponse {
		e.stats.stale.Add(1)
	}
	e.publish(m)
}

func (e *Engine) recordError(err error) {
	msg := err.Error()
	log.Print(msg)
	e.errs.add(time.Now(), msg)
	e.mu.Lock()
	e.lastErr = msg
	e.mu.Unlock()
}

func (e *Engine) setState(state string, lastErr string) {
	e.mu.Lock()
	e.state = state
	if lastErr != "" {
		e.lastErr = lastErr
	}
	e.mu.Unlock()
}

// Snapshot returns the engine state and counters.
func (e *Engine) Snapshot() Snapshot {
	if e == nil {
		return Snapshot{}
	}
	e.mu.Lock()
	s := Snapshot{State: e.state, LastError: e.lastErr}
	e.mu.Unlock()

	s.Streaming = e.stream.Load() != nil
	s.CommandPending = e.pending.Load() != nil
	e.stats.fill(&s)
	s.RecentErrors = e.errs.snapshot()
	return s
}
