package replay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gnss-relay/internal/engine"
	"gnss-relay/internal/skytraq"
)

// TransportConfig controls playback of a capture as if it were a live port.
type TransportConfig struct {
	Speed float64
	Loop  bool
	// AutoAck answers every transmitted command with an Ack for its message
	// ID, so configuration sequences run against a capture.
	AutoAck bool
}

// Transport implements engine.Transport by playing back a capture. Received
// chunks are delivered through the engine's buffers in recorded order, split
// when a chunk is larger than a buffer.
type Transport struct {
	recs []Record
	cfg  TransportConfig

	// Tests replace the timer; nil means real time.
	after func(d time.Duration) <-chan time.Time

	inject chan []byte

	mu     sync.Mutex
	sent   [][]byte
	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error
}

func NewTransport(recs []Record, cfg TransportConfig) *Transport {
	if cfg.Speed <= 0 {
		cfg.Speed = 1
	}
	return &Transport{recs: recs, cfg: cfg, after: time.After, inject: make(chan []byte, 16)}
}

func (t *Transport) Start(ctx context.Context, rx engine.Receiver) error {
	if t == nil {
		return fmt.Errorf("replay transport is nil")
	}
	if rx == nil {
		return fmt.Errorf("replay: receiver is nil")
	}
	if len(t.recs) == 0 {
		return errors.New("replay: no records")
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return fmt.Errorf("replay: already started")
	}
	childCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(childCtx, rx)
	}()
	log.Printf("replay enabled records=%d speed=%.2f loop=%t auto_ack=%t", len(t.recs), t.cfg.Speed, t.cfg.Loop, t.cfg.AutoAck)
	return nil
}

func (t *Transport) run(ctx context.Context, rx engine.Receiver) {
	sl := &ctxSleeper{t: t, ctx: ctx, rx: rx}
	err := Play(t.recs, t.cfg.Speed, t.cfg.Loop, sl, func(chunk []byte) error {
		if err := sl.drain(); err != nil {
			return err
		}
		return deliver(ctx, rx, chunk)
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, engine.ErrClosed) {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		log.Printf("replay stopped: %v", err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	log.Printf("replay finished")
	// Keep answering commands until closed.
	for {
		select {
		case <-ctx.Done():
			return
		case chunk := <-t.inject:
			if err := deliver(ctx, rx, chunk); err != nil {
				return
			}
		}
	}
}

// deliver pushes chunk through the receiver's buffers, splitting it when it
// is larger than one buffer. A capture is not real time, so when rx supports
// it deliver waits for a free buffer rather than overrunning.
func deliver(ctx context.Context, rx engine.Receiver, chunk []byte) error {
	fc, _ := rx.(engine.FlowController)
	for len(chunk) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if fc != nil {
			if err := fc.WaitRoom(ctx); err != nil {
				return err
			}
		}
		buf := rx.RxBufRequest()
		n := copy(buf, chunk)
		if n == 0 {
			return nil
		}
		rx.RxReady(buf, 0, n)
		chunk = chunk[n:]
	}
	return nil
}

// ctxSleeper waits between records while still delivering injected
// responses; it is the only producer for the engine.
type ctxSleeper struct {
	t   *Transport
	ctx context.Context
	rx  engine.Receiver
}

func (s *ctxSleeper) Sleep(d time.Duration) {
	timer := s.t.after(d)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer:
			return
		case chunk := <-s.t.inject:
			if err := deliver(s.ctx, s.rx, chunk); err != nil {
				return
			}
		}
	}
}

func (s *ctxSleeper) drain() error {
	for {
		select {
		case chunk := <-s.t.inject:
			if err := deliver(s.ctx, s.rx, chunk); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Transmit records p and, with AutoAck, queues an Ack for it.
func (t *Transport) Transmit(p []byte) error {
	if t == nil {
		return fmt.Errorf("replay transport is nil")
	}
	t.mu.Lock()
	t.sent = append(t.sent, append([]byte(nil), p...))
	t.mu.Unlock()

	if !t.cfg.AutoAck {
		return nil
	}
	msg, err := skytraq.Decode(p)
	if err != nil {
		return fmt.Errorf("replay: transmitted frame: %w", err)
	}
	ack, err := skytraq.Frame([]byte{skytraq.MsgAck, msg.Type})
	if err != nil {
		return err
	}
	select {
	case t.inject <- ack:
	default:
		log.Printf("replay: auto-ack queue full, dropping ack for 0x%02x", msg.Type)
	}
	return nil
}

// Sent returns copies of every transmitted frame.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([][]byte(nil), t.sent...)
}

// Err returns the error that ended playback, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.wg.Wait()
	return nil
}
