// Package button watches the front-panel push button.
//
// Presses are falling edges on a pulled-up GPIO line. Edges closer together
// than the debounce period count as one press.
package button

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

type Config struct {
	Enable   bool
	Pin      int
	Debounce time.Duration
}

const DefaultDebounce = 50 * time.Millisecond

// openLineFn requests the line and calls onEdge for every falling edge. It is
// replaced in tests.
var openLineFn = openLine

type Watcher struct {
	cfg Config

	edges chan time.Time

	mu     sync.Mutex
	line   io.Closer
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	return &Watcher{cfg: cfg, edges: make(chan time.Time, 8)}
}

// Start requests the GPIO line and calls onPress, on the watcher's own
// goroutine, once per debounced press.
func (w *Watcher) Start(ctx context.Context, onPress func()) error {
	if w == nil {
		return fmt.Errorf("button watcher is nil")
	}
	if !w.cfg.Enable {
		return nil
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if onPress == nil {
		return fmt.Errorf("button: press callback is nil")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return nil
	}

	line, err := openLineFn(w.cfg.Pin, w.cfg.Debounce, w.edge)
	if err != nil {
		return err
	}
	w.line = line

	childCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		d := debouncer{period: w.cfg.Debounce}
		for {
			select {
			case <-childCtx.Done():
				return
			case at := <-w.edges:
				if d.accept(at) {
					onPress()
				}
			}
		}
	}()

	log.Printf("button enabled gpio=%d debounce=%s", w.cfg.Pin, w.cfg.Debounce)
	return nil
}

// edge runs on the GPIO event goroutine and must not block.
func (w *Watcher) edge(at time.Time) {
	select {
	case w.edges <- at:
	default:
	}
}

func (w *Watcher) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	cancel := w.cancel
	line := w.line
	w.cancel = nil
	w.line = nil
	w.mu.Unlock()

	if line != nil {
		_ = line.Close()
	}
	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
}

// debouncer accepts an edge only if the previous accepted edge is at least
// period old.
type debouncer struct {
	period time.Duration
	last   time.Time
	seen   bool
}

func (d *debouncer) accept(at time.Time) bool {
	if d.seen && at.Sub(d.last) < d.period {
		return false
	}
	d.last = at
	d.seen = true
	return true
}
