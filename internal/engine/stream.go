package engine

import (
	"fmt"
	"log"
)

// StreamFunc receives decoded messages in wire order on the engine's worker
// goroutine. It must return promptly and must not call SendCommand.
type StreamFunc func(m Message)

type subscription struct {
	fn  StreamFunc
	buf []byte
}

// StartStream registers fn as the stream consumer, replacing any previous
// one. Payloads longer than capacity bytes are truncated (Message.Length keeps
// the original size); capacity <= 0 selects the configured default.
func (e *Engine) StartStream(capacity int, fn StreamFunc) error {
	if e == nil {
		return fmt.Errorf("engine is nil")
	}
	if fn == nil {
		return fmt.Errorf("engine: stream callback is nil")
	}
	if capacity <= 0 {
		capacity = e.cfg.StreamCapacity
	}
	if old := e.stream.Swap(&subscription{fn: fn, buf: make([]byte, capacity)}); old != nil {
		log.Printf("engine: stream consumer replaced")
	}
	log.Printf("engine: stream started capacity=%d", capacity)
	return nil
}

// StopStream clears the stream consumer. A message already being delivered
// may still reach the old consumer.
func (e *Engine) StopStream() {
	if e == nil {
		return
	}
	if e.stream.Swap(nil) != nil {
		log.Printf("engine: stream stopped")
	}
}

// Streaming reports whether a stream consumer is registered.
func (e *Engine) Streaming() bool {
	return e != nil && e.stream.Load() != nil
}

func (e *Engine) publish(m Message) {
	sub := e.stream.Load()
	if sub == nil {
		return
	}
	n := copy(sub.buf, m.Payload)
	if n < len(m.Payload) {
		e.stats.truncated.Add(1)
		log.Printf("engine: truncating %s payload from %d to %d bytes", m.Kind, len(m.Payload), n)
	}
	m.Payload = sub.buf[:n]
	e.stats.published.Add(1)
	sub.fn(m)
}
