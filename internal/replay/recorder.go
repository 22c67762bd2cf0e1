package replay

import (
	"context"
	"log"
	"time"

	"gnss-relay/internal/engine"
)

// Recording wraps a transport and writes every received chunk and
// transmitted frame to a capture.
//
// Chunks are written on the producer's goroutine; the writer is buffered.
type Recording struct {
	engine.Transport
	W *Writer

	now func() time.Time
}

func NewRecording(tr engine.Transport, w *Writer) *Recording {
	return &Recording{Transport: tr, W: w, now: time.Now}
}

func (r *Recording) Start(ctx context.Context, rx engine.Receiver) error {
	return r.Transport.Start(ctx, &teeReceiver{rx: rx, rec: r})
}

func (r *Recording) Transmit(p []byte) error {
	if err := r.W.WriteTx(r.now(), p); err != nil {
		log.Printf("capture write failed: %v", err)
	}
	return r.Transport.Transmit(p)
}

func (r *Recording) Close() error {
	err := r.Transport.Close()
	if cerr := r.W.Close(); err == nil {
		err = cerr
	}
	return err
}

type teeReceiver struct {
	rx  engine.Receiver
	rec *Recording
}

func (t *teeReceiver) RxBufRequest() []byte { return t.rx.RxBufRequest() }

func (t *teeReceiver) RxReady(buf []byte, offset, length int) {
	if length > 0 && offset >= 0 && offset+length <= len(buf) {
		if err := t.rec.W.WriteChunk(t.rec.now(), buf[offset:offset+length]); err != nil {
			log.Printf("capture write failed: %v", err)
		}
	}
	t.rx.RxReady(buf, offset, length)
}

// WaitRoom passes flow control through to the wrapped receiver.
func (t *teeReceiver) WaitRoom(ctx context.Context) error {
	if fc, ok := t.rx.(engine.FlowController); ok {
		return fc.WaitRoom(ctx)
	}
	return nil
}
