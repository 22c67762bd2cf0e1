package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gnss-relay/internal/rtcm"
	"gnss-relay/internal/skytraq"
)

// scriptedTransport feeds canned chunks into the engine and records writes.
type scriptedTransport struct {
	mu         sync.Mutex
	rx         Receiver
	startErr   error
	sent       [][]byte
	onTransmit func(frame []byte)
	closed     bool
}

func (s *scriptedTransport) Start(ctx context.Context, rx Receiver) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.mu.Lock()
	s.rx = rx
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) Transmit(p []byte) error {
	s.mu.Lock()
	s.sent = append(s.sent, append([]byte(nil), p...))
	hook := s.onTransmit
	s.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *scriptedTransport) sentFrames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// push delivers one chunk the way a serial driver would.
func (s *scriptedTransport) push(chunk []byte) {
	buf := s.rx.RxBufRequest()
	n := copy(buf, chunk)
	s.rx.RxReady(buf, 0, n)
}

// recorder is a stream consumer that copies what it receives.
type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(m Message) {
	m.Payload = append([]byte(nil), m.Payload...)
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

func startEngine(t *testing.T, cfg Config) (*Engine, *scriptedTransport) {
	t.Helper()
	tr := &scriptedTransport{}
	e, err := New(cfg, tr)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e, tr
}

// drain waits until the worker has released every buffer.
func drain(t *testing.T, e *Engine) {
	t.Helper()
	require.Eventually(t, func() bool {
		if len(e.ready) != 0 {
			return false
		}
		for i := range e.bufs.bufs {
			if e.bufs.held(i) {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
}

func feed(t *testing.T, e *Engine, tr *scriptedTransport, chunks ...[]byte) {
	t.Helper()
	for _, c := range chunks {
		tr.push(c)
		drain(t, e)
	}
}

var ackFrame = []byte{0xA0, 0xA1, 0x00, 0x02, 0x83, 0x01, 0x82, 0x0D, 0x0A}

func TestEngine_VendorAckStreamed(t *testing.T) {
	e, tr := startEngine(t, Config{})
	var rec recorder
	require.NoError(t, e.StartStream(0, rec.handle))

	feed(t, e, tr, ackFrame)

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindVendorAck, msgs[0].Kind)
	assert.Equal(t, byte(0x01), msgs[0].Code)
	assert.True(t, msgs[0].IntegrityValid)
	assert.Equal(t, 2, msgs[0].Length)
}

func TestEngine_FrameSplitAcrossBuffers(t *testing.T) {
	e, tr := startEngine(t, Config{})
	var rec recorder
	require.NoError(t, e.StartStream(0, rec.handle))

	feed(t, e, tr, ackFrame[:3], ackFrame[3:])

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindVendorAck, msgs[0].Kind)
	assert.Equal(t, byte(0x01), msgs[0].Code)
	assert.True(t, msgs[0].IntegrityValid)
}

func TestEngine_CorruptChecksumFlagged(t *testing.T) {
	e, tr := startEngine(t, Config{})
	var rec recorder
	require.NoError(t, e.StartStream(0, rec.handle))

	bad := append([]byte(nil), ackFrame...)
	bad[6] = 0x00
	feed(t, e, tr, bad)

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindVendorAck, msgs[0].Kind)
	assert.Equal(t, byte(0x01), msgs[0].Code)
	assert.False(t, msgs[0].IntegrityValid)
	assert.Equal(t, uint64(1), e.Snapshot().ChecksumErrors)
}

func TestEngine_RTCMFrame(t *testing.T) {
	e, tr := startEngine(t, Config{})
	var rec recorder
	require.NoError(t, e.StartStream(0, rec.handle))

	feed(t, e, tr, []byte{0xD3, 0x00, 0x03, 0x11, 0x22, 0x33, 0xAA, 0xBB, 0xCC})

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindRTCM, msgs[0].Kind)
	assert.Equal(t, 3, msgs[0].Length)
	assert.Equal(t, []byte{0x11, 0x22, 0x33}, msgs[0].Payload)
	assert.Equal(t, uint32(0xAABBCC), msgs[0].Parity)
	assert.False(t, msgs[0].Partial)
}

func TestEngine_MixedStreamAnyCut(t *testing.T) {
	nmea1 := []byte("$GNGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47\r\n")
	nmea2 := []byte("$GNRMC,123519,A*00\r\n")
	vendor, err := skytraq.Frame([]byte{0xDC, 0x01, 0x02})
	require.NoError(t, err)
	corr, err := rtcm.AppendFrame(nil, []byte{0x3E, 0xD0, 0x00}, 0x010203)
	require.NoError(t, err)

	var wire []byte
	wire = append(wire, nmea1...)
	wire = append(wire, vendor...)
	wire = append(wire, corr...)
	wire = append(wire, nmea2...)

	for cut := 0; cut <= len(wire); cut++ {
		e, tr := startEngine(t, Config{BufferSize: 256})
		var rec recorder
		require.NoError(t, e.StartStream(0, rec.handle))

		feed(t, e, tr, wire[:cut], wire[cut:])

		var raw []byte
		var framed []Message
		for _, m := range rec.snapshot() {
			if m.Kind == KindRaw {
				raw = append(raw, m.Payload...)
				continue
			}
			framed = append(framed, m)
		}
		require.Len(t, framed, 2, "cut=%d", cut)
		assert.Equal(t, KindVendorUnknown, framed[0].Kind, "cut=%d", cut)
		assert.Equal(t, []byte{0xDC, 0x01, 0x02}, framed[0].Payload, "cut=%d", cut)
		assert.Equal(t, KindRTCM, framed[1].Kind, "cut=%d", cut)
		assert.Equal(t, uint32(0x010203), framed[1].Parity, "cut=%d", cut)
		assert.Equal(t, append(append([]byte(nil), nmea1...), nmea2...), raw, "cut=%d", cut)
		require.NoError(t, e.Close())
	}
}

func TestEngine_ResyncOnRepeatedPreamble(t *testing.T) {
	e, tr := startEngine(t, Config{})
	var rec recorder
	require.NoError(t, e.StartStream(0, rec.handle))

	feed(t, e, tr, append([]byte{0xA0}, ackFrame...))

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindVendorAck, msgs[0].Kind)
}

func TestEngine_RejectedPreambleByteBecomesRaw(t *testing.T) {
	e, tr := startEngine(t, Config{})
	var rec recorder
	require.NoError(t, e.StartStream(0, rec.handle))

	feed(t, e, tr, []byte{0xA0, '$', 'G', 'P'})

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, KindRaw, msgs[0].Kind)
	assert.Equal(t, []byte("$GP"), msgs[0].Payload)
}

func TestEngine_PayloadTooLargeDropsAndRecovers(t *testing.T) {
	e, tr := startEngine(t, Config{MaxVendorPayload: 4})
	var rec recorder
	require.NoError(t, e.StartStream(0, rec.handle))

	big, err := skytraq.Frame([]byte{0xDC, 1, 2, 3, 4, 5})
	require.NoError(t, err)
	feed(t, e, tr, big[:4], ackFrame)

	snap := e.Snapshot()
	assert.Equal(t, uint64(1), snap.PayloadTooLarge)
	assert.Contains(t, snap.LastError, "payload too large")

	var acks int
	for _, m := range rec.snapshot() {
		if m.Kind == KindVendorAck {
			acks++
		}
	}
	assert.Equal(t, 1, acks)
}

func TestEngine_TruncatesToConsumerCapacity(t *testing.T) {
	e, tr := startEngine(t, Config{})
	var rec recorder
	require.NoError(t, e.StartStream(2, rec.handle))

	frame, err := skytraq.Frame([]byte{0xDC, 0x10, 0x20, 0x30})
	require.NoError(t, err)
	feed(t, e, tr, frame)

	msgs := rec.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte{0xDC, 0x10}, msgs[0].Payload)
	assert.Equal(t, 4, msgs[0].Length)
	assert.True(t, msgs[0].Truncated())
	assert.Equal(t, uint64(1), e.Snapshot().Truncated)
}

func TestEngine_RTCMSegmentsWithSmallWorkingBuffer(t *testing.T) {
	e, tr := startEngine(t, Config{RTCMBufferSize: 4})
	var rec recorder
	require.NoError(t, e.StartStream(0, rec.handle))

	payload := []byte{1, 2, 3, 4, 5, 6}
	wire, err := rtcm.AppendFrame(nil, payload, 0x0A0B0C)
	require.NoError(t, err)
	feed(t, e, tr, wire[:5], wire[5:])

	msgs := rec.snapshot()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].Partial)
	assert.Equal(t, []byte{1, 2, 3, 4}, msgs[0].Payload)
	assert.False(t, msgs[1].Partial)
	assert.Equal(t, 4, msgs[1].Offset)
	assert.Equal(t, 6, msgs[1].FrameLength)
	assert.Equal(t, uint32(0x0A0B0C), msgs[1].Parity)

	snap := e.Snapshot()
	assert.Equal(t, uint64(1), snap.RTCMSegments)
	assert.Equal(t, uint64(1), snap.RTCMFrames)
}

func TestEngine_OverrunDropsChunkAndProtectsBusyBuffer(t *testing.T) {
	e, tr := startEngine(t, Config{BufferCount: 2, BufferSize: 64})

	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	var rec recorder
	require.NoError(t, e.StartStream(0, func(m Message) {
		entered <- struct{}{}
		<-release
		rec.handle(m)
	}))

	first := tr.rx.RxBufRequest()
	n := copy(first, "$ONE")
	tr.rx.RxReady(first, 0, n)
	<-entered

	second := tr.rx.RxBufRequest()
	require.NotSame(t, &first[0], &second[0])
	n = copy(second, "$TWO")
	tr.rx.RxReady(second, 0, n)
	assert.Equal(t, uint64(1), e.Snapshot().Overruns)

	// The dropped buffer is handed back; the one being decoded is not.
	third := tr.rx.RxBufRequest()
	assert.Same(t, &second[0], &third[0])
	assert.Same(t, &third[0], &e.Current()[0])
	assert.Equal(t, "$ONE", string(first[:4]))

	close(release)
	drain(t, e)
	feed(t, e, tr, []byte("$THREE"))

	var got []string
	for _, m := range rec.snapshot() {
		got = append(got, string(m.Payload))
	}
	assert.Equal(t, []string{"$ONE", "$THREE"}, got)

	snap := e.Snapshot()
	assert.Equal(t, uint64(1), snap.Overruns)
	require.NotEmpty(t, snap.RecentErrors)
	assert.Contains(t, snap.RecentErrors[len(snap.RecentErrors)-1], "buffer overrun")
}

func TestEngine_WaitRoomBlocksUntilWorkerFreesBuffer(t *testing.T) {
	e, tr := startEngine(t, Config{BufferSize: 64})

	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	require.NoError(t, e.StartStream(0, func(Message) {
		entered <- struct{}{}
		<-release
	}))

	require.NoError(t, e.WaitRoom(context.Background()))
	tr.push([]byte("$ONE"))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.WaitRoom(ctx), context.DeadlineExceeded)

	waited := make(chan error, 1)
	go func() { waited <- e.WaitRoom(context.Background()) }()
	close(release)
	select {
	case err := <-waited:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("WaitRoom did not return after the worker released its buffer")
	}
	tr.push([]byte("$TWO"))
	drain(t, e)
	assert.Zero(t, e.Snapshot().Overruns)
}

func TestEngine_WaitRoomAfterClose(t *testing.T) {
	e, _ := startEngine(t, Config{})
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.WaitRoom(context.Background()), ErrClosed)
}

func TestEngine_OverrunLogHasSinglePrefix(t *testing.T) {
	var out bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&out)
	defer log.SetOutput(prev)

	e, _ := startEngine(t, Config{})
	e.recordError(fmt.Errorf("%w: dropped %d chunk(s), total %d", ErrBufferOverrun, 5, 5))

	assert.Contains(t, out.String(), "engine: buffer overrun: dropped 5 chunk(s)")
	assert.NotContains(t, out.String(), "engine: engine:")
	assert.Equal(t, "engine: buffer overrun: dropped 5 chunk(s), total 5", e.Snapshot().LastError)
}

func TestEngine_ThreeBuffersAbsorbOneBusyChunk(t *testing.T) {
	e, tr := startEngine(t, Config{BufferCount: 3, BufferSize: 64})

	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	require.NoError(t, e.StartStream(0, func(m Message) {
		entered <- struct{}{}
		<-release
	}))

	tr.push([]byte("$A"))
	<-entered
	tr.push([]byte("$B"))
	assert.Equal(t, uint64(0), e.Snapshot().Overruns)
	tr.push([]byte("$C"))
	assert.Equal(t, uint64(1), e.Snapshot().Overruns)

	close(release)
	drain(t, e)
	assert.Equal(t, uint64(2), e.Snapshot().RawRuns)
}

func TestEngine_StopStream(t *testing.T) {
	e, tr := startEngine(t, Config{})
	var rec recorder
	require.NoError(t, e.StartStream(0, rec.handle))
	assert.True(t, e.Streaming())

	e.StopStream()
	assert.False(t, e.Streaming())
	feed(t, e, tr, []byte("$GPGGA"))
	assert.Empty(t, rec.snapshot())
}

func TestEngine_StartStreamRequiresCallback(t *testing.T) {
	e, _ := startEngine(t, Config{})
	assert.Error(t, e.StartStream(0, nil))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)

	_, err = New(Config{BufferCount: 1}, &scriptedTransport{})
	assert.EqualError(t, err, "engine: buffer count must be >= 2, got 1")
}

func TestEngine_TransportNotReady(t *testing.T) {
	tr := &scriptedTransport{startErr: errors.New("no such device")}
	e, err := New(Config{}, tr)
	require.NoError(t, err)

	err = e.Start(context.Background())
	require.ErrorIs(t, err, ErrTransportNotReady)

	snap := e.Snapshot()
	assert.Equal(t, "error", snap.State)
	assert.Contains(t, snap.LastError, "no such device")

	_, err = e.SendCommand(context.Background(), skytraq.TalkerID{})
	assert.Error(t, err)
	require.NoError(t, e.Close())
	assert.Equal(t, "error", e.Snapshot().State)
}

func TestEngine_StartTwice(t *testing.T) {
	e, _ := startEngine(t, Config{})
	assert.EqualError(t, e.Start(context.Background()), "engine already started")
}

func TestEngine_CloseStopsWorker(t *testing.T) {
	tr := &scriptedTransport{}
	e, err := New(Config{}, tr)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Close())

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
	assert.True(t, tr.closed)
	assert.Equal(t, "stopped", e.Snapshot().State)
	assert.ErrorIs(t, e.Start(context.Background()), ErrClosed)

	// Late deliveries from the transport are ignored.
	buf := e.RxBufRequest()
	e.RxReady(buf, 0, 1)
	assert.Equal(t, uint64(0), e.Snapshot().Chunks)
}

func TestEngine_RxReadyRejectsForeignBuffer(t *testing.T) {
	e, _ := startEngine(t, Config{})
	e.RxReady(make([]byte, 8), 0, 8)
	buf := e.RxBufRequest()
	e.RxReady(buf, len(buf)-1, 2)
	assert.Equal(t, uint64(2), e.Snapshot().Malformed)
	assert.Equal(t, uint64(0), e.Snapshot().Chunks)
}

func TestEngine_ByteOrderPreservedAcrossManyChunks(t *testing.T) {
	e, tr := startEngine(t, Config{BufferCount: 4, BufferSize: 7})
	var rec recorder
	require.NoError(t, e.StartStream(0, rec.handle))

	var wire []byte
	for i := 0; i < 20; i++ {
		f, err := skytraq.Frame([]byte{0xDC, byte(i)})
		require.NoError(t, err)
		wire = append(wire, f...)
	}
	for len(wire) > 0 {
		n := min(len(wire), 5)
		feed(t, e, tr, wire[:n])
		wire = wire[n:]
	}

	msgs := rec.snapshot()
	require.Len(t, msgs, 20)
	for i, m := range msgs {
		assert.True(t, bytes.Equal(m.Payload, []byte{0xDC, byte(i)}), "message %d payload %x", i, m.Payload)
	}
}
