package replay

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gnss-relay/internal/engine"
	"gnss-relay/internal/skytraq"
)

func instant(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type collector struct {
	mu   sync.Mutex
	msgs []engine.Message
}

func (c *collector) handle(m engine.Message) {
	m.Payload = append([]byte(nil), m.Payload...)
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func TestTransport_PlaysCaptureThroughEngine(t *testing.T) {
	ack := []byte{0xA0, 0xA1, 0x00, 0x02, 0x83, 0x01, 0x82, 0x0D, 0x0A}
	rtcmFrame := []byte{0xD3, 0x00, 0x03, 0x11, 0x22, 0x33, 0xAA, 0xBB, 0xCC}
	recs := []Record{
		{},
		{At: 0, Chunk: ack[:3]},
		{At: time.Millisecond, Chunk: ack[3:]},
		{At: 2 * time.Millisecond, Chunk: rtcmFrame},
	}
	tr := NewTransport(recs, TransportConfig{})
	tr.after = instant

	e, err := engine.New(engine.Config{BufferSize: 4}, tr)
	require.NoError(t, err)
	var c collector
	require.NoError(t, e.StartStream(0, c.handle))
	require.NoError(t, e.Start(context.Background()))
	defer e.Close()

	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, time.Millisecond)
	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, engine.KindVendorAck, c.msgs[0].Kind)
	assert.Equal(t, engine.KindRTCM, c.msgs[1].Kind)
	assert.Equal(t, []byte{0x11, 0x22, 0x33}, c.msgs[1].Payload)
	assert.NoError(t, tr.Err())
}

func TestTransport_LargeCaptureWithDefaultBuffersIsLossless(t *testing.T) {
	var capture []byte
	for i := 0; len(capture) < 2680; i++ {
		capture = append(capture, fmt.Sprintf("$GNGGA,%06d.00,4736.3720,N,12219.9260,W,1,12,0.8,56.0,M,-17.0,M,,*47\r\n", i)...)
	}
	capture = capture[:2680]
	recs := []Record{
		{},
		{At: 0, Chunk: capture},
		{At: time.Millisecond, Chunk: capture[:700]},
	}
	tr := NewTransport(recs, TransportConfig{})
	tr.after = instant

	e, err := engine.New(engine.Config{}, tr)
	require.NoError(t, err)
	var c collector
	require.NoError(t, e.StartStream(0, c.handle))
	require.NoError(t, e.Start(context.Background()))
	defer e.Close()

	want := append(append([]byte(nil), capture...), capture[:700]...)
	require.Eventually(t, func() bool { return e.Snapshot().Bytes == uint64(len(want)) }, 2*time.Second, time.Millisecond)

	var got []byte
	c.mu.Lock()
	for _, m := range c.msgs {
		assert.Equal(t, engine.KindRaw, m.Kind)
		got = append(got, m.Payload...)
	}
	c.mu.Unlock()
	assert.Equal(t, want, got)
	assert.Zero(t, e.Snapshot().Overruns)
	assert.NoError(t, tr.Err())
}

func TestTransport_CloseStopsBlockedPlayback(t *testing.T) {
	recs := []Record{{}, {At: 0, Chunk: bytes.Repeat([]byte{'x'}, 4096)}}
	tr := NewTransport(recs, TransportConfig{})
	tr.after = instant

	e, err := engine.New(engine.Config{BufferSize: 16}, tr)
	require.NoError(t, err)
	release := make(chan struct{})
	require.NoError(t, e.StartStream(0, func(engine.Message) { <-release }))
	require.NoError(t, e.Start(context.Background()))

	closed := make(chan struct{})
	go func() {
		_ = e.Close()
		close(closed)
	}()
	close(release)
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return while playback was waiting for buffers")
	}
	assert.Zero(t, e.Snapshot().Overruns)
}

func TestTransport_AutoAckAnswersCommands(t *testing.T) {
	recs := []Record{{}, {At: 0, Chunk: []byte("$GNGGA*00\r\n")}}
	tr := NewTransport(recs, TransportConfig{AutoAck: true})
	tr.after = instant

	e, err := engine.New(engine.Config{CommandTimeout: time.Second}, tr)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer e.Close()

	code, err := e.SendCommand(context.Background(), skytraq.TalkerID{Talker: skytraq.TalkerGN})
	require.NoError(t, err)
	assert.Equal(t, engine.AckCode(skytraq.MsgConfigureNMEATalkerID), code)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []byte{0xA0, 0xA1, 0x00, 0x02, 0x4B, 0x01, 0x4A, 0x0D, 0x0A}, sent[0])
}

func TestTransport_NoRecords(t *testing.T) {
	tr := NewTransport(nil, TransportConfig{})
	e, err := engine.New(engine.Config{}, tr)
	require.NoError(t, err)
	err = e.Start(context.Background())
	require.ErrorIs(t, err, engine.ErrTransportNotReady)
}

func TestRecording_RoundTripChunksInOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.log")
	w, err := CreateWriter(path)
	require.NoError(t, err)

	chunksIn := []Record{
		{},
		{At: 0, Chunk: []byte("$GNGGA,1*00\r\n")},
		{At: 0, Chunk: []byte{0xA0, 0xA1, 0x00, 0x02, 0x83}},
		{At: 0, Chunk: []byte{0x64, 0xE7, 0x0D, 0x0A}},
	}
	src := NewTransport(chunksIn, TransportConfig{})
	src.after = instant
	rec := NewRecording(src, w)
	fixed := time.Now()
	rec.now = func() time.Time { return fixed }

	e, err := engine.New(engine.Config{}, rec)
	require.NoError(t, err)
	var c collector
	require.NoError(t, e.StartStream(0, c.handle))
	require.NoError(t, e.Start(context.Background()))
	require.Eventually(t, func() bool { return c.count() == 2 }, 2*time.Second, time.Millisecond)
	require.NoError(t, rec.Transmit([]byte{0xA0, 0xA1}))
	require.NoError(t, e.Close())

	recs, err := ReadFile(path)
	require.NoError(t, err)

	var got [][]byte
	var tx [][]byte
	for _, r := range recs {
		switch {
		case r.IsStart():
		case r.Tx:
			tx = append(tx, r.Chunk)
		default:
			got = append(got, r.Chunk)
		}
	}
	assert.Equal(t, [][]byte{chunksIn[1].Chunk, chunksIn[2].Chunk, chunksIn[3].Chunk}, got)
	assert.Equal(t, [][]byte{{0xA0, 0xA1}}, tx)

	fs := &fakeSleeper{}
	var replayed [][]byte
	require.NoError(t, Play(recs, 1, false, fs, func(chunk []byte) error {
		replayed = append(replayed, append([]byte(nil), chunk...))
		return nil
	}))
	assert.Empty(t, fs.slept)
	assert.Equal(t, got, replayed)
}
