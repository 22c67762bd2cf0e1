package engine

import "sync/atomic"

// rxBuffers is a fixed set of reception buffers used round-robin.
//
// Each buffer carries a hold count: the producer takes a hold when it queues a
// chunk for the worker, and the worker drops it once the chunk is decoded.
// next never hands out a held buffer, so bytes are not overwritten while they
// are being decoded.
type rxBuffers struct {
	bufs  [][]byte
	holds []atomic.Int32
	// cur is producer-owned.
	cur int
}

func newRxBuffers(count, size int) *rxBuffers {
	r := &rxBuffers{
		bufs:  make([][]byte, count),
		holds: make([]atomic.Int32, count),
	}
	for i := range r.bufs {
		r.bufs[i] = make([]byte, size)
	}
	return r
}

// current returns the buffer most recently handed to the producer.
func (r *rxBuffers) current() []byte {
	return r.bufs[r.cur]
}

// next advances to the next free buffer in rotation. If every other buffer is
// still held it stays on the current one.
func (r *rxBuffers) next() []byte {
	for i := 1; i < len(r.bufs); i++ {
		j := (r.cur + i) % len(r.bufs)
		if r.holds[j].Load() == 0 {
			r.cur = j
			return r.bufs[j]
		}
	}
	return r.bufs[r.cur]
}

// hasSpare reports whether some buffer other than idx is free to receive into.
func (r *rxBuffers) hasSpare(idx int) bool {
	for i := range r.bufs {
		if i != idx && r.holds[i].Load() == 0 {
			return true
		}
	}
	return false
}

// free counts buffers that are not held.
func (r *rxBuffers) free() int {
	n := 0
	for i := range r.holds {
		if r.holds[i].Load() == 0 {
			n++
		}
	}
	return n
}

// indexOf finds the rotation buffer backing buf, or -1.
func (r *rxBuffers) indexOf(buf []byte) int {
	if cap(buf) == 0 {
		return -1
	}
	p := &buf[:1][0]
	for i, b := range r.bufs {
		if p == &b[0] {
			return i
		}
	}
	return -1
}

func (r *rxBuffers) hold(idx int)    { r.holds[idx].Add(1) }
func (r *rxBuffers) release(idx int) { r.holds[idx].Add(-1) }

func (r *rxBuffers) held(idx int) bool { return r.holds[idx].Load() > 0 }

func (r *rxBuffers) bytes(c rawChunk) []byte {
	return r.bufs[c.index][c.offset : c.offset+c.length]
}

// rawChunk is a borrowed view into one rotation buffer. It is valid until the
// worker releases the buffer.
type rawChunk struct {
	index  int
	offset int
	length int
}
