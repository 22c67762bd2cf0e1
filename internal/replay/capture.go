package replay

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Capture format: line-oriented text.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START" resets the origin (next record time is relative to 0 again).
// - Received chunks are: <t_ns>,<hex>
// - Transmitted frames are: <t_ns>,tx,<hex>
//   where t_ns is nanoseconds since START (monotonic), and hex is the raw UART bytes.
//
// Chunk boundaries are preserved so decoder behaviour across reads can be
// reproduced exactly.

type Record struct {
	At    time.Duration
	Chunk []byte
	// Tx marks bytes written to the receiver rather than read from it.
	Tx bool
}

// IsStart reports whether r is a START marker.
func (r Record) IsStart() bool { return r.Chunk == nil }

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{At: 0, Chunk: nil})
			continue
		}

		fields := strings.Split(line, ",")
		var tx bool
		switch {
		case len(fields) == 2:
		case len(fields) == 3 && strings.TrimSpace(fields[1]) == "tx":
			tx = true
			fields = []string{fields[0], fields[2]}
		default:
			return nil, fmt.Errorf("invalid capture line: %q", line)
		}
		tsStr := strings.TrimSpace(fields[0])
		hexStr := strings.TrimSpace(fields[1])
		if tsStr == "" || hexStr == "" {
			return nil, fmt.Errorf("invalid capture line (empty field): %q", line)
		}

		tsNs, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid capture timestamp %q: %w", tsStr, err)
		}
		if tsNs < 0 {
			return nil, fmt.Errorf("invalid capture timestamp (negative): %d", tsNs)
		}

		hexStr = strings.ReplaceAll(hexStr, " ", "")
		b, err := hex.DecodeString(hexStr)
		if err != nil {
			return nil, fmt.Errorf("invalid capture hex payload: %w", err)
		}
		if len(b) == 0 {
			return nil, fmt.Errorf("invalid capture payload (empty)")
		}

		recs = append(recs, Record{At: time.Duration(tsNs), Chunk: b, Tx: tx})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

// ReadFile loads a capture from disk.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return recs, nil
}

// Writer appends records to a capture file. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now()}, nil
}

// WriteChunk records bytes read from the receiver.
func (ww *Writer) WriteChunk(now time.Time, chunk []byte) error {
	return ww.write(now, "", chunk)
}

// WriteTx records bytes written to the receiver.
func (ww *Writer) WriteTx(now time.Time, frame []byte) error {
	return ww.write(now, "tx,", frame)
}

func (ww *Writer) write(now time.Time, dir string, b []byte) error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("capture writer is closed")
	}
	if len(b) == 0 {
		return errors.New("chunk is empty")
	}

	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err := fmt.Fprintf(ww.w, "%d,%s%s\n", d.Nanoseconds(), dir, hex.EncodeToString(b))
	return err
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play replays received chunks with their relative timing. Transmitted
// records are skipped; START markers reset the origin.
//
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half speed.
func Play(records []Record, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(chunk []byte) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("speedMultiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for {
		var origin time.Duration
		var lastAt time.Duration
		var haveLast bool
		var played int

		for _, r := range records {
			if r.IsStart() {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}
			if r.Tx {
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				wait := at - lastAt
				if wait < 0 {
					wait = 0
				}
				wait = time.Duration(float64(wait) / speedMultiplier)
				if wait > 0 {
					sleeper.Sleep(wait)
				}
			}

			if err := cb(r.Chunk); err != nil {
				return err
			}
			played++

			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
		if played == 0 {
			return errors.New("no received chunks to loop")
		}
	}
}
