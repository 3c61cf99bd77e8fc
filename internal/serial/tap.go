package serial

import (
	"sync/atomic"
	"time"
)

// Tap is a poll-style consumer of the receive stream. Chunks are buffered
// in a bounded channel; when the consumer falls behind, new chunks are
// dropped rather than queued.
type Tap struct {
	bus     *Bus
	ch      chan []byte
	pending []byte
	dropped atomic.Uint64
	closed  atomic.Bool
}

// Tap attaches a new lossy consumer with room for depth chunks.
func (b *Bus) Tap(depth int) *Tap {
	if depth <= 0 {
		depth = 16
	}
	t := &Tap{bus: b, ch: make(chan []byte, depth)}
	b.tapMu.Lock()
	b.taps = append(b.taps, t)
	b.tapMu.Unlock()
	return t
}

func (t *Tap) feed(chunk []byte) {
	if t.closed.Load() {
		return
	}
	owned := make([]byte, len(chunk))
	copy(owned, chunk)
	select {
	case t.ch <- owned:
	default:
		t.dropped.Add(1)
	}
}

// ReadBytes fills buf with whatever input is available, waiting at most
// timeout for the first chunk. Returns the number of bytes copied; zero
// means the stream was silent for the whole window.
func (t *Tap) ReadBytes(buf []byte, timeout time.Duration) int {
	n := t.drainInto(buf, 0)
	if n > 0 || timeout <= 0 {
		return n
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk, ok := <-t.ch:
		if !ok {
			return 0
		}
		n = t.take(buf, 0, chunk)
		return t.drainInto(buf, n)
	case <-timer.C:
		return 0
	}
}

// drainInto copies already-buffered chunks into buf without blocking.
func (t *Tap) drainInto(buf []byte, n int) int {
	if len(t.pending) > 0 {
		n = t.take(buf, n, nil)
	}
	for n < len(buf) {
		select {
		case chunk, ok := <-t.ch:
			if !ok {
				return n
			}
			n = t.take(buf, n, chunk)
		default:
			return n
		}
	}
	return n
}

// take appends chunk (or the pending remainder when chunk is nil) to buf
// at offset n, keeping any overflow for the next read.
func (t *Tap) take(buf []byte, n int, chunk []byte) int {
	if chunk != nil {
		t.pending = append(t.pending, chunk...)
	}
	c := copy(buf[n:], t.pending)
	t.pending = t.pending[c:]
	if len(t.pending) == 0 {
		t.pending = nil
	}
	return n + c
}

// Dropped reports how many chunks were discarded due to backpressure.
func (t *Tap) Dropped() uint64 {
	return t.dropped.Load()
}

// Close detaches the tap from the bus.
func (t *Tap) Close() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}
	b := t.bus
	b.tapMu.Lock()
	for i, other := range b.taps {
		if other == t {
			b.taps = append(b.taps[:i], b.taps[i+1:]...)
			break
		}
	}
	b.tapMu.Unlock()
}
