// Package ringbuf provides a lock-free single-producer single-consumer
// ring used to hand finalized candles from the aggregation hot path to
// the fan-out drainer without blocking tick consumption. Capacity is a
// power of two for bitwise index masking; producer and consumer cursors
// live on separate cache lines to avoid false sharing.
package ringbuf

import (
	"sync/atomic"

	"coinwatchv1/internal/model"
)

const cacheLine = 64

// Ring is a lock-free SPSC ring buffer of Candle values.
type Ring struct {
	buf  []model.Candle
	mask uint64

	_pad0 [cacheLine]byte
	head  atomic.Uint64 // written by producer
	_pad1 [cacheLine]byte
	tail  atomic.Uint64 // written by consumer
	_pad2 [cacheLine]byte

	overflow atomic.Uint64
}

// New creates a ring buffer. capacity is rounded up to the next power of
// two; minimum is 2.
func New(capacity int) *Ring {
	n := nextPow2(capacity)
	if n < 2 {
		n = 2
	}
	return &Ring{
		buf:  make([]model.Candle, n),
		mask: uint64(n - 1),
	}
}

// Push appends a candle. Returns false (and counts the overflow) when the
// ring is full; the candle is not written in that case. Non-blocking.
func (r *Ring) Push(c model.Candle) bool {
	head := r.head.Load()
	tail := r.tail.Load()

	if head-tail >= uint64(len(r.buf)) {
		r.overflow.Add(1)
		return false
	}

	r.buf[head&r.mask] = c
	r.head.Store(head + 1)
	return true
}

// Pop retrieves the oldest candle. Returns false when empty. Non-blocking.
func (r *Ring) Pop() (model.Candle, bool) {
	tail := r.tail.Load()
	head := r.head.Load()

	if tail >= head {
		return model.Candle{}, false
	}

	c := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return c, true
}

// Drain pops every buffered candle in FIFO order, handing each to fn.
// Returns the number drained. Consumer side only, like Pop.
func (r *Ring) Drain(fn func(model.Candle)) int {
	n := 0
	for {
		c, ok := r.Pop()
		if !ok {
			return n
		}
		fn(c)
		n++
	}
}

// Len returns the current number of buffered candles.
func (r *Ring) Len() int {
	return int(r.head.Load() - r.tail.Load())
}

// Cap returns the ring capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Overflow returns the total number of pushes dropped because the ring
// was full.
func (r *Ring) Overflow() uint64 {
	return r.overflow.Load()
}

// nextPow2 returns the smallest power of 2 >= n.
func nextPow2(n int) int {
	if n <= 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}
