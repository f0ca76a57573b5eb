// Package history provides a fixed-size rolling window of finalized
// candles. The newest candle overwrites the oldest once capacity is
// reached, so memory stays bounded over an unbounded stream.
package history

import "coinwatchv1/internal/model"

// Ring is a fixed-capacity FIFO of finalized candles. Insertion order is
// chronological. Not goroutine-safe on its own; the aggregator guards it
// behind its lock.
type Ring struct {
	buf  []model.Candle
	pos  int // next write position
	full bool
}

// New creates a ring holding at most capacity candles.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]model.Candle, capacity)}
}

// Push appends a finalized candle, evicting the oldest when full.
func (r *Ring) Push(c model.Candle) {
	r.buf[r.pos] = c
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 && !r.full {
		r.full = true
	}
}

// Len returns the number of candles currently held.
func (r *Ring) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.pos
}

// Cap returns the maximum number of candles retained.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Snapshot returns a copy of the candles, oldest-first. Safe for the
// caller to retain.
func (r *Ring) Snapshot() []model.Candle {
	n := r.Len()
	out := make([]model.Candle, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[r.index(i)]
	}
	return out
}

// index converts a logical index (0 = oldest) to a physical buffer index.
func (r *Ring) index(logical int) int {
	if r.full {
		return (r.pos + logical) % len(r.buf)
	}
	return logical
}
