// Package tickbuf provides a fixed-capacity ring of raw ticks accumulated
// toward the in-progress candle. Push evicts the oldest tick on overflow,
// so memory stays bounded regardless of tick rate.
//
// The buffer is not goroutine-safe on its own; the aggregator guards it
// together with the rest of its state behind a single lock.
package tickbuf

import "coinwatchv1/internal/model"

// Buffer is a fixed-capacity ring over model.Tick.
type Buffer struct {
	buf  []model.Tick
	pos  int // next write position
	full bool
}

// New creates a buffer holding at most capacity ticks. Capacity must be
// at least 1; smaller values are clamped.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{buf: make([]model.Tick, capacity)}
}

// Push appends a tick, evicting the oldest when the buffer is at capacity.
// Always succeeds.
func (b *Buffer) Push(t model.Tick) {
	b.buf[b.pos] = t
	b.pos = (b.pos + 1) % len(b.buf)
	if b.pos == 0 && !b.full {
		b.full = true
	}
}

// Len returns the number of ticks currently buffered.
func (b *Buffer) Len() int {
	if b.full {
		return len(b.buf)
	}
	return b.pos
}

// Cap returns the buffer capacity (the window size K).
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Full reports whether the buffer holds exactly Cap() ticks.
func (b *Buffer) Full() bool {
	return b.full
}

// Extremes folds the buffered ticks into a candle: open is the oldest
// price, close the newest, high/low the max/min, and WindowStart the
// oldest tick's timestamp. Returns false while the buffer is not full.
// Pure read; does not mutate the buffer.
func (b *Buffer) Extremes() (model.Candle, bool) {
	if !b.full {
		return model.Candle{}, false
	}

	first := b.at(0)
	c := model.Candle{
		Symbol:      first.Symbol,
		WindowStart: first.TickTS,
		Open:        first.Price,
		High:        first.Price,
		Low:         first.Price,
		Close:       first.Price,
	}
	for i := 1; i < len(b.buf); i++ {
		t := b.at(i)
		if t.Price > c.High {
			c.High = t.Price
		}
		if t.Price < c.Low {
			c.Low = t.Price
		}
		c.Close = t.Price
	}
	return c, true
}

// Clear empties the buffer, preparing it for the next window.
func (b *Buffer) Clear() {
	b.pos = 0
	b.full = false
}

// at converts a logical index (0 = oldest) to a physical buffer index.
func (b *Buffer) at(logical int) model.Tick {
	if b.full {
		return b.buf[(b.pos+logical)%len(b.buf)]
	}
	return b.buf[logical]
}
