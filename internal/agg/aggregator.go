// Package agg builds fixed-count OHLC candles from a stream of ticks and
// keeps the latest price plus a bounded rolling history of finalized
// candles.
//
// Windows are count-based: exactly WindowTicks ticks fold into one candle,
// whose WindowStart is the first tick's timestamp. A single writer calls
// OnTick; any number of readers may call CurrentPrice and History
// concurrently. All state mutated by one tick commits under a single lock
// hold, so readers always observe a fully-committed generation.
package agg

import (
	"context"
	"log"
	"sync"

	"coinwatchv1/internal/history"
	"coinwatchv1/internal/model"
	"coinwatchv1/internal/tickbuf"
)

// Config holds aggregator sizing.
type Config struct {
	// WindowTicks is the number of ticks per candle (K). Default 5.
	WindowTicks int
	// HistorySize is the number of finalized candles retained (N). Default 100.
	HistorySize int
}

func (c *Config) defaults() {
	if c.WindowTicks <= 0 {
		c.WindowTicks = 5
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 100
	}
}

// Aggregator folds ticks into fixed-count candles.
type Aggregator struct {
	mu     sync.RWMutex
	latest int64
	buf    *tickbuf.Buffer
	hist   *history.Ring

	// Metrics hooks (optional, set externally before Run)
	OnCandle func(model.Candle)
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	cfg.defaults()
	return &Aggregator{
		buf:  tickbuf.New(cfg.WindowTicks),
		hist: history.New(cfg.HistorySize),
	}
}

// OnTick incorporates a single tick. The latest price is updated
// unconditionally; when the tick completes a window, the finalized candle
// is appended to history and the buffer is cleared for the next window.
// Returns the finalized candle and true when one was emitted.
func (a *Aggregator) OnTick(t model.Tick) (model.Candle, bool) {
	a.mu.Lock()

	a.latest = t.Price
	a.buf.Push(t)

	if !a.buf.Full() {
		a.mu.Unlock()
		return model.Candle{}, false
	}

	candle, _ := a.buf.Extremes()
	a.hist.Push(candle)
	a.buf.Clear()
	a.mu.Unlock()

	if a.OnCandle != nil {
		a.OnCandle(candle)
	}
	return candle, true
}

// Restore seeds the aggregator with a previously saved state: the
// rolling window (oldest-first) and the last observed price. Intended
// for startup, before the writer goroutine runs.
func (a *Aggregator) Restore(latest int64, candles []model.Candle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.latest = latest
	for _, c := range candles {
		a.hist.Push(c)
	}
}

// CurrentPrice returns the most recently observed price in micros.
// Returns 0 before the first tick arrives.
func (a *Aggregator) CurrentPrice() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest
}

// History returns a copy of the rolling history, oldest-first.
func (a *Aggregator) History() []model.Candle {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.hist.Snapshot()
}

// Run consumes ticks from tickCh in a single goroutine and sends finalized
// candles to candleCh. Blocks until ctx is cancelled or tickCh closes.
// The aggregator stays readable after Run returns; a partial window is
// simply left open.
func (a *Aggregator) Run(ctx context.Context, tickCh <-chan model.Tick, candleCh chan<- model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-tickCh:
			if !ok {
				return
			}
			if candle, emitted := a.OnTick(tick); emitted {
				a.emit(candle, candleCh)
			}
		}
	}
}

// emit sends a finalized candle to candleCh. Non-blocking to avoid a slow
// downstream stalling tick consumption.
func (a *Aggregator) emit(c model.Candle, candleCh chan<- model.Candle) {
	select {
	case candleCh <- c:
	default:
		log.Printf("[agg] candleCh full, dropping candle %s ts=%v", c.Key(), c.WindowStart)
	}
}
