// Package resample provides an incremental wall-clock resampler. It
// consumes finalized count-based candles and folds them into fixed
// duration TF buckets for the charting surface, updating each forming
// bucket in O(1) per candle per TF. When a candle arrives in a new
// bucket, the previous TF candle is finalized and emitted.
//
// The count-based candles upstream have variable wall-clock span, so a
// TF bucket here summarizes however many of them started inside the
// bucket — this is the fixed-duration view, layered on top of the
// count-based core rather than replacing it.
package resample

import (
	"context"
	"log"
	"sync"
	"time"

	"coinwatchv1/internal/model"
)

// defaultKeep is how many finalized TF candles are retained per TF for
// the chart endpoints.
const defaultKeep = 100

// tfState holds the forming candle state for one (symbol, TF) pair.
type tfState struct {
	bucket  int64 // bucket start = ts - ts%tf (Unix seconds)
	candle  model.TFCandle
	started bool
}

// Resampler folds finalized candles into multiple wall-clock timeframes.
// Designed to consume from a single goroutine; Snapshot may be called
// concurrently by readers.
type Resampler struct {
	tfs []int // enabled TF durations in seconds

	// Per-TF per-symbol forming state: states[tfIdx][symbol].
	states []map[string]*tfState

	// Bounded retention of finalized TF candles per TF, for the gateway.
	mu        sync.RWMutex
	finalized map[int][]model.TFCandle
	keep      int

	// Metrics hook (optional)
	OnTFCandle func(c model.TFCandle)
}

// New creates a resampler for the given timeframes (in seconds).
func New(tfs []int) *Resampler {
	states := make([]map[string]*tfState, len(tfs))
	for i := range states {
		states[i] = make(map[string]*tfState, 4)
	}
	return &Resampler{
		tfs:       tfs,
		states:    states,
		finalized: make(map[int][]model.TFCandle, len(tfs)),
		keep:      defaultKeep,
	}
}

// TFs returns the enabled timeframes.
func (r *Resampler) TFs() []int {
	return r.tfs
}

// Run consumes finalized candles from candleCh, resamples them, and sends
// TF candles (forming snapshots and finalized buckets) to outCh. Blocks
// until ctx is cancelled or candleCh closes.
func (r *Resampler) Run(ctx context.Context, candleCh <-chan model.Candle, outCh chan<- model.TFCandle) {
	for {
		select {
		case <-ctx.Done():
			r.flushAll(outCh)
			return
		case c, ok := <-candleCh:
			if !ok {
				r.flushAll(outCh)
				return
			}
			r.Process(c, outCh)
		}
	}
}

// Process handles a single finalized candle against all enabled TFs.
func (r *Resampler) Process(c model.Candle, outCh chan<- model.TFCandle) {
	ts := c.WindowStart.Unix()
	key := c.Key()

	for i, tf := range r.tfs {
		tf64 := int64(tf)
		bucket := ts - (ts % tf64) // align to TF boundary

		st, exists := r.states[i][key]

		if exists && bucket < st.bucket {
			// Candle behind the forming bucket — ignore for this TF.
			continue
		}

		if exists && bucket > st.bucket {
			// New bucket — finalize the forming candle first.
			r.finalize(st, outCh)
			exists = false
		}

		if !exists {
			st = &tfState{
				bucket:  bucket,
				started: true,
				candle: model.TFCandle{
					Symbol:  c.Symbol,
					TF:      tf,
					TS:      time.Unix(bucket, 0).UTC(),
					Open:    c.Open,
					High:    c.High,
					Low:     c.Low,
					Close:   c.Close,
					Count:   1,
					Forming: true,
				},
			}
			r.states[i][key] = st
			emit(outCh, st.candle)
			continue
		}

		// Same bucket — merge OHLC.
		fc := &st.candle
		if c.High > fc.High {
			fc.High = c.High
		}
		if c.Low < fc.Low {
			fc.Low = c.Low
		}
		fc.Close = c.Close
		fc.Count++

		// Emit a forming snapshot so live consumers can peek at the
		// in-progress bucket. Struct copy, no pointer fields.
		emit(outCh, *fc)
	}
}

// Snapshot returns the retained finalized TF candles for one timeframe,
// oldest-first. Safe for concurrent callers.
func (r *Resampler) Snapshot(tf int) []model.TFCandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.finalized[tf]
	out := make([]model.TFCandle, len(src))
	copy(out, src)
	return out
}

// finalize marks the forming candle closed, retains it, and emits it.
func (r *Resampler) finalize(st *tfState, outCh chan<- model.TFCandle) {
	st.candle.Forming = false
	r.retain(st.candle)
	emit(outCh, st.candle)
	if r.OnTFCandle != nil {
		r.OnTFCandle(st.candle)
	}
	st.started = false
}

// retain appends a finalized TF candle, trimming to the keep bound.
func (r *Resampler) retain(c model.TFCandle) {
	r.mu.Lock()
	list := append(r.finalized[c.TF], c)
	if len(list) > r.keep {
		list = list[len(list)-r.keep:]
	}
	r.finalized[c.TF] = list
	r.mu.Unlock()
}

// flushAll finalizes and emits all forming candles.
func (r *Resampler) flushAll(outCh chan<- model.TFCandle) {
	for i := range r.tfs {
		for key, st := range r.states[i] {
			if st.started {
				r.finalize(st, outCh)
			}
			delete(r.states[i], key)
		}
	}
}

// emit sends a TF candle to the output channel. Non-blocking to avoid
// deadlocks.
func emit(outCh chan<- model.TFCandle, c model.TFCandle) {
	select {
	case outCh <- c:
	default:
		log.Printf("[resample] outCh full, dropping TF candle %s tf=%d ts=%v", c.Key(), c.TF, c.TS)
	}
}
