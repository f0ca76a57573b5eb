// Package bus fans finalized candles out from the aggregation pipeline to
// its consumers (redis mirror, resampler, gateway). Subscribers register
// under a name, which labels drop and saturation metrics. A full consumer
// channel drops rather than blocks, so one slow consumer cannot stall the
// pipeline.
package bus

import (
	"context"
	"log"
	"sync"

	"coinwatchv1/internal/model"
)

// subscriber is one named output of the fan-out.
type subscriber struct {
	name string
	ch   chan model.Candle
}

// FanOut broadcasts candles from a single input channel to all subscribers.
type FanOut struct {
	mu      sync.RWMutex
	subs    []subscriber
	bufSize int

	// OnDrop is called with the subscriber's name when a candle is
	// dropped for it.
	OnDrop func(name string)
}

// New creates a FanOut with the given buffer size for subscriber channels.
func New(outputBufferSize int) *FanOut {
	return &FanOut{
		bufSize: outputBufferSize,
	}
}

// Subscribe registers a named consumer and returns its channel. Subscribe
// before calling Run; channels are closed when Run returns.
func (f *FanOut) Subscribe(name string) <-chan model.Candle {
	ch := make(chan model.Candle, f.bufSize)
	f.mu.Lock()
	f.subs = append(f.subs, subscriber{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled or input is closed.
func (f *FanOut) Run(ctx context.Context, input <-chan model.Candle) {
	defer func() {
		f.mu.RLock()
		for _, s := range f.subs {
			close(s.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case candle, ok := <-input:
			if !ok {
				return
			}
			f.mu.RLock()
			for _, s := range f.subs {
				select {
				case s.ch <- candle:
				default:
					if f.OnDrop != nil {
						f.OnDrop(s.name)
					} else {
						log.Printf("[bus] subscriber %s full, dropping candle %s", s.name, candle.Key())
					}
				}
			}
			f.mu.RUnlock()
		}
	}
}

// ChannelStat reports occupancy of one subscriber channel, used for
// channel saturation metrics.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats returns (name, length, capacity) for each subscriber channel.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.subs))
	for i, s := range f.subs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}
