// Package redis mirrors the tracker's live state (latest price, the
// bounded candle window, TF candles) into Redis for out-of-process
// consumers. Streams are trimmed to the rolling window size — nothing
// beyond the in-memory window is retained. Redis being unavailable never
// stalls the pipeline; writes are logged and dropped.
package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"coinwatchv1/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const defaultLatestTTL = 30 * time.Minute

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	// StreamMaxLen trims the candle stream to roughly the rolling window
	// size. Defaults to 100.
	StreamMaxLen int64
}

// Writer mirrors candles and the latest price to Redis.
type Writer struct {
	client *goredis.Client
	maxLen int64

	// Metrics hook (optional): observes write latency in seconds.
	OnWriteDur func(seconds float64)
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 100
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{client: client, maxLen: maxLen}, nil
}

// Run reads finalized candles from candleCh and mirrors them to Redis.
// Blocks until ctx is cancelled or candleCh is closed.
func (w *Writer) Run(ctx context.Context, candleCh <-chan model.Candle) {
	for {
		select {
		case <-ctx.Done():
			return
		case candle, ok := <-candleCh:
			if !ok {
				return
			}
			w.writeCandle(ctx, candle)
		}
	}
}

// RunTFCandles reads finalized TF candles and publishes them.
func (w *Writer) RunTFCandles(ctx context.Context, tfCandleCh <-chan model.TFCandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case tfc, ok := <-tfCandleCh:
			if !ok {
				return
			}
			w.writeTFCandle(ctx, tfc)
		}
	}
}

// RunLatest periodically mirrors the latest price read from source.
// Writes only when the price changed. Blocks until ctx is cancelled.
func (w *Writer) RunLatest(ctx context.Context, symbol string, interval time.Duration, source func() int64) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price := source()
			if price == 0 || price == last {
				continue
			}
			last = price
			w.writeLatest(ctx, symbol, price)
		}
	}
}

// writeCandle performs pipelined mirror writes for one finalized candle:
// stream append (trimmed to the window), latest-candle key, pubsub push.
func (w *Writer) writeCandle(ctx context.Context, candle model.Candle) {
	streamKey := "candle:" + candle.Symbol
	latestKey := "candle:latest:" + candle.Symbol
	pubsubCh := "pub:candle:" + candle.Symbol
	jsonData := string(candle.JSON())

	start := time.Now()
	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey,
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
	pipe.Publish(ctx, pubsubCh, jsonData)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] candle pipeline error for %s: %v", candle.Key(), err)
		return
	}
	if w.OnWriteDur != nil {
		w.OnWriteDur(time.Since(start).Seconds())
	}
}

// writeTFCandle publishes a finalized TF candle and keeps a trimmed stream
// per timeframe.
func (w *Writer) writeTFCandle(ctx context.Context, tfc model.TFCandle) {
	tfLabel := strconv.Itoa(tfc.TF) + "s"
	streamKey := "candle:" + tfLabel + ":" + tfc.Symbol
	pubsubCh := "pub:candle:" + tfLabel + ":" + tfc.Symbol
	jsonData := string(tfc.JSON())

	start := time.Now()
	pipe := w.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: streamKey,
		MaxLen: w.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": jsonData},
	})
	pipe.Publish(ctx, pubsubCh, jsonData)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] tf candle pipeline error for %s tf=%d: %v", tfc.Key(), tfc.TF, err)
		return
	}
	if w.OnWriteDur != nil {
		w.OnWriteDur(time.Since(start).Seconds())
	}
}

// writeLatest mirrors the latest observed price.
func (w *Writer) writeLatest(ctx context.Context, symbol string, price int64) {
	latestKey := "price:latest:" + symbol
	pubsubCh := "pub:price:" + symbol
	value := strconv.FormatInt(price, 10)

	pipe := w.client.Pipeline()
	pipe.Set(ctx, latestKey, value, defaultLatestTTL)
	pipe.Publish(ctx, pubsubCh, value)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] latest price pipeline error for %s: %v", symbol, err)
	}
}

// Close closes the underlying client.
func (w *Writer) Close() error {
	return w.client.Close()
}
