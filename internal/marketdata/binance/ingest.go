// Package binance provides the WebSocket ingest client for the Binance
// kline stream. It subscribes to <symbol>@kline_1s on connect, decodes
// each kline frame into a model.Tick (close price + bucket open time),
// and pushes ticks into the pipeline channel.
//
// Connection lifecycle lives entirely here: the aggregator downstream has
// no knowledge of connection state. On disconnect the client reconnects
// with exponential backoff and re-subscribes.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coinwatchv1/internal/model"

	"github.com/gorilla/websocket"
)

// DefaultURL is the Binance spot market stream endpoint.
const DefaultURL = "wss://stream.binance.com:9443/ws"

// Config holds configuration for the kline ingest.
type Config struct {
	// URL of the market stream endpoint. Defaults to DefaultURL.
	URL string

	// Symbol is the lowercase pair to subscribe, e.g. "btcusdt".
	Symbol string

	// Interval is the kline interval to subscribe. Defaults to "1s".
	Interval string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.URL == "" {
		c.URL = DefaultURL
	}
	if c.Interval == "" {
		c.Interval = "1s"
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// subscribeMsg is the stream subscription request sent after connect.
type subscribeMsg struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// klineFrame mirrors the wire shape of a kline event. Frames without a
// "k" payload (subscription acks, other event types) are skipped.
type klineFrame struct {
	EventType string `json:"e"`
	// EventTime must be declared: without an exact tag match for "E",
	// encoding/json's case-insensitive fallback would route the numeric
	// event time into EventType and fail the decode.
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     *struct {
		StartMS int64 `json:"t"` // bucket open time, epoch ms
		// CloseMS must be declared: without an exact tag match for "T",
		// encoding/json's case-insensitive fallback would overwrite
		// StartMS with the bucket close time.
		CloseMS int64  `json:"T"`
		Close   string `json:"c"` // close price, decimal string
	} `json:"k"`
}

// Ingest connects to the kline stream and pushes normalized ticks into
// tickCh.
type Ingest struct {
	cfg Config

	// Optional hooks — called on reconnection, per accepted tick, and per
	// dropped tick (malformed frame or full channel).
	OnReconnect func()
	OnTick      func()
	OnDrop      func()
}

// New creates a new Ingest. Returns an error if the URL is unparseable or
// the symbol is empty.
func New(cfg Config) (*Ingest, error) {
	cfg.defaults()
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("binance ingest: empty symbol")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("binance ingest: bad url: %w", err)
	}
	cfg.Symbol = strings.ToLower(cfg.Symbol)
	return &Ingest{cfg: cfg}, nil
}

// Start connects and streams ticks into tickCh. Blocks until ctx is
// cancelled. Reconnects automatically on disconnect.
func (ing *Ingest) Start(ctx context.Context, tickCh chan<- model.Tick) error {
	delay := ing.cfg.ReconnectDelay

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := ing.runOnce(ctx, tickCh)
		if err == nil {
			// Context cancelled cleanly
			return nil
		}

		log.Printf("[binance] disconnected (%v), reconnecting in %s...", err, delay)
		if ing.OnReconnect != nil {
			ing.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		// Exponential backoff
		delay *= 2
		if delay > ing.cfg.MaxReconnectDelay {
			delay = ing.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection attempt, subscribes, and reads until
// disconnect or ctx cancel.
func (ing *Ingest) runOnce(ctx context.Context, tickCh chan<- model.Tick) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, ing.cfg.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stream := ing.cfg.Symbol + "@kline_" + ing.cfg.Interval
	sub := subscribeMsg{Method: "SUBSCRIBE", Params: []string{stream}, ID: 1}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", stream, err)
	}
	log.Printf("[binance] connected to %s, subscribed to %s", ing.cfg.URL, stream)

	// Async context watcher — closes the connection when ctx is cancelled.
	// done releases the watcher when this connection ends first, so
	// reconnect cycles do not accumulate parked goroutines.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		tick, ok, err := ParseKline(raw)
		if err != nil {
			log.Printf("[binance] parse error: %v (raw: %s)", err, raw)
			if ing.OnDrop != nil {
				ing.OnDrop()
			}
			continue
		}
		if !ok {
			// Subscription ack or unrelated event — not a tick.
			continue
		}

		if ing.OnTick != nil {
			ing.OnTick()
		}
		select {
		case tickCh <- tick:
		default:
			log.Println("[binance] tickCh full, dropping tick")
			if ing.OnDrop != nil {
				ing.OnDrop()
			}
		}
	}
}

// ParseKline decodes a raw stream frame. Returns ok=false for frames that
// carry no kline payload, and an error for malformed kline frames; in
// both cases no tick reaches the aggregator.
func ParseKline(raw []byte) (model.Tick, bool, error) {
	var frame klineFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return model.Tick{}, false, err
	}
	if frame.Kline == nil {
		return model.Tick{}, false, nil
	}

	price, err := strconv.ParseFloat(frame.Kline.Close, 64)
	if err != nil {
		return model.Tick{}, false, fmt.Errorf("bad close price %q: %w", frame.Kline.Close, err)
	}
	// ParseFloat accepts "NaN" and "Inf" without error; neither is a price.
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return model.Tick{}, false, fmt.Errorf("non-finite close price %q", frame.Kline.Close)
	}
	if frame.Kline.StartMS <= 0 {
		return model.Tick{}, false, fmt.Errorf("missing kline start time")
	}

	return model.Tick{
		Symbol: strings.ToLower(frame.Symbol),
		Price:  model.PriceFromFloat(price),
		TickTS: time.Unix(0, frame.Kline.StartMS*int64(time.Millisecond)).UTC(),
	}, true, nil
}
