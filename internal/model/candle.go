package model

import (
	"encoding/json"
	"time"
)

// Candle represents one finalized OHLC candle built from a fixed count of
// ticks. WindowStart is the timestamp of the first tick in the window, not
// the finalization time. All prices are in micros (int64).
type Candle struct {
	Symbol      string    `json:"symbol"`
	WindowStart time.Time `json:"window_start"` // first tick's timestamp (UTC)
	Open        int64     `json:"open"`         // micros
	High        int64     `json:"high"`         // micros
	Low         int64     `json:"low"`          // micros
	Close       int64     `json:"close"`        // micros
}

// Key returns the candle's instrument key (the lowercase pair symbol).
func (c *Candle) Key() string {
	return c.Symbol
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
