package model

import (
	"encoding/json"
	"time"
)

// TFCandle represents a wall-clock resampled OHLC candle for a fixed
// timeframe. TF is the timeframe duration in seconds (e.g., 60 = 1 minute).
// All prices are in micros (int64).
type TFCandle struct {
	Symbol  string    `json:"symbol"`
	TF      int       `json:"tf"`      // timeframe in seconds
	TS      time.Time `json:"ts"`      // bucket start time (UTC, TF-aligned)
	Open    int64     `json:"open"`    // micros
	High    int64     `json:"high"`    // micros
	Low     int64     `json:"low"`     // micros
	Close   int64     `json:"close"`   // micros
	Count   int       `json:"count"`   // number of source candles merged
	Forming bool      `json:"forming"` // true if bucket is still open
}

// Key returns the instrument key.
func (c *TFCandle) Key() string {
	return c.Symbol
}

// JSON returns the JSON-encoded TF candle.
func (c *TFCandle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
