package model

import "time"

// Tick represents a single price observation decoded from the exchange
// WebSocket. Price is stored as int64 in micros (1e-6 quote units, e.g.
// USDT) to avoid float drift in the aggregation path.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  int64     `json:"price"`   // micros
	TickTS time.Time `json:"tick_ts"` // UTC timestamp
}
