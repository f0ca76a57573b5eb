// Package gateway exposes the tracker's display surface over HTTP: REST
// endpoints for the latest price, the rolling candle window, resampled TF
// candles, and fiat↔coin conversion, plus a WebSocket push stream of live
// updates. It reads the aggregator directly (the multi-reader side of the
// single-writer discipline) and never blocks the pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"coinwatchv1/internal/model"

	"github.com/gorilla/websocket"
)

// Envelope is the wire shape pushed to WS clients.
type Envelope struct {
	Type string          `json:"type"` // "price" | "candle" | "tfcandle"
	Data json.RawMessage `json:"data"`
}

// Hub manages WebSocket clients and fans live updates out to them.
// Slow clients drop messages rather than stalling the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte

	// OnClients is called with the client count after every register or
	// unregister (optional, used for the gauge metric).
	OnClients func(n int)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *Hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	n := len(h.clients)
	h.mu.Unlock()
	if h.OnClients != nil {
		h.OnClients(n)
	}
	return ch
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if h.OnClients != nil {
		h.OnClients(n)
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends msg to every client, dropping for slow ones.
func (h *Hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client — drop update
		}
	}
}

// Broadcast wraps payload in an envelope and pushes it to all clients.
func (h *Hub) Broadcast(msgType string, payload []byte) {
	env, err := json.Marshal(Envelope{Type: msgType, Data: payload})
	if err != nil {
		log.Printf("[gateway] envelope marshal error: %v", err)
		return
	}
	h.broadcast(env)
}

// Run consumes finalized candles and TF candles from the pipeline and
// broadcasts them, plus a price update per finalized candle close.
// Blocks until ctx is cancelled or both inputs close.
func (h *Hub) Run(ctx context.Context, candleCh <-chan model.Candle, tfCh <-chan model.TFCandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-candleCh:
			if !ok {
				candleCh = nil
				if tfCh == nil {
					return
				}
				continue
			}
			h.Broadcast("candle", c.JSON())
		case tfc, ok := <-tfCh:
			if !ok {
				tfCh = nil
				if candleCh == nil {
					return
				}
				continue
			}
			h.Broadcast("tfcandle", tfc.JSON())
		}
	}
}

// RunPriceTicker broadcasts the latest price every interval while it
// changes. Blocks until ctx is cancelled.
func (h *Hub) RunPriceTicker(ctx context.Context, interval time.Duration, source func() int64) {
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
			payload, _ := json.Marshal(map[string]interface{}{
				"price": price,
				"float": model.PriceToFloat(price),
			})
			h.Broadcast("price", payload)
		}
	}
}

// writePump sends queued messages to one client until its channel closes
// or a write fails.
func (h *Hub) writePump(conn *websocket.Conn, ch chan []byte) {
	defer conn.Close()
	for msg := range ch {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}
