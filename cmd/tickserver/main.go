// cmd/tickserver — Demo WebSocket tick server.
// Broadcasts simulated kline frames in the same wire shape as the Binance
// combined stream, so trackerd can run against it without internet access.
//
// Clients send a subscribe request after connecting:
//
//	{"method":"SUBSCRIBE","params":["btcusdt@kline_1s"],"id":1}
//
// and receive an ack {"result":null,"id":1} followed by kline frames:
//
//	{"e":"kline","s":"BTCUSDT","k":{"t":1719410400000,"c":"68250.120000"}}
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  — listen address  (default: ":9001")
//	TICK_SYMBOLS      — comma-separated symbols (default: "btcusdt")
//	TICK_INTERVAL_MS  — broadcast interval milliseconds (default: "200")
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// klineFrame mirrors the Binance kline event envelope.
type klineFrame struct {
	Event  string `json:"e"`
	Symbol string `json:"s"`
	Kline  kline  `json:"k"`
}

type kline struct {
	StartMS int64  `json:"t"`
	Close   string `json:"c"`
}

// subscribeReq is the client's stream subscription request.
type subscribeReq struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Price  float64 // current simulated price
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client — drop frame
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: ack SUBSCRIBE requests, ignore everything else.
		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				var req subscribeReq
				if err := json.Unmarshal(raw, &req); err != nil {
					continue
				}
				if req.Method == "SUBSCRIBE" {
					log.Printf("[tickserver] %s subscribed: %v", r.RemoteAddr, req.Params)
					ack := fmt.Sprintf(`{"result":null,"id":%d}`, req.ID)
					select {
					case ch <- []byte(ack):
					default:
					}
				}
			}
		}()

		// Write pump: sends kline frames to this client.
		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Kline generator ──────────────────────────────────────────────────────────

// walkPrice applies a tiny random walk (±0.1%) to simulate price movement.
func walkPrice(price float64) float64 {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	newPrice := price * (1 + pct)
	if newPrice < 0.000001 { // floor at one micro
		newPrice = 0.000001
	}
	return newPrice
}

func runGenerator(h *hub, instruments []instrument, intervalMs int) {
	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		now := time.Now().UTC()
		for i := range instruments {
			instruments[i].Price = walkPrice(instruments[i].Price)
			frame := klineFrame{
				Event:  "kline",
				Symbol: strings.ToUpper(instruments[i].Symbol),
				Kline: kline{
					StartMS: now.UnixMilli(),
					Close:   strconv.FormatFloat(instruments[i].Price, 'f', 6, 64),
				},
			}
			b, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			h.broadcast(b)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting demo kline server...")

	// Config
	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	symbolsEnv := envOrDefault("TICK_SYMBOLS", "btcusdt")
	intervalMs := envIntOrDefault("TICK_INTERVAL_MS", 200)

	instruments := parseInstruments(symbolsEnv)
	if len(instruments) == 0 {
		log.Fatalf("[tickserver] no symbols configured via TICK_SYMBOLS")
	}
	log.Printf("[tickserver] symbols: %+v", instruments)
	log.Printf("[tickserver] broadcast interval: %dms", intervalMs)

	h := newHub()

	// Start kline generator
	go runGenerator(h, instruments, intervalMs)

	// HTTP routes
	http.HandleFunc("/ws", wsHandler(h))
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})

	log.Printf("[tickserver] ✅ listening on %s  (WebSocket: ws://localhost%s/ws)", addr, addr)
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatalf("[tickserver] server error: %v", err)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string) []instrument {
	// Rough spot prices to seed the random walk.
	defaultPrices := map[string]float64{
		"btcusdt": 68250.12,
		"ethusdt": 3540.55,
		"solusdt": 172.30,
		"bnbusdt": 601.80,
	}

	var result []instrument
	for _, part := range strings.Split(s, ",") {
		sym := strings.ToLower(strings.TrimSpace(part))
		if sym == "" {
			continue
		}
		price := defaultPrices[sym]
		if price == 0 {
			price = 100.0
		}
		result = append(result, instrument{Symbol: sym, Price: price})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
