package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"coinwatchv1/internal/model"

	"github.com/gorilla/websocket"
)

func TestParseKline(t *testing.T) {
	raw := []byte(`{"e":"kline","E":1672515782136,"s":"BTCUSDT","k":{"t":1672515780000,"T":1672515780999,"s":"BTCUSDT","i":"1s","o":"16588.00","c":"16589.25","h":"16590.00","l":"16587.50","v":"12.5"}}`)

	tick, ok, err := ParseKline(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a tick from a kline frame")
	}
	if tick.Symbol != "btcusdt" {
		t.Errorf("expected symbol btcusdt, got %s", tick.Symbol)
	}
	if want := model.PriceFromFloat(16589.25); tick.Price != want {
		t.Errorf("expected price %d, got %d", want, tick.Price)
	}
	if want := time.Unix(0, 1672515780000*int64(time.Millisecond)).UTC(); !tick.TickTS.Equal(want) {
		t.Errorf("expected ts %v, got %v", want, tick.TickTS)
	}
}

func TestParseKline_SubscriptionAck(t *testing.T) {
	// The stream answers SUBSCRIBE with {"result":null,"id":1} — no tick.
	_, ok, err := ParseKline([]byte(`{"result":null,"id":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("subscription ack should not produce a tick")
	}
}

func TestParseKline_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"e":"kline","s":"BTCUSDT","k":{"t":1672515780000,"c":"nope"}}`,
		`{"e":"kline","s":"BTCUSDT","k":{"c":"16589.25"}}`, // missing start time
		`{"e":"kline","s":"BTCUSDT","k":{"t":1672515780000,"c":"NaN"}}`,
		`{"e":"kline","s":"BTCUSDT","k":{"t":1672515780000,"c":"Inf"}}`,
		`{"e":"kline","s":"BTCUSDT","k":{"t":1672515780000,"c":"-Inf"}}`,
	}
	for _, raw := range cases {
		if _, ok, err := ParseKline([]byte(raw)); err == nil || ok {
			t.Errorf("expected error for %q, got ok=%v err=%v", raw, ok, err)
		}
	}
}

func TestIngest_StreamsTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Expect the subscription request first.
		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Method != "SUBSCRIBE" || len(sub.Params) != 1 || sub.Params[0] != "btcusdt@kline_1s" {
			t.Errorf("unexpected subscribe message: %+v", sub)
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"result":null,"id":1}`))
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"e":"kline","s":"BTCUSDT","k":{"t":1672515780000,"c":"100.5"}}`))

		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ing, err := New(Config{
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol: "BTCUSDT",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tickCh := make(chan model.Tick, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.Start(ctx, tickCh)

	select {
	case tick := <-tickCh:
		if tick.Symbol != "btcusdt" {
			t.Errorf("expected symbol btcusdt, got %s", tick.Symbol)
		}
		if want := model.PriceFromFloat(100.5); tick.Price != want {
			t.Errorf("expected price %d, got %d", want, tick.Price)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for tick")
	}
}

func TestIngest_ReconnectDoesNotLeakGoroutines(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		conn.Close() // drop every connection immediately
	}))
	defer srv.Close()

	ing, err := New(Config{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbol:            "btcusdt",
		ReconnectDelay:    time.Millisecond,
		MaxReconnectDelay: 2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	tickCh := make(chan model.Tick, 1)
	go ing.Start(ctx, tickCh)

	deadline := time.Now().Add(5 * time.Second)
	for conns.Load() < 50 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := conns.Load(); n < 50 {
		t.Fatalf("only %d reconnects within deadline", n)
	}
	cancel()
	time.Sleep(200 * time.Millisecond)

	if after := runtime.NumGoroutine(); after > before+5 {
		t.Fatalf("goroutines grew from %d to %d across reconnects", before, after)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error for empty symbol")
	}
}
