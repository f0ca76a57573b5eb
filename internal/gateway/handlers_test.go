package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"coinwatchv1/internal/model"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
)

type fakePrices struct {
	price   int64
	candles []model.Candle
}

func (f *fakePrices) CurrentPrice() int64 { return f.price }
func (f *fakePrices) History() []model.Candle { return f.candles }

type fakeTF struct {
	tfs     []int
	candles map[int][]model.TFCandle
}

func (f *fakeTF) TFs() []int { return f.tfs }
func (f *fakeTF) Snapshot(tf int) []model.TFCandle { return f.candles[tf] }

func newTestServer(t *testing.T, cfg RoutesConfig) *httptest.Server {
	t.Helper()
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	if cfg.Prices == nil {
		cfg.Prices = &fakePrices{}
	}
	if cfg.TF == nil {
		cfg.TF = &fakeTF{}
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, cfg)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHandlers_Price(t *testing.T) {
	srv := newTestServer(t, RoutesConfig{
		Symbol: "btcusdt",
		Prices: &fakePrices{price: model.PriceFromFloat(50000)},
	})

	var got struct {
		Symbol string  `json:"symbol"`
		Price  int64   `json:"price"`
		Float  float64 `json:"float"`
	}
	if code := getJSON(t, srv.URL+"/api/price", &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got.Symbol != "btcusdt" || got.Float != 50000 {
		t.Errorf("unexpected price payload: %+v", got)
	}
}

func TestHandlers_Candles(t *testing.T) {
	t0 := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	srv := newTestServer(t, RoutesConfig{
		Prices: &fakePrices{candles: []model.Candle{
			{Symbol: "btcusdt", WindowStart: t0, Open: 1, High: 2, Low: 1, Close: 2},
			{Symbol: "btcusdt", WindowStart: t0.Add(5 * time.Second), Open: 2, High: 3, Low: 2, Close: 3},
		}},
	})

	var got []model.Candle
	if code := getJSON(t, srv.URL+"/api/candles", &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(got) != 2 || got[0].Open != 1 || got[1].Open != 2 {
		t.Errorf("unexpected candles: %+v", got)
	}
}

func TestHandlers_TFCandles(t *testing.T) {
	srv := newTestServer(t, RoutesConfig{
		TF: &fakeTF{
			tfs: []int{60},
			candles: map[int][]model.TFCandle{
				60: {{Symbol: "btcusdt", TF: 60, Open: 5}},
			},
		},
	})

	var got []model.TFCandle
	if code := getJSON(t, srv.URL+"/api/candles/tf?tf=60", &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(got) != 1 || got[0].TF != 60 {
		t.Errorf("unexpected tf candles: %+v", got)
	}

	if code := getJSON(t, srv.URL+"/api/candles/tf?tf=300", nil); code != http.StatusNotFound {
		t.Errorf("expected 404 for disabled tf, got %d", code)
	}
	if code := getJSON(t, srv.URL+"/api/candles/tf?tf=abc", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad tf, got %d", code)
	}
}

func TestHandlers_Convert(t *testing.T) {
	srv := newTestServer(t, RoutesConfig{
		Symbol: "btcusdt",
		Prices: &fakePrices{price: model.PriceFromFloat(50000)},
	})

	var got struct {
		Result float64 `json:"result"`
	}
	if code := getJSON(t, srv.URL+"/api/convert?amount=100000&dir=to_coin", &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got.Result != 2 {
		t.Errorf("expected 2 coins for 100000 fiat at 50000, got %v", got.Result)
	}

	if code := getJSON(t, srv.URL+"/api/convert?amount=2&dir=to_fiat", &got); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if got.Result != 100000 {
		t.Errorf("expected 100000 fiat for 2 coins, got %v", got.Result)
	}

	if code := getJSON(t, srv.URL+"/api/convert?amount=1&dir=sideways", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad dir, got %d", code)
	}

	// ParseFloat accepts NaN/Inf spellings; they are not amounts.
	for _, amount := range []string{"NaN", "Inf", "-Inf"} {
		if code := getJSON(t, srv.URL+"/api/convert?amount="+amount+"&dir=to_coin", nil); code != http.StatusBadRequest {
			t.Errorf("expected 400 for amount=%s, got %d", amount, code)
		}
	}
}

func TestHandlers_ConvertNoPriceYet(t *testing.T) {
	srv := newTestServer(t, RoutesConfig{Prices: &fakePrices{price: 0}})

	if code := getJSON(t, srv.URL+"/api/convert?amount=1&dir=to_coin", nil); code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before first tick, got %d", code)
	}
}

func TestHandlers_SnapshotTOTPGuard(t *testing.T) {
	secret := "JBSWY3DPEHPK3PXP" // test vector secret
	saved := false
	srv := newTestServer(t, RoutesConfig{
		SaveSnapshot:    func() error { saved = true; return nil },
		AdminTOTPSecret: secret,
	})

	// Missing OTP → 401.
	resp, err := http.Post(srv.URL+"/api/snapshot", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without OTP, got %d", resp.StatusCode)
	}
	if saved {
		t.Fatal("snapshot must not run without a valid OTP")
	}

	// Valid OTP → 200.
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode: %v", err)
	}
	req, _ := http.NewRequest("POST", srv.URL+"/api/snapshot", nil)
	req.Header.Set("X-OTP", code)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with valid OTP, got %d", resp.StatusCode)
	}
	if !saved {
		t.Fatal("snapshot should have run")
	}
}

func TestHub_WSBroadcast(t *testing.T) {
	hub := NewHub()
	srv := newTestServer(t, RoutesConfig{Hub: hub})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	c := model.Candle{Symbol: "btcusdt", Open: 100, High: 110, Low: 90, Close: 105}
	hub.Broadcast("candle", c.JSON())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("envelope decode: %v", err)
	}
	if env.Type != "candle" {
		t.Errorf("expected type candle, got %s", env.Type)
	}
	var got model.Candle
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("candle decode: %v", err)
	}
	if got.Close != 105 {
		t.Errorf("expected close=105, got %d", got.Close)
	}
}
