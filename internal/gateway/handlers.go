package gateway

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"net/http"
	"strconv"
	"time"

	"coinwatchv1/internal/model"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// PriceSource is the read side of the aggregator.
type PriceSource interface {
	CurrentPrice() int64
	History() []model.Candle
}

// TFSource is the read side of the wall-clock resampler.
type TFSource interface {
	Snapshot(tf int) []model.TFCandle
	TFs() []int
}

// RoutesConfig wires the gateway handlers to the pipeline.
type RoutesConfig struct {
	Hub    *Hub
	Prices PriceSource
	TF     TFSource
	Symbol string

	// SaveSnapshot forces an immediate snapshot save (admin endpoint).
	// Optional; POST /api/snapshot returns 404 when nil.
	SaveSnapshot func() error

	// AdminTOTPSecret guards mutating endpoints when non-empty: requests
	// must carry a valid X-OTP header.
	AdminTOTPSecret string
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-OTP")
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func RegisterRoutes(mux *http.ServeMux, cfg RoutesConfig) {
	hub := cfg.Hub

	// WebSocket endpoint: live price/candle push.
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade error: %v", err)
			return
		}
		ch := hub.register(conn)
		defer hub.unregister(conn)
		hub.writePump(conn, ch)
	})

	// REST: latest price.
	mux.HandleFunc("/api/price", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		price := cfg.Prices.CurrentPrice()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"symbol": cfg.Symbol,
			"price":  price,
			"float":  model.PriceToFloat(price),
		})
	})

	// REST: rolling candle window, oldest-first.
	mux.HandleFunc("/api/candles", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		candles := cfg.Prices.History()
		json.NewEncoder(w).Encode(candles)
	})

	// REST: resampled wall-clock candles for one timeframe.
	mux.HandleFunc("/api/candles/tf", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		tf, err := strconv.Atoi(r.URL.Query().Get("tf"))
		if err != nil || tf <= 0 {
			http.Error(w, `{"error":"invalid tf"}`, http.StatusBadRequest)
			return
		}
		enabled := false
		for _, t := range cfg.TF.TFs() {
			if t == tf {
				enabled = true
				break
			}
		}
		if !enabled {
			http.Error(w, `{"error":"tf not enabled"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(cfg.TF.Snapshot(tf))
	})

	// REST: fiat↔coin conversion at the latest price.
	mux.HandleFunc("/api/convert", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")

		amount, err := strconv.ParseFloat(r.URL.Query().Get("amount"), 64)
		if err != nil || amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
			http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
			return
		}
		dir := r.URL.Query().Get("dir")

		price := cfg.Prices.CurrentPrice()
		if price == 0 {
			http.Error(w, `{"error":"no price observed yet"}`, http.StatusServiceUnavailable)
			return
		}

		var result float64
		switch dir {
		case "to_coin":
			result = model.ToCoin(amount, price)
		case "to_fiat":
			result = model.ToFiat(amount, price)
		default:
			http.Error(w, `{"error":"dir must be to_coin or to_fiat"}`, http.StatusBadRequest)
			return
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"symbol": cfg.Symbol,
			"dir":    dir,
			"amount": amount,
			"price":  model.PriceToFloat(price),
			"result": result,
		})
	})

	// REST: static pipeline configuration.
	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"symbol": cfg.Symbol,
			"tfs":    cfg.TF.TFs(),
		})
	})

	// REST: force an immediate snapshot save (admin).
	if cfg.SaveSnapshot != nil {
		mux.HandleFunc("/api/snapshot", func(w http.ResponseWriter, r *http.Request) {
			SetCORS(w)
			w.Header().Set("Content-Type", "application/json")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			if r.Method != "POST" {
				http.Error(w, `{"error":"POST only"}`, http.StatusMethodNotAllowed)
				return
			}
			if !authorizeAdmin(cfg.AdminTOTPSecret, r) {
				http.Error(w, `{"error":"invalid or missing X-OTP"}`, http.StatusUnauthorized)
				return
			}
			if err := cfg.SaveSnapshot(); err != nil {
				log.Printf("[gateway] forced snapshot failed: %v", err)
				http.Error(w, `{"error":"snapshot failed"}`, http.StatusInternalServerError)
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})
	}
}

// authorizeAdmin validates the X-OTP header against the configured TOTP
// secret. An empty secret leaves admin endpoints open (local setups).
func authorizeAdmin(secret string, r *http.Request) bool {
	if secret == "" {
		return true
	}
	code := r.Header.Get("X-OTP")
	if code == "" {
		return false
	}
	return totp.Validate(code, secret)
}

// Server runs the gateway HTTP server.
type Server struct {
	srv *http.Server
}

// NewServer creates a gateway server on addr with the given routes.
func NewServer(addr string, cfg RoutesConfig) *Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, cfg)
	return &Server{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // WS connections are long-lived
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[gateway] listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[gateway] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the gateway.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
