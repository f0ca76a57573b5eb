// Package metrics holds the tracker's Prometheus metrics, a health status
// snapshot with periodic dependency probes, and the HTTP server exposing
// /metrics and /healthz.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the tracker pipeline.
type Metrics struct {
	TicksTotal   prometheus.Counter
	CandlesTotal prometheus.Counter
	WSReconnects prometheus.Counter
	DroppedTicks prometheus.Counter

	TFCandlesTotal *prometheus.CounterVec // labels: tf

	RedisWriteDur   prometheus.Histogram
	SnapshotSaveDur prometheus.Histogram

	CandleLag prometheus.Gauge

	RingBufOverflow prometheus.Gauge

	FanoutDropsTotal     *prometheus.CounterVec // labels: subscriber
	ChannelSaturationPct *prometheus.GaugeVec   // labels: channel_name

	GatewayClients prometheus.Gauge
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_ticks_total",
			Help: "Total ticks received from the exchange WebSocket",
		}),
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_candles_total",
			Help: "Total fixed-count candles finalized",
		}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_ws_reconnects_total",
			Help: "Total exchange WebSocket reconnection attempts",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coinwatch_dropped_ticks_total",
			Help: "Ticks dropped (malformed or channel full)",
		}),
		TFCandlesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinwatch_tf_candles_total",
			Help: "Total wall-clock TF candles finalized (by timeframe)",
		}, []string{"tf"}),
		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinwatch_redis_write_duration_seconds",
			Help:    "Redis mirror write latency",
			Buckets: prometheus.DefBuckets,
		}),
		SnapshotSaveDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coinwatch_snapshot_save_duration_seconds",
			Help:    "SQLite snapshot save latency",
			Buckets: prometheus.DefBuckets,
		}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coinwatch_candle_lag_seconds",
			Help: "Lag between a candle's window start and its finalization",
		}),
		RingBufOverflow: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coinwatch_ringbuf_overflow_total",
			Help: "Candles dropped because the SPSC ring was full",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coinwatch_fanout_drops_total",
			Help: "Candles dropped for a slow fan-out subscriber",
		}, []string{"subscriber"}),
		ChannelSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coinwatch_channel_saturation_pct",
			Help: "Occupancy percentage of pipeline channels",
		}, []string{"channel_name"}),
		GatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coinwatch_gateway_clients",
			Help: "Currently connected gateway WebSocket clients",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.CandlesTotal,
		m.WSReconnects,
		m.DroppedTicks,
		m.TFCandlesTotal,
		m.RedisWriteDur,
		m.SnapshotSaveDur,
		m.CandleLag,
		m.RingBufOverflow,
		m.FanoutDropsTotal,
		m.ChannelSaturationPct,
		m.GatewayClients,
	)

	return m
}

// HealthStatus represents the tracker's health.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	SnapshotOK     bool      `json:"snapshot_ok"`
	Symbol         string    `json:"symbol"`
	WindowTicks    int       `json:"window_ticks"`
	HistorySize    int       `json:"history_size"`
	EnabledTFs     []int     `json:"enabled_tfs"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSnapshotOK(v bool) {
	h.mu.Lock()
	h.SnapshotOK = v
	h.mu.Unlock()
}

// SetPipeline records the static pipeline shape for the health report.
func (h *HealthStatus) SetPipeline(symbol string, windowTicks, historySize int, tfs []int) {
	h.mu.Lock()
	h.Symbol = symbol
	h.WindowTicks = windowTicks
	h.HistorySize = historySize
	h.EnabledTFs = tfs
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSnapshot pings the snapshot database and records latency + health.
func (h *HealthStatus) CheckSnapshot(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SnapshotOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSnapshot(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.WSConnected || !h.RedisConnected || !h.SnapshotOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.WSConnected && !h.RedisConnected && !h.SnapshotOK {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		Symbol          string  `json:"symbol"`
		WindowTicks     int     `json:"window_ticks"`
		HistorySize     int     `json:"history_size"`
		EnabledTFs      []int   `json:"enabled_tfs"`
		WSConnected     bool    `json:"ws_connected"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SnapshotOK      bool    `json:"snapshot_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Symbol:          h.Symbol,
		WindowTicks:     h.WindowTicks,
		HistorySize:     h.HistorySize,
		EnabledTFs:      h.EnabledTFs,
		WSConnected:     h.WSConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SnapshotOK:      h.SnapshotOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
