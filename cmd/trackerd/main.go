// cmd/trackerd — Live crypto tracker daemon.
//
// Pipeline:
//
//	[Binance WS kline feed] → tickCh → [Aggregator] → SPSC ring → [FanOut]
//	                                                     ├→ Redis mirror
//	                                                     ├→ Wall-clock resampler
//	                                                     └→ Gateway broadcaster
//
// The aggregator folds every WINDOW_TICKS ticks into one OHLC candle and
// keeps the HISTORY_SIZE most recent candles. The gateway serves the
// rolling window, the latest price, and fiat↔coin conversion; the
// snapshot store persists the bounded window across restarts.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"coinwatchv1/config"
	"coinwatchv1/internal/agg"
	"coinwatchv1/internal/gateway"
	"coinwatchv1/internal/logger"
	"coinwatchv1/internal/marketdata/binance"
	"coinwatchv1/internal/marketdata/bus"
	"coinwatchv1/internal/marketdata/resample"
	"coinwatchv1/internal/metrics"
	"coinwatchv1/internal/model"
	"coinwatchv1/internal/ringbuf"
	redisstore "coinwatchv1/internal/store/redis"
	"coinwatchv1/internal/store/snapshot"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	logger.Init("trackerd", slog.LevelInfo)
	log.Println("[trackerd] starting...")

	// ---- Load config from env ----
	cfg := config.Load()
	tfs := cfg.ParseTFs()
	log.Printf("[trackerd] symbol=%s window=%d history=%d TFs=%v",
		cfg.Symbol, cfg.WindowTicks, cfg.HistorySize, tfs)

	// ---- Setup metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetPipeline(cfg.Symbol, cfg.WindowTicks, cfg.HistorySize, tfs)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Setup context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Aggregator (the core) ----
	aggregator := agg.New(agg.Config{
		WindowTicks: cfg.WindowTicks,
		HistorySize: cfg.HistorySize,
	})

	// ---- Snapshot store: restore previous window, then save periodically ----
	snapStore, err := snapshot.New(snapshot.StoreConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[trackerd] snapshot init failed: %v", err)
	}
	defer snapStore.Close()
	snapStore.OnSaveDur = prom.SnapshotSaveDur.Observe
	health.SetSnapshotOK(true)

	if latest, candles, err := snapStore.Load(ctx, cfg.Symbol); err != nil {
		log.Printf("[trackerd] WARNING: snapshot restore failed: %v", err)
	} else if latest != 0 || len(candles) > 0 {
		aggregator.Restore(latest, candles)
		log.Printf("[trackerd] restored %d candles from snapshot", len(candles))
	}

	stateSource := func() (int64, []model.Candle) {
		return aggregator.CurrentPrice(), aggregator.History()
	}
	var snapWG sync.WaitGroup
	snapWG.Add(1)
	go func() {
		defer snapWG.Done()
		snapStore.Run(ctx, cfg.Symbol, cfg.SnapshotInterval, stateSource)
	}()

	// ---- Redis mirror (optional — pipeline runs without it) ----
	var redisWriter *redisstore.Writer
	redisWriter, err = redisstore.New(redisstore.WriterConfig{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		StreamMaxLen: int64(cfg.HistorySize),
	})
	if err != nil {
		log.Printf("[trackerd] WARNING: redis init failed: %v (continuing without redis)", err)
		health.SetRedisConnected(false)
		redisWriter = nil
	} else {
		redisWriter.OnWriteDur = prom.RedisWriteDur.Observe
		health.SetRedisConnected(true)
	}

	// ---- Periodic liveness checks ----
	if redisWriter != nil {
		health.StartLivenessChecker(ctx, redisWriter.Client(), snapStore.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, snapStore.DB(), 10*time.Second)
	}

	// ---- Pipeline channels ----
	tickCh := make(chan model.Tick, 10000)
	candleCh := make(chan model.Candle, 1000)
	tfCandleCh := make(chan model.TFCandle, 1000)

	// ---- Fan-out for finalized candles ----
	fanout := bus.New(1000)
	fanout.OnDrop = func(name string) {
		prom.FanoutDropsTotal.WithLabelValues(name).Inc()
	}

	var redisCandleCh <-chan model.Candle
	if redisWriter != nil {
		redisCandleCh = fanout.Subscribe("redis")
	}
	resampleCh := fanout.Subscribe("resample")
	gatewayCandleCh := fanout.Subscribe("gateway")

	go fanout.Run(ctx, candleCh)

	// Channel saturation reporting
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range fanout.ChannelStats() {
					if s.Cap > 0 {
						pct := float64(s.Len) / float64(s.Cap) * 100
						prom.ChannelSaturationPct.WithLabelValues("fanout_" + s.Name).Set(pct)
					}
				}
				pct := float64(len(tickCh)) / float64(cap(tickCh)) * 100
				prom.ChannelSaturationPct.WithLabelValues("tick").Set(pct)
			}
		}
	}()

	if redisWriter != nil && redisCandleCh != nil {
		go redisWriter.Run(ctx, redisCandleCh)
		go redisWriter.RunLatest(ctx, cfg.Symbol, time.Second, aggregator.CurrentPrice)
	}

	// ---- Wall-clock resampler ----
	resampler := resample.New(tfs)
	resampler.OnTFCandle = func(c model.TFCandle) {
		prom.TFCandlesTotal.WithLabelValues(strconv.Itoa(c.TF)).Inc()
	}
	go resampler.Run(ctx, resampleCh, tfCandleCh)

	// Fan TF candles out: gateway sees everything (forming snapshots
	// included), redis mirrors finalized buckets only.
	gatewayTFCh := make(chan model.TFCandle, 1000)
	redisTFCh := make(chan model.TFCandle, 1000)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tfc, ok := <-tfCandleCh:
				if !ok {
					return
				}
				select {
				case gatewayTFCh <- tfc:
				default:
				}
				if !tfc.Forming {
					select {
					case redisTFCh <- tfc:
					default:
					}
				}
			}
		}
	}()
	if redisWriter != nil {
		go redisWriter.RunTFCandles(ctx, redisTFCh)
	}

	// ---- Gateway (display surface) ----
	hub := gateway.NewHub()
	hub.OnClients = func(n int) { prom.GatewayClients.Set(float64(n)) }
	go hub.Run(ctx, gatewayCandleCh, gatewayTFCh)
	go hub.RunPriceTicker(ctx, time.Second, aggregator.CurrentPrice)

	gwSrv := gateway.NewServer(cfg.GatewayAddr, gateway.RoutesConfig{
		Hub:    hub,
		Prices: aggregator,
		TF:     resampler,
		Symbol: cfg.Symbol,
		SaveSnapshot: func() error {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer saveCancel()
			latest, candles := stateSource()
			return snapStore.Save(saveCtx, cfg.Symbol, latest, candles)
		},
		AdminTOTPSecret: cfg.AdminTOTPSecret,
	})
	gwSrv.Start()

	// ---- Aggregation hot path: tickCh → OnTick → SPSC ring ----
	ring := ringbuf.New(1024)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-tickCh:
				if !ok {
					return
				}
				candle, emitted := aggregator.OnTick(tick)
				if !emitted {
					continue
				}
				prom.CandlesTotal.Inc()
				prom.CandleLag.Set(time.Since(candle.WindowStart).Seconds())
				if !ring.Push(candle) {
					log.Printf("[trackerd] candle ring full, dropping candle ts=%v", candle.WindowStart)
				}
			}
		}
	}()

	// Ring drainer → fan-out input (off the hot path)
	go func() {
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ring.Drain(func(candle model.Candle) {
					select {
					case candleCh <- candle:
					default:
						log.Println("[trackerd] candleCh full, dropping candle")
					}
				})
				prom.RingBufOverflow.Set(float64(ring.Overflow()))
			}
		}
	}()

	// ---- WS ingest (connection lifecycle lives here, not in the core) ----
	ingest, err := binance.New(binance.Config{
		URL:      cfg.BinanceWSURL,
		Symbol:   cfg.Symbol,
		Interval: cfg.KlineInterval,
	})
	if err != nil {
		log.Fatalf("[trackerd] ingest init failed: %v", err)
	}
	ingest.OnReconnect = func() {
		prom.WSReconnects.Inc()
		health.SetWSConnected(false)
	}
	ingest.OnTick = func() {
		prom.TicksTotal.Inc()
		health.SetWSConnected(true)
		health.SetLastTickTime(time.Now())
	}
	ingest.OnDrop = func() {
		prom.DroppedTicks.Inc()
	}

	go func() {
		if err := ingest.Start(ctx, tickCh); err != nil {
			log.Printf("[trackerd] ingest error: %v", err)
			health.SetWSConnected(false)
		}
	}()

	log.Printf("[trackerd] pipeline ready: feed=%s gateway=%s metrics=%s",
		cfg.BinanceWSURL, cfg.GatewayAddr, cfg.MetricsAddr)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[trackerd] shutdown signal received, cleaning up...")
	cancel()

	// Final snapshot save runs inside snapStore.Run on cancellation.
	snapWG.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	gwSrv.Stop(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	if redisWriter != nil {
		redisWriter.Close()
	}

	log.Println("[trackerd] shutdown complete.")
}
