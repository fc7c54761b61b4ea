package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydesk/dispatch-engine/internal/config"
	"github.com/relaydesk/dispatch-engine/internal/core"
	dbpkg "github.com/relaydesk/dispatch-engine/internal/db"
	"github.com/relaydesk/dispatch-engine/internal/dispatch"
	"github.com/relaydesk/dispatch-engine/internal/filestore"
	"github.com/relaydesk/dispatch-engine/internal/flush"
	"github.com/relaydesk/dispatch-engine/internal/metrics"
	"github.com/relaydesk/dispatch-engine/internal/prefs"
	"github.com/relaydesk/dispatch-engine/internal/session"
	"github.com/relaydesk/dispatch-engine/internal/sink"
	"github.com/relaydesk/dispatch-engine/pkg/logger"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg := config.MustLoad()

	log, err := logger.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Error("db pool", zap.Error(err))
		exitCode = 1
		return
	}
	defer pool.Close()

	if err := pool.Ping(rootCtx); err != nil {
		log.Error("db ping", zap.Error(err))
		exitCode = 1
		return
	}

	database := dbpkg.NewDB(pool)
	if err := database.Migrate(rootCtx); err != nil {
		log.Error("migrate", zap.Error(err))
		exitCode = 1
		return
	}
	store := &core.Store{DB: pool}

	// ---- Metrics ----
	metrics.MustRegister()
	poolStats := metrics.NewPGXPoolStats(pool)
	statsStop := make(chan struct{})
	go poolStats.Start(15*time.Second, statsStop)
	defer close(statsStop)

	// ---- Preferences (optionally cached) ----
	var prefSvc prefs.Service = prefs.NewPGService(pool)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		prefSvc = prefs.NewCached(prefSvc, rdb, 0)
	}

	// ---- Session pool (wire the real provider here) ----
	sessions := session.NewStaticPool()
	if cfg.Development {
		sessions.Put("dev", session.NewDummy())
	}

	// ---- Sink ----
	var dest sink.Sink
	if cfg.SinkURL != "" {
		dest = sink.NewHTTPSink(cfg.SinkURL)
	} else {
		dest = sink.NewDummy()
	}
	dest = sink.NewLimited(dest, cfg.Flush.SinkQPS, cfg.Flush.SinkBurst)

	dispatcher := dispatch.New(store, sessions, prefSvc, filestore.NewDir(cfg.AttachmentsDir), log, dispatch.Options{
		TickInterval:         cfg.Dispatch.TickInterval,
		BatchSize:            cfg.Dispatch.BatchSize,
		Concurrency:          cfg.Dispatch.Concurrency,
		SendTimeout:          cfg.Dispatch.SendTimeout,
		TransportQPS:         cfg.Dispatch.TransportQPS,
		TransportBurst:       cfg.Dispatch.TransportBurst,
		DeferInterval:        cfg.Dispatch.DeferInterval,
		MaxDeferrals:         cfg.Dispatch.MaxDeferrals,
		StarDelay:            cfg.Dispatch.StarDelay,
		StaleSending:         cfg.Dispatch.StaleSending,
		DBBackoffMin:         cfg.Dispatch.DBBackoffMin,
		DBBackoffMax:         cfg.Dispatch.DBBackoffMax,
		PromoContactCards:    cfg.PromoContactCards,
		PromoNewUnsubscribed: cfg.PromoNewUnsubscribed,
	})

	flusher := flush.New(store, dest, log, flush.Options{
		TickInterval:  cfg.Flush.TickInterval,
		AppendTimeout: cfg.Flush.AppendTimeout,
	})

	// ---- Health / metrics listener ----
	go serveHealth(cfg.HealthAddr, pool, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := dispatcher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("dispatcher exited", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := flusher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("flusher exited", zap.Error(err))
		}
	}()

	log.Info("engine running")
	wg.Wait()
	log.Info("engine stopped")
}

func serveHealth(addr string, pool *pgxpool.Pool, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("health listener", zap.Error(err))
	}
}
