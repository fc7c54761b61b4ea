package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/relaydesk/dispatch-engine/internal/config"
	dbpkg "github.com/relaydesk/dispatch-engine/internal/db"
	httpapi "github.com/relaydesk/dispatch-engine/internal/http"
	"github.com/relaydesk/dispatch-engine/internal/metrics"
	"github.com/relaydesk/dispatch-engine/internal/prefs"
	"github.com/relaydesk/dispatch-engine/pkg/logger"
)

func main() {
	cfg := config.MustLoad()

	log, err := logger.New(cfg.LogLevel, cfg.Development)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(rootCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("db", zap.Error(err))
	}
	defer pool.Close()

	database := dbpkg.NewDB(pool)
	if err := database.Migrate(rootCtx); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	metrics.MustRegister()

	var prefSvc prefs.Service = prefs.NewPGService(pool)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		prefSvc = prefs.NewCached(prefSvc, rdb, 0)
	}

	srv := httpapi.NewServer(pool, prefSvc)
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server", zap.Error(err))
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	cancel()
	_ = server.Shutdown(shutdownCtx)
}
