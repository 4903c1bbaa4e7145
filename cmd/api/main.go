package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Jaymayes/scholarship-credits/internal/api"
	"github.com/Jaymayes/scholarship-credits/internal/authz"
	"github.com/Jaymayes/scholarship-credits/internal/cache"
	"github.com/Jaymayes/scholarship-credits/internal/config"
	"github.com/Jaymayes/scholarship-credits/internal/events"
	"github.com/Jaymayes/scholarship-credits/internal/ledger"
	"github.com/Jaymayes/scholarship-credits/internal/store"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}

	ctx := context.Background()
	pg, err := store.NewPostgres(ctx, cfg.DBSource, store.Options{
		LockTimeout:      cfg.LockTimeout,
		StatementTimeout: cfg.StatementTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer pg.Close()

	if err := pg.Migrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	var (
		publisher ledger.EventPublisher = events.Nop{}
		balCache  ledger.BalanceCache
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rdb.Close()
		publisher = events.NewRedisPublisher(rdb, events.DefaultChannel)
		balCache = cache.NewBalances(rdb, cfg.BalanceCacheTTL, logger)
		logger.Info().Str("addr", cfg.RedisAddr).Msg("redis connected")
	} else {
		logger.Warn().Msg("REDIS_ADDR not set, events and balance cache disabled")
	}

	coordinator := ledger.NewCoordinator(pg, authz.NewTableGate(), publisher, balCache, logger, ledger.Options{
		MaxAttempts:     cfg.RetryMaxAttempts,
		BackoffMin:      cfg.RetryBackoffMin,
		BackoffMax:      cfg.RetryBackoffMax,
		ProcessingLease: cfg.ProcessingLease,
		KeyTTL:          cfg.IdempotencyTTL,
	})

	r := mux.NewRouter()
	r.Use(api.RequestID())
	r.Use(api.RequestLogging(logger))
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	api.NewHandler(coordinator, logger).Routes(r)

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		logger.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("server stopped")
}
