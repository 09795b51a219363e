package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/harborwatch/alertgate/internal/config"
	"github.com/harborwatch/alertgate/internal/database"
	"github.com/harborwatch/alertgate/internal/delivery"
	"github.com/harborwatch/alertgate/internal/dlq"
	"github.com/harborwatch/alertgate/internal/gate"
	"github.com/harborwatch/alertgate/internal/intake"
	"github.com/harborwatch/alertgate/internal/push"
	"github.com/harborwatch/alertgate/internal/store"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Connect to Postgres
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	slog.Info("connected to postgres")

	// Connect to Redis
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("failed to parse redis URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to redis")

	// Wire the pipeline. Websocket sessions attach to the api process;
	// this hub only exists to satisfy the dispatch path.
	s := store.New(pool)
	hub := push.NewHub(cfg.SendLimitPerMinute)
	g := gate.New(gate.NewRedisDedupStore(rdb), cfg.DedupeTTL)
	engine := delivery.NewEngine(s.Attempts, s.DeadLetters, cfg.DeliveryTimeout, cfg.RetryBaseDelay)
	runner := delivery.NewRunner(engine, g, s.Events, s.Subscriptions, hub, cfg.RateLimitPerRun, cfg.WorkerConcurrency)
	dlqMgr := dlq.NewManager(s.DeadLetters, s.Attempts, s.Events, s.Subscriptions, engine, cfg.MaxDLQRetries, cfg.RetryBaseDelay)

	consumer := intake.NewConsumer(rdb, s.Events, runner, cfg.WorkerConcurrency)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("failed to start intake consumer", "error", err)
		os.Exit(1)
	}
	slog.Info("intake consumer started", "concurrency", cfg.WorkerConcurrency)

	dlqMgr.StartScheduler(ctx, cfg.PollInterval, cfg.DLQBatchSize)
	slog.Info("retry scheduler started", "interval", cfg.PollInterval)

	// Minimal health endpoint for k8s liveness probes
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	healthMux.Handle("/metrics", promhttp.Handler())

	healthSrv := &http.Server{
		Addr:    ":8081",
		Handler: healthMux,
	}

	go func() {
		slog.Info("worker health server listening", "port", "8081")
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down worker...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("health server shutdown error", "error", err)
	}
	slog.Info("worker stopped")
}
